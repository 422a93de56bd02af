package filetype

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Kind says how a source reaches page images.
type Kind string

const (
	// KindImage is already a single page artifact.
	KindImage Kind = "image"
	// KindPDF is split into one image per page.
	KindPDF Kind = "pdf"
	// KindOffice is converted to PDF first, then split.
	KindOffice Kind = "office"
	KindUnsupported Kind = "unsupported"
)

// Info contains detected file type information
type Info struct {
	MIMEType    string
	Extension   string
	Kind        Kind
	Description string
}

// NeedsSplit reports whether the source goes through page extraction.
func (i Info) NeedsSplit() bool { return i.Kind == KindPDF || i.Kind == KindOffice }

// Supported reports whether the pipeline can process the source.
func (i Info) Supported() bool { return i.Kind != KindUnsupported }

// Detect inspects magic bytes; the filename only disambiguates container
// formats (ZIP and OLE) that several office formats share.
func Detect(data []byte, filename string) Info {
	mtype := mimetype.Detect(data)
	mimeType := mtype.String()
	extension := mtype.Extension()
	ext := strings.ToLower(filepath.Ext(filename))

	if mtype.Is("application/zip") {
		if m, ok := zipOffice[ext]; ok {
			mimeType, extension = m, ext
		}
	}
	if mtype.Is("application/x-ole-storage") || mtype.Is("application/x-cfb") {
		if m, ok := oleOffice[ext]; ok {
			mimeType, extension = m, ext
		}
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	info := Info{MIMEType: mimeType, Extension: extension}
	classify(&info)
	log.Debug().Str("mime", info.MIMEType).Str("kind", string(info.Kind)).Str("file", filename).Msg("detected file type")
	return info
}

var zipOffice = map[string]string{
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".odp":  "application/vnd.oasis.opendocument.presentation",
}

var oleOffice = map[string]string{
	".doc": "application/msword",
	".xls": "application/vnd.ms-excel",
	".ppt": "application/vnd.ms-powerpoint",
}

var officeTypes = map[string]string{
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "Microsoft Word document",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "Microsoft PowerPoint presentation",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "Microsoft Excel spreadsheet",
	"application/msword":                        "Microsoft Word document (legacy)",
	"application/vnd.ms-powerpoint":             "Microsoft PowerPoint presentation (legacy)",
	"application/vnd.ms-excel":                  "Microsoft Excel spreadsheet (legacy)",
	"application/vnd.oasis.opendocument.text":   "OpenDocument text",
	"application/vnd.oasis.opendocument.presentation": "OpenDocument presentation",
	"application/vnd.oasis.opendocument.spreadsheet":  "OpenDocument spreadsheet",
	"application/rtf": "Rich Text Format",
	"text/rtf":        "Rich Text Format",
}

func classify(info *Info) {
	switch m := info.MIMEType; {
	case m == "application/pdf":
		info.Kind = KindPDF
		info.Description = "PDF document"
	case strings.HasPrefix(m, "image/"):
		info.Kind = KindImage
		info.Description = "Image file"
	default:
		if desc, ok := officeTypes[m]; ok {
			info.Kind = KindOffice
			info.Description = desc
			return
		}
		info.Kind = KindUnsupported
		info.Description = fmt.Sprintf("Unsupported file type: %s", m)
	}
}
