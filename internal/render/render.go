// Package render splits a multi-page source into one JPEG per page.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"strings"
	"sync"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/filetype"
)

// PageExt is the extension of every rendered page image.
const PageExt = ".jpg"

// Converter turns an office document into PDF bytes.
type Converter interface {
	Convert(ctx context.Context, data []byte, ext string) ([]byte, error)
}

type Options struct {
	DPI     float64
	Quality int
	// Gray renders pages in grayscale, which is smaller and enough for text.
	Gray bool
}

// Renderer opens PDF and office sources for page-by-page rasterization.
type Renderer struct {
	opts      Options
	converter Converter
}

func New(opts Options, conv Converter) *Renderer {
	if opts.DPI <= 0 {
		opts.DPI = 150
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}
	return &Renderer{opts: opts, converter: conv}
}

// Document is an opened source. Render may be called for pages 1..Pages()
// in any order but not concurrently.
type Document interface {
	Pages() int
	Render(ctx context.Context, n int) ([]byte, error)
	Close() error
}

// Open prepares source for rasterization. Office documents are converted to
// PDF first. A source that cannot be opened is a fatal job error.
func (r *Renderer) Open(ctx context.Context, source []byte, info filetype.Info, ext string) (Document, error) {
	const op = "render.open"
	pdf := source
	switch info.Kind {
	case filetype.KindPDF:
	case filetype.KindOffice:
		if r.converter == nil {
			return nil, apperr.Fatal(op, errors.New("office conversion is not configured"))
		}
		converted, err := r.converter.Convert(ctx, source, ext)
		if err != nil {
			return nil, err
		}
		pdf = converted
	default:
		return nil, apperr.Fatal(op, fmt.Errorf("%s cannot be split into pages", info.MIMEType))
	}

	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, apperr.Fatal(op, fmt.Errorf("failed to open PDF: %w", err))
	}
	n := doc.NumPage()
	if counted, err := PageCount(pdf); err != nil {
		log.Warn().Err(err).Int("fitz_pages", n).Msg("pdfcpu page count failed, using renderer count")
	} else if counted != n {
		log.Warn().Int("pdfcpu_pages", counted).Int("fitz_pages", n).Msg("page counts disagree, using renderer count")
	}
	if n < 1 {
		doc.Close()
		return nil, apperr.Fatal(op, errors.New("document has no pages"))
	}
	return &fitzDocument{doc: doc, pages: n, opts: r.opts}, nil
}

// PageCount validates pdf with pdfcpu and returns its page count.
func PageCount(pdf []byte) (int, error) {
	f, err := os.CreateTemp("", "pagetrack-count-*.pdf")
	if err != nil {
		return 0, err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(pdf); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	n, err := api.PageCountFile(f.Name())
	if err != nil {
		return 0, fmt.Errorf("pdf page count failed: %w", err)
	}
	return n, nil
}

type fitzDocument struct {
	mu    sync.Mutex
	doc   *fitz.Document
	pages int
	opts  Options
}

func (d *fitzDocument) Pages() int { return d.pages }

func (d *fitzDocument) Render(ctx context.Context, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n < 1 || n > d.pages {
		return nil, fmt.Errorf("page %d out of range (document has %d pages)", n, d.pages)
	}
	d.mu.Lock()
	// go-fitz uses 0-based indexing
	img, err := d.doc.ImageDPI(n-1, d.opts.DPI)
	d.mu.Unlock()
	if err != nil {
		return nil, apperr.PageProcessing("render.page", fmt.Errorf("failed to render page %d: %w", n, err))
	}
	return encodeJPEG(img, n, d.opts)
}

func (d *fitzDocument) Close() error { return d.doc.Close() }

func encodeJPEG(img image.Image, n int, opts Options) ([]byte, error) {
	final := img
	if opts.Gray {
		gray := image.NewGray(img.Bounds())
		draw.Draw(gray, img.Bounds(), img, image.Point{}, draw.Src)
		final = gray
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, final, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	b := img.Bounds()
	log.Debug().
		Int("page", n).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Int("jpeg_size", buf.Len()).
		Float64("dpi", opts.DPI).
		Msg("rendered page")
	return buf.Bytes(), nil
}

// ImageExt picks the page artifact extension for a single image source.
func ImageExt(info filetype.Info, filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 && i < len(filename)-1 {
		return strings.ToLower(filename[i:])
	}
	if info.Extension != "" {
		return info.Extension
	}
	return ".img"
}
