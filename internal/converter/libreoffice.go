package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/limiter"
)

// ErrProtected means the document is password protected and cannot be
// converted.
var ErrProtected = errors.New("document is password protected")

// LibreOffice converts office documents to PDF with a headless soffice run
// per document. Each run gets its own user profile so conversions do not
// share a lock.
type LibreOffice struct {
	binary  string
	timeout time.Duration
	gate    *limiter.Gate
}

// NewLibreOffice creates a converter allowing maxWorkers concurrent runs.
func NewLibreOffice(binary string, maxWorkers int, timeout time.Duration) *LibreOffice {
	if binary == "" {
		binary = "libreoffice"
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &LibreOffice{binary: binary, timeout: timeout, gate: limiter.NewGate(maxWorkers)}
}

// Check verifies the binary runs.
func (l *LibreOffice) Check(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, l.binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s not available: %w", l.binary, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Convert turns data (an office document with extension ext) into PDF bytes.
// Unreadable or protected documents yield a fatal error; a timeout is
// reported as a page processing error so callers may retry.
func (l *LibreOffice) Convert(ctx context.Context, data []byte, ext string) ([]byte, error) {
	const op = "converter.convert"
	if !IsSupported(ext) {
		return nil, apperr.Fatal(op, fmt.Errorf("unsupported extension %q", ext))
	}
	if len(data) == 0 {
		return nil, apperr.Fatal(op, errors.New("document is empty"))
	}

	release, err := l.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()

	workDir, err := os.MkdirTemp("", "pagetrack-convert-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	profileDir := filepath.Join(workDir, "profile_"+uuid.NewString())
	outDir := filepath.Join(workDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	input := filepath.Join(workDir, "document"+normalizeExt(ext))
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, l.binary,
		fmt.Sprintf("-env:UserInstallation=file://%s", profileDir),
		"--headless",
		"--nologo",
		"--nolockcheck",
		"--convert-to", "pdf",
		"--outdir", outDir,
		input,
	)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second
	log.Debug().Str("cmd", strings.Join(cmd.Args, " ")).Msg("LibreOffice command")

	runErr := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, apperr.PageProcessing(op, fmt.Errorf("conversion timeout after %v", l.timeout))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if looksProtected(stderr.String()) {
		return nil, apperr.Fatal(op, ErrProtected)
	}
	if runErr != nil {
		return nil, apperr.Fatal(op, fmt.Errorf("conversion failed: %w: %s", runErr, strings.TrimSpace(stderr.String())))
	}

	pdf, err := os.ReadFile(filepath.Join(outDir, "document.pdf"))
	if err != nil {
		return nil, apperr.Fatal(op, fmt.Errorf("output file not created: %w", err))
	}
	log.Info().Str("ext", ext).Int("bytes", len(pdf)).Dur("duration", time.Since(start)).Msg("conversion successful")
	return pdf, nil
}

func looksProtected(output string) bool {
	s := strings.ToLower(output)
	return strings.Contains(s, "password") || strings.Contains(s, "encrypted")
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

var supported = map[string]bool{
	"doc": true, "docx": true, "rtf": true, "odt": true,
	"xls": true, "xlsx": true, "ods": true,
	"ppt": true, "pptx": true, "odp": true,
}

// IsSupported checks if a file extension is supported for conversion.
func IsSupported(ext string) bool {
	return supported[strings.TrimPrefix(normalizeExt(ext), ".")]
}
