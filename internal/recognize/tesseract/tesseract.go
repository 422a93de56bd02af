// Package tesseract recognizes page images locally with the gosseract
// bindings. It needs libtesseract at build and run time.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/local/pagetrack/internal/recognize"
)

// Engine runs a fresh client per page.
type Engine struct {
	languages     []string
	dpi           float64
	clientFactory func() *gosseract.Client
}

func New(languages []string, dpi float64) *Engine {
	return &Engine{languages: languages, dpi: dpi, clientFactory: gosseract.NewClient}
}

func (e *Engine) Name() string { return "tesseract" }

// Version reports the linked library version.
func (e *Engine) Version() string { return gosseract.Version() }

func (e *Engine) Recognize(ctx context.Context, img recognize.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(img.Data); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	if e.dpi > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(int(e.dpi))); err != nil {
			return "", fmt.Errorf("set dpi: %w", err)
		}
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}
