package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Pinger models a dependency that answers a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// VersionChecker is a local binary that reports its version.
type VersionChecker interface {
	Check(ctx context.Context) (string, error)
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	storage      Pinger
	storageName  string
	redis        Pinger
	converter    VersionChecker
	tesseract    func() string
	httpClient   *http.Client
	openAIKey    string
	openAIURL    string
	anthropicKey string
	anthropicURL string
}

// Options configures the Checker. Nil dependencies are reported as not
// configured rather than failing.
type Options struct {
	Storage      Pinger
	StorageName  string
	Redis        Pinger
	Converter    VersionChecker
	Tesseract    func() string
	HTTPClient   *http.Client
	OpenAIKey    string
	OpenAIURL    string
	AnthropicKey string
	AnthropicURL string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Storage     Status `json:"storage"`
	Redis       Status `json:"redis"`
	LibreOffice Status `json:"libreoffice"`
	Tesseract   Status `json:"tesseract"`
	OpenAI      Status `json:"openai"`
	Anthropic   Status `json:"anthropic"`
}

// Ready is true when the dependencies every job needs are up.
func (s Summary) Ready() bool { return s.Storage.OK }

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.OpenAIURL == "" {
		opts.OpenAIURL = "https://api.openai.com/v1"
	}
	if opts.AnthropicURL == "" {
		opts.AnthropicURL = "https://api.anthropic.com/v1"
	}
	return &Checker{
		storage:      opts.Storage,
		storageName:  opts.StorageName,
		redis:        opts.Redis,
		converter:    opts.Converter,
		tesseract:    opts.Tesseract,
		httpClient:   client,
		openAIKey:    strings.TrimSpace(opts.OpenAIKey),
		openAIURL:    strings.TrimRight(opts.OpenAIURL, "/"),
		anthropicKey: strings.TrimSpace(opts.AnthropicKey),
		anthropicURL: strings.TrimRight(opts.AnthropicURL, "/"),
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Storage:     c.checkStorage(ctx),
		Redis:       c.checkRedis(ctx),
		LibreOffice: c.checkLibreOffice(ctx),
		Tesseract:   c.checkTesseract(),
		OpenAI:      c.checkOpenAI(ctx),
		Anthropic:   c.checkAnthropic(ctx),
	}
}

func (c *Checker) checkStorage(ctx context.Context) Status {
	if c.storage == nil {
		return Status{OK: false, Message: "backend unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.storage.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected (" + c.storageName + ")"}
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: err.Error()}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkLibreOffice(ctx context.Context) Status {
	if c.converter == nil {
		return Status{OK: false, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	v, err := c.converter.Check(ctx)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: v}
}

func (c *Checker) checkTesseract() Status {
	if c.tesseract == nil {
		return Status{OK: false, Message: "not configured"}
	}
	return Status{OK: true, Message: c.tesseract()}
}

func (c *Checker) checkOpenAI(ctx context.Context) Status {
	if c.openAIKey == "" {
		return Status{OK: false, Message: "API key missing"}
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.openAIURL+"/models?limit=1", nil)
	req.Header.Set("Authorization", "Bearer "+c.openAIKey)
	return c.probe(req)
}

func (c *Checker) checkAnthropic(ctx context.Context) Status {
	if c.anthropicKey == "" {
		return Status{OK: false, Message: "API key missing"}
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.anthropicURL+"/models", nil)
	req.Header.Set("x-api-key", c.anthropicKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	return c.probe(req)
}

func (c *Checker) probe(req *http.Request) Status {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return Status{OK: true, Message: "Available"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
