package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/metrics"
)

// ErrNotFound is returned by Get when no artifact exists under the key.
var ErrNotFound = errors.New("artifact not found")

// Backend stores opaque artifacts under slash-separated keys.
// Put overwrites. Delete of a missing key is a no-op. Remote
// implementations may serve a stale or missing value right after Put.
type Backend interface {
	Name() string
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	URL(ctx context.Context, key string) (string, error)
	Ping(ctx context.Context) error
}

// Options selects and configures a backend at boot.
type Options struct {
	Backend       string // "local", "s3" or "memory"
	LocalRoot     string
	PublicBaseURL string

	Bucket     string
	Region     string
	Endpoint   string
	AccessKey  string
	SecretKey  string
	PathStyle  bool
	PresignTTL time.Duration

	// Non-empty enables AES-GCM sealing of every artifact.
	EncryptionKey string
}

// New builds the backend named by opts.Backend. It is called once per process.
func New(ctx context.Context, opts Options) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch opts.Backend {
	case "", "local":
		b, err = NewLocal(opts.LocalRoot, opts.PublicBaseURL)
	case "s3":
		b, err = NewS3(ctx, opts)
	case "memory":
		b = NewMemory()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	if opts.EncryptionKey != "" {
		b = NewSealed(b, opts.EncryptionKey)
	}
	log.Info().Str("backend", b.Name()).Msg("storage backend selected")
	return Instrument(b), nil
}

// Instrument counts every operation against b.
func Instrument(b Backend) Backend { return instrumented{b} }

type instrumented struct{ Backend }

func (i instrumented) Put(ctx context.Context, key string, data []byte) error {
	err := i.Backend.Put(ctx, key, data)
	metrics.IncStorage(i.Name(), "put", err)
	return err
}

func (i instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := i.Backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		metrics.IncStorage(i.Name(), "get_miss", nil)
	} else {
		metrics.IncStorage(i.Name(), "get", err)
	}
	return data, err
}

func (i instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := i.Backend.List(ctx, prefix)
	metrics.IncStorage(i.Name(), "list", err)
	return keys, err
}

func (i instrumented) Delete(ctx context.Context, key string) error {
	err := i.Backend.Delete(ctx, key)
	metrics.IncStorage(i.Name(), "delete", err)
	return err
}
