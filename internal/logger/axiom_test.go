package logger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIngester struct {
	mu      sync.Mutex
	dataset string
	events  []axiom.Event
}

func (f *fakeIngester) IngestEvents(ctx context.Context, dataset string, events []axiom.Event, _ ...ingest.Option) (*ingest.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dataset = dataset
	f.events = append(f.events, events...)
	return &ingest.Status{}, nil
}

func TestAxiomSinkShipsInfoAndAbove(t *testing.T) {
	fake := &fakeIngester{}
	sink := newAxiomSink(fake, "", time.Hour)
	l := zerolog.New(zerolog.MultiLevelWriter(sink)).Level(zerolog.DebugLevel)

	l.Debug().Msg("noise")
	l.Info().Str("job_id", "j1").Msg("page recognized")
	l.Error().Msg("boom")
	sink.Close()
	sink.Close()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "dev_pagetrack", fake.dataset)
	require.Len(t, fake.events, 2)
	assert.Equal(t, "page recognized", fake.events[0]["message"])
	assert.Equal(t, "j1", fake.events[0]["job_id"])
	assert.Contains(t, fake.events[0], ingest.TimestampField)
	assert.Equal(t, "error", fake.events[1]["level"])
}

func TestAxiomSinkDropsWhenFull(t *testing.T) {
	sink := &axiomSink{ch: make(chan axiom.Event, 1), done: make(chan struct{})}
	_, _ = sink.WriteLevel(zerolog.InfoLevel, []byte(`{"message":"a"}`))
	_, _ = sink.WriteLevel(zerolog.InfoLevel, []byte(`{"message":"b"}`))
	assert.Equal(t, int64(1), sink.dropped.Load())
}
