package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
)

const (
	axiomBuffer = 1000
	axiomBatch  = 200
)

type ingester interface {
	IngestEvents(ctx context.Context, dataset string, events []axiom.Event, options ...ingest.Option) (*ingest.Status, error)
}

// axiomSink batches log lines and ships them to an Axiom dataset in the
// background. Lines below info are ignored. A full buffer drops lines.
type axiomSink struct {
	client  ingester
	dataset string
	ch      chan axiom.Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
}

func dialAxiom(token, orgID, dataset string, flushEvery time.Duration) (*axiomSink, error) {
	opts := []axiom.Option{axiom.SetToken(token)}
	if orgID != "" {
		opts = append(opts, axiom.SetOrganizationID(orgID))
	}
	c, err := axiom.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return newAxiomSink(c, dataset, flushEvery), nil
}

func newAxiomSink(c ingester, dataset string, flushEvery time.Duration) *axiomSink {
	if dataset == "" {
		dataset = "dev_" + serviceName
	}
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	s := &axiomSink{
		client:  c,
		dataset: dataset,
		ch:      make(chan axiom.Event, axiomBuffer),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(flushEvery)
	return s
}

func (s *axiomSink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (s *axiomSink) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < zerolog.InfoLevel {
		return len(p), nil
	}
	ev := axiom.Event{}
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = axiom.Event{"message": string(p), "level": l.String()}
	}
	if _, ok := ev[ingest.TimestampField]; !ok {
		ev[ingest.TimestampField] = time.Now()
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

func (s *axiomSink) run(flushEvery time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]axiom.Event, 0, axiomBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if _, err := s.client.IngestEvents(ctx, s.dataset, batch); err != nil {
			fmt.Fprintf(os.Stderr, "axiom ingest: %v\n", err)
		}
		cancel()
		batch = batch[:0]
	}
	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= axiomBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// drain what was buffered before Close
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close stops the sink after shipping buffered lines.
func (s *axiomSink) Close() {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		if n := s.dropped.Load(); n > 0 {
			fmt.Fprintf(os.Stderr, "axiom: dropped %d log lines\n", n)
		}
	})
}
