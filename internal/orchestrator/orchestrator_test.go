package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pagetrack/internal/filetype"
	"github.com/local/pagetrack/internal/limiter"
	"github.com/local/pagetrack/internal/recognize"
	"github.com/local/pagetrack/internal/record"
	"github.com/local/pagetrack/internal/registry"
	"github.com/local/pagetrack/internal/render"
	"github.com/local/pagetrack/internal/retry"
	"github.com/local/pagetrack/internal/storage"
	"github.com/local/pagetrack/internal/store"
)

var pdfSource = []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n")

type fakeDoc struct {
	pages int
	mu    sync.Mutex
	rends []int
}

func (d *fakeDoc) Pages() int { return d.pages }

func (d *fakeDoc) Render(ctx context.Context, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rends = append(d.rends, n)
	return []byte(fmt.Sprintf("jpeg of page %d", n)), nil
}

func (d *fakeDoc) Close() error { return nil }

type fakeOpener struct{ doc *fakeDoc }

func (o fakeOpener) Open(ctx context.Context, source []byte, info filetype.Info, ext string) (render.Document, error) {
	return o.doc, nil
}

// echo recognizes every page as "text of page N" and counts calls per page.
type echo struct {
	mu    sync.Mutex
	calls map[int]int
	fail  func(page, call int) error
	delay time.Duration
}

func newEcho() *echo { return &echo{calls: map[int]int{}} }

func (e *echo) Name() string { return "echo" }

func (e *echo) Recognize(ctx context.Context, img recognize.Image) (string, error) {
	e.mu.Lock()
	e.calls[img.Page]++
	call := e.calls[img.Page]
	e.mu.Unlock()
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.fail != nil {
		if err := e.fail(img.Page, call); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("text of page %d", img.Page), nil
}

func (e *echo) count(page int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[page]
}

type fixture struct {
	orch *Orchestrator
	st   *store.Store
	reg  *registry.Registry
	sess store.Session
	doc  *fakeDoc
	rec  *echo
}

func newFixture(t *testing.T, pages int, opts Options) *fixture {
	t.Helper()
	mem := storage.NewMemory()
	st := store.New(mem, retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	reg := registry.New(st, registry.Options{Persisters: 2})
	t.Cleanup(reg.Close)
	sess, err := st.CreateSession(context.Background(), "alice")
	require.NoError(t, err)

	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	f := &fixture{st: st, reg: reg, sess: sess, doc: &fakeDoc{pages: pages}, rec: newEcho()}
	f.orch = New(Dependencies{
		Store:      st,
		Jobs:       reg,
		Renderer:   fakeOpener{doc: f.doc},
		Recognizer: f.rec,
		Gate:       limiter.NewGate(4),
	}, opts)
	return f
}

func (f *fixture) submit(t *testing.T, filename string, raw []byte) string {
	t.Helper()
	ctx := context.Background()
	jobID := uuid.NewString()
	name := "source" + filenameExt(filename)
	require.NoError(t, f.st.Scope(f.sess).Put(ctx, name, raw))
	rec := record.New(jobID, f.sess.SessionID, f.sess.OwnerUserHash, record.FileInfo{
		Filename:       filename,
		RawArtifactRef: name,
		FileSize:       int64(len(raw)),
	}, time.Now().UTC())
	require.NoError(t, f.st.RegisterJob(ctx, rec))
	require.NoError(t, f.reg.Create(ctx, rec))
	return jobID
}

func filenameExt(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i:]
		}
	}
	return ""
}

func (f *fixture) get(t *testing.T, jobID string) *record.ProcessingRecord {
	t.Helper()
	rec, err := f.reg.Get(context.Background(), jobID)
	require.NoError(t, err)
	return rec
}

func (f *fixture) drive(t *testing.T, jobID string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		step, err := f.orch.Advance(context.Background(), jobID)
		require.NoError(t, err)
		if step.Done {
			return
		}
	}
	t.Fatalf("job %s never finished", jobID)
}

func (f *fixture) combined(t *testing.T) string {
	t.Helper()
	data, err := f.st.Scope(f.sess).Get(context.Background(), record.CombinedResultName)
	require.NoError(t, err)
	return string(data)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func TestSingleImage(t *testing.T) {
	f := newFixture(t, 0, Options{})
	jobID := f.submit(t, "scan.png", pngBytes(t))

	step, err := f.orch.Advance(context.Background(), jobID)
	require.NoError(t, err)
	assert.False(t, step.Done)

	rec := f.get(t, jobID)
	assert.Equal(t, record.StatusPending, rec.Status)
	assert.Equal(t, 40, rec.Percent)
	assert.Equal(t, 1, rec.FileInfo.TotalPages)
	assert.Equal(t, "page_001.png", rec.Pages[1].ImageRef)
	assert.Empty(t, f.doc.rends)

	f.drive(t, jobID)
	rec = f.get(t, jobID)
	assert.Equal(t, record.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Percent)
	assert.Equal(t, record.CombinedResultName, rec.ResultRef)
	assert.Equal(t, "=== Page 1 ===\ntext of page 1", f.combined(t))
}

func TestFivePagesProgress(t *testing.T) {
	f := newFixture(t, 5, Options{BatchSize: 1})
	jobID := f.submit(t, "report.pdf", pdfSource)

	var percents []int
	last := -1
	for {
		step, err := f.orch.Advance(context.Background(), jobID)
		require.NoError(t, err)
		rec := f.get(t, jobID)
		require.GreaterOrEqual(t, rec.Percent, last, "percent moved backwards")
		last = rec.Percent
		percents = append(percents, rec.Percent)
		if step.Done {
			break
		}
	}

	assert.Equal(t, []int{40, 52, 64, 76, 88, 100}, percents)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, f.doc.rends)

	rec := f.get(t, jobID)
	assert.Equal(t, record.StatusCompleted, rec.Status)
	for n := 1; n <= 5; n++ {
		assert.Equal(t, record.PageCompleted, rec.Pages[n].Status)
		assert.Equal(t, record.PageResultName(n), rec.Pages[n].ResultRef)
		assert.Equal(t, 1, f.rec.count(n))
	}
	combined := f.combined(t)
	assert.Contains(t, combined, "=== Page 1 ===\ntext of page 1\n\n=== Page 2 ===")
	assert.Contains(t, combined, "=== Page 5 ===\ntext of page 5")
}

func TestFailurePolicy(t *testing.T) {
	refuse := func(page, call int) error {
		if page == 2 {
			return recognize.ErrContentRefused
		}
		return nil
	}

	t.Run("fail fast", func(t *testing.T) {
		f := newFixture(t, 4, Options{BatchSize: 2, FailurePolicy: FailFast})
		f.rec.fail = refuse
		jobID := f.submit(t, "a.pdf", pdfSource)
		f.drive(t, jobID)

		rec := f.get(t, jobID)
		assert.Equal(t, record.StatusFailed, rec.Status)
		assert.Contains(t, rec.Message, "Page 2 failed")
		assert.Equal(t, record.PageCompleted, rec.Pages[1].Status)
		assert.Equal(t, record.PageFailed, rec.Pages[2].Status)
		assert.Equal(t, record.PagePending, rec.Pages[3].Status)
		assert.Zero(t, f.rec.count(3))
	})

	t.Run("continue", func(t *testing.T) {
		f := newFixture(t, 4, Options{BatchSize: 2, FailurePolicy: Continue})
		f.rec.fail = refuse
		jobID := f.submit(t, "a.pdf", pdfSource)
		f.drive(t, jobID)

		rec := f.get(t, jobID)
		assert.Equal(t, record.StatusCompleted, rec.Status)
		assert.Equal(t, 100, rec.Percent)
		assert.Equal(t, []int{2}, rec.FailedPages())
		assert.Contains(t, rec.Message, "[2]")
		assert.Contains(t, f.combined(t), "[Page 2 - recognition failed")
		assert.Contains(t, f.combined(t), "text of page 4")
	})
}

func TestTransientFailureIsRetried(t *testing.T) {
	f := newFixture(t, 2, Options{BatchSize: 2, PageMaxAttempts: 3})
	f.rec.fail = func(page, call int) error {
		if page == 1 && call == 1 {
			return &recognize.RateLimitError{Engine: "echo", Reason: "429"}
		}
		return nil
	}
	jobID := f.submit(t, "a.pdf", pdfSource)

	_, err := f.orch.Advance(context.Background(), jobID) // extraction
	require.NoError(t, err)
	step, err := f.orch.Advance(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, step.Retry)

	rec := f.get(t, jobID)
	p1 := rec.Pages[1]
	assert.Equal(t, record.PageProcessing, p1.Status)
	assert.Nil(t, p1.ProcessingStartedAt)
	assert.Empty(t, p1.ClaimID)
	assert.Equal(t, 1, p1.Attempts)
	assert.Contains(t, p1.Error, "429")
	// the rest of the batch is released untouched
	assert.Nil(t, rec.Pages[2].ProcessingStartedAt)
	assert.Zero(t, f.rec.count(2))

	f.drive(t, jobID)
	rec = f.get(t, jobID)
	assert.Equal(t, record.StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Pages[1].Attempts)
	assert.Empty(t, rec.Pages[1].Error)
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t, 1, Options{PageMaxAttempts: 2, FailurePolicy: Continue})
	f.rec.fail = func(page, call int) error { return context.DeadlineExceeded }
	jobID := f.submit(t, "a.pdf", pdfSource)
	f.drive(t, jobID)

	rec := f.get(t, jobID)
	assert.Equal(t, record.StatusCompleted, rec.Status)
	assert.Equal(t, record.PageFailed, rec.Pages[1].Status)
	assert.Equal(t, 2, f.rec.count(1))
}

func TestUnsupportedSourceFailsJob(t *testing.T) {
	f := newFixture(t, 0, Options{})
	jobID := f.submit(t, "notes.txt", []byte("just some words\n"))

	step, err := f.orch.Advance(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, step.Done)
	rec := f.get(t, jobID)
	assert.Equal(t, record.StatusFailed, rec.Status)
	assert.Contains(t, rec.Message, "unsupported")
}

func TestMissingSourceFailsJob(t *testing.T) {
	f := newFixture(t, 0, Options{})
	jobID := f.submit(t, "a.pdf", pdfSource)
	require.NoError(t, f.st.Scope(f.sess).Delete(context.Background(), "source.pdf"))

	step, err := f.orch.Advance(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, step.Done)
	assert.Equal(t, record.StatusFailed, f.get(t, jobID).Status)
}

func TestConcurrentAdvanceNeverDoubleClaims(t *testing.T) {
	f := newFixture(t, 12, Options{BatchSize: 2})
	f.rec.delay = 2 * time.Millisecond
	jobID := f.submit(t, "a.pdf", pdfSource)
	_, err := f.orch.Advance(context.Background(), jobID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				step, err := f.orch.Advance(context.Background(), jobID)
				if err != nil {
					errs <- err
					return
				}
				if step.Done {
					return
				}
				if step.Retry {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec := f.get(t, jobID)
	assert.Equal(t, record.StatusCompleted, rec.Status)
	for n := 1; n <= 12; n++ {
		assert.Equal(t, 1, f.rec.count(n), "page %d", n)
	}
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	f := newFixture(t, 2, Options{BatchSize: 1, ClaimTTL: time.Minute})
	jobID := f.submit(t, "a.pdf", pdfSource)
	_, err := f.orch.Advance(context.Background(), jobID)
	require.NoError(t, err)

	ctx := context.Background()
	claimed, _, err := f.orch.claim(ctx, jobID, "crashed-worker")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, claimed)

	// a fresh claim skips page 1 while the first claim is live
	claimed, _, err = f.orch.claim(ctx, jobID, "other")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, claimed)

	_, _, err = f.orch.claim(ctx, jobID, "third")
	assert.ErrorIs(t, err, errNothingClaimable)

	f.orch.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	claimed, rec, err := f.orch.claim(ctx, jobID, "rescuer")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, claimed)
	assert.Equal(t, "rescuer", rec.Pages[1].ClaimID)
	assert.Equal(t, 2, rec.Pages[1].Attempts)
}

func TestAdvanceOnFinishedJob(t *testing.T) {
	f := newFixture(t, 1, Options{})
	jobID := f.submit(t, "a.pdf", pdfSource)
	f.drive(t, jobID)

	step, err := f.orch.Advance(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, step.Done)
	require.NoError(t, f.orch.Fail(context.Background(), jobID, errors.New("late")))
	assert.Equal(t, record.StatusCompleted, f.get(t, jobID).Status)
}
