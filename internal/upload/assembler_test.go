package upload

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/partition"
	"github.com/local/pagetrack/internal/record"
	"github.com/local/pagetrack/internal/registry"
	"github.com/local/pagetrack/internal/retry"
	"github.com/local/pagetrack/internal/storage"
	"github.com/local/pagetrack/internal/store"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []string
}

func (s *recordingSubmitter) Submit(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobID)
	return nil
}

func (s *recordingSubmitter) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobs...)
}

type fixture struct {
	asm  *Assembler
	mem  *storage.Memory
	st   *store.Store
	reg  *registry.Registry
	subs *recordingSubmitter
}

func newFixture(t *testing.T, manifests ManifestStore) fixture {
	t.Helper()
	mem := storage.NewMemory()
	policy := retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	st := store.New(mem, policy)
	reg := registry.New(st, registry.Options{Persisters: 2})
	t.Cleanup(reg.Close)
	subs := &recordingSubmitter{}
	if manifests == nil {
		manifests = NewMemoryManifests(time.Hour)
	}
	asm := NewAssembler(st, reg, subs, manifests, Options{MaxChunks: 100, MaxSize: 10 << 20, Retry: policy})
	return fixture{asm: asm, mem: mem, st: st, reg: reg, subs: subs}
}

// payload returns a PDF-looking body split into chunks of the given sizes.
func payload(sizes ...int) ([]byte, [][]byte) {
	total := 0
	for _, s := range sizes {
		total += s
	}
	body := make([]byte, total)
	copy(body, "%PDF-1.4\n")
	for i := 9; i < total; i++ {
		body[i] = byte('a' + i%26)
	}
	chunks := make([][]byte, len(sizes))
	off := 0
	for i, s := range sizes {
		chunks[i] = body[off : off+s]
		off += s
	}
	return body, chunks
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tests := []struct {
		name string
		req  StartRequest
	}{
		{"no filename", StartRequest{Identity: "alice", TotalSize: 10, TotalChunks: 1}},
		{"zero chunks", StartRequest{Identity: "alice", Filename: "a.pdf", TotalSize: 10}},
		{"too many chunks", StartRequest{Identity: "alice", Filename: "a.pdf", TotalSize: 1000, TotalChunks: 101}},
		{"zero size", StartRequest{Identity: "alice", Filename: "a.pdf", TotalChunks: 1}},
		{"too large", StartRequest{Identity: "alice", Filename: "a.pdf", TotalSize: 11 << 20, TotalChunks: 1}},
		{"more chunks than bytes", StartRequest{Identity: "alice", Filename: "a.pdf", TotalSize: 2, TotalChunks: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.asm.Start(ctx, tt.req)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func TestThreeChunksOutOfOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	body, chunks := payload(400000, 400000, 156900)

	m, err := f.asm.Start(ctx, StartRequest{Identity: "alice", Filename: "report.pdf", TotalSize: 956900, TotalChunks: 3})
	require.NoError(t, err)

	for _, i := range []int{2, 0} {
		res, err := f.asm.SubmitChunk(ctx, m.UploadID, i, chunks[i])
		require.NoError(t, err)
		assert.False(t, res.Complete)
	}
	_, _, missing, err := f.asm.Missing(ctx, m.UploadID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, missing)

	res, err := f.asm.SubmitChunk(ctx, m.UploadID, 1, chunks[1])
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.NotEmpty(t, res.JobID)
	require.NotEqual(t, res.JobID, res.SessionID)

	sess, err := f.st.Session(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, partition.OwnerHash("alice"), sess.OwnerUserHash)

	raw, err := f.st.Scope(sess).Get(ctx, "source.pdf")
	require.NoError(t, err)
	assert.Equal(t, 956900, len(raw))
	assert.True(t, bytes.Equal(body, raw))

	rec, err := f.reg.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusQueued, rec.Status)
	assert.Equal(t, "application/pdf", rec.FileInfo.FileType)
	assert.Equal(t, int64(956900), rec.FileInfo.FileSize)
	assert.Equal(t, "source.pdf", rec.FileInfo.RawArtifactRef)

	assert.Equal(t, []string{res.JobID}, f.subs.submitted())

	left, err := f.mem.List(ctx, ChunkPrefix+m.UploadID+"/")
	require.NoError(t, err)
	assert.Empty(t, left)

	_, err = f.asm.SubmitChunk(ctx, m.UploadID, 0, chunks[0])
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestArrivalOrderDoesNotMatter(t *testing.T) {
	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 3, 0, 2},
		{2, 2, 0, 3, 3, 1},
		{0, 0, 0, 1, 2, 3},
	}
	for _, order := range orders {
		t.Run("", func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			body, chunks := payload(10, 7, 13, 5)
			m, err := f.asm.Start(ctx, StartRequest{Identity: "bob", Filename: "x.pdf", TotalSize: int64(len(body)), TotalChunks: 4})
			require.NoError(t, err)

			var last ChunkResult
			for _, i := range order {
				last, err = f.asm.SubmitChunk(ctx, m.UploadID, i, chunks[i])
				require.NoError(t, err)
			}
			require.True(t, last.Complete)

			sess, err := f.st.Session(ctx, last.SessionID)
			require.NoError(t, err)
			raw, err := f.st.Scope(sess).Get(ctx, "source.pdf")
			require.NoError(t, err)
			assert.Equal(t, body, raw)
		})
	}
}

func TestResentChunkOverwrites(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	body, chunks := payload(6, 6)
	m, err := f.asm.Start(ctx, StartRequest{Identity: "bob", Filename: "x.pdf", TotalSize: 12, TotalChunks: 2})
	require.NoError(t, err)

	_, err = f.asm.SubmitChunk(ctx, m.UploadID, 1, []byte("garbag"))
	require.NoError(t, err)
	res, err := f.asm.SubmitChunk(ctx, m.UploadID, 1, chunks[1])
	require.NoError(t, err)
	assert.Equal(t, 1, res.Received)

	res, err = f.asm.SubmitChunk(ctx, m.UploadID, 0, chunks[0])
	require.NoError(t, err)
	require.True(t, res.Complete)
	sess, err := f.st.Session(ctx, res.SessionID)
	require.NoError(t, err)
	raw, err := f.st.Scope(sess).Get(ctx, "source.pdf")
	require.NoError(t, err)
	assert.Equal(t, body, raw)
}

func TestChunkValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	m, err := f.asm.Start(ctx, StartRequest{Identity: "bob", Filename: "x.pdf", TotalSize: 20, TotalChunks: 2})
	require.NoError(t, err)

	_, err = f.asm.SubmitChunk(ctx, m.UploadID, 2, []byte("abc"))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = f.asm.SubmitChunk(ctx, m.UploadID, -1, []byte("abc"))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = f.asm.SubmitChunk(ctx, m.UploadID, 0, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = f.asm.SubmitChunk(ctx, "nope", 0, []byte("abc"))
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestSizeMismatchKeepsUploadOpen(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, chunks := payload(5, 5)
	m, err := f.asm.Start(ctx, StartRequest{Identity: "bob", Filename: "x.pdf", TotalSize: 10, TotalChunks: 2})
	require.NoError(t, err)

	_, err = f.asm.SubmitChunk(ctx, m.UploadID, 0, chunks[0])
	require.NoError(t, err)
	_, err = f.asm.SubmitChunk(ctx, m.UploadID, 1, []byte("toolong"))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Empty(t, f.subs.submitted())

	res, err := f.asm.SubmitChunk(ctx, m.UploadID, 1, chunks[1])
	require.NoError(t, err)
	assert.True(t, res.Complete)
}

func TestUploadIntoExistingSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess, err := f.st.CreateSession(ctx, "carol")
	require.NoError(t, err)

	_, err = f.asm.Start(ctx, StartRequest{Identity: "mallory", Filename: "a.png", TotalSize: 4, TotalChunks: 1, SessionID: sess.SessionID})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	m, err := f.asm.Start(ctx, StartRequest{Identity: "carol", Filename: "a.pdf", TotalSize: 12, TotalChunks: 1, SessionID: sess.SessionID})
	require.NoError(t, err)
	_, chunks := payload(12)
	res, err := f.asm.SubmitChunk(ctx, m.UploadID, 0, chunks[0])
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, res.SessionID)
}

func TestConcurrentFinalChunksAssembleOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, chunks := payload(8, 8, 8)
	m, err := f.asm.Start(ctx, StartRequest{Identity: "dave", Filename: "x.pdf", TotalSize: 24, TotalChunks: 3})
	require.NoError(t, err)
	_, err = f.asm.SubmitChunk(ctx, m.UploadID, 0, chunks[0])
	require.NoError(t, err)
	_, err = f.asm.SubmitChunk(ctx, m.UploadID, 1, chunks[1])
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.asm.SubmitChunk(ctx, m.UploadID, 2, chunks[2])
		}()
	}
	wg.Wait()
	assert.Len(t, f.subs.submitted(), 1)
}

func TestMissingIndices(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, MissingIndices(3, nil))
	assert.Equal(t, []int{1}, MissingIndices(3, []int{0, 2, 2}))
	assert.Nil(t, MissingIndices(2, []int{1, 0, 7}))
}

func TestRedisManifests(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	ms := NewRedisManifests(client, time.Minute)

	m := Manifest{UploadID: "u1", Filename: "a.pdf", TotalSize: 10, TotalChunks: 3, OwnerHash: "abc"}
	require.NoError(t, ms.Create(ctx, m))
	assert.Error(t, ms.Create(ctx, m))

	got, err := ms.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, m.Filename, got.Filename)

	n, dup, err := ms.MarkReceived(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, dup)
	n, dup, err = ms.MarkReceived(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, dup)
	_, _, err = ms.MarkReceived(ctx, "u1", 0)
	require.NoError(t, err)

	received, err := ms.Received(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, received)

	ok, err := ms.ClaimAssembly(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ms.ClaimAssembly(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, ms.ReleaseAssembly(ctx, "u1"))
	ok, err = ms.ClaimAssembly(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ms.Delete(ctx, "u1"))
	_, err = ms.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrUnknownUpload)
	_, _, err = ms.MarkReceived(ctx, "u1", 1)
	assert.ErrorIs(t, err, ErrUnknownUpload)
}

func TestRedisManifestsExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	ms := NewRedisManifests(client, time.Second)

	require.NoError(t, ms.Create(ctx, Manifest{UploadID: "old", TotalChunks: 1, TotalSize: 1}))
	ids, err := ms.Expired(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ms.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	mr.FastForward(2 * time.Second)
	ids, err = ms.Expired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
	_, err = ms.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrUnknownUpload)
}

func TestMemoryManifestsExpiry(t *testing.T) {
	ctx := context.Background()
	mm := NewMemoryManifests(20 * time.Millisecond)
	require.NoError(t, mm.Create(ctx, Manifest{UploadID: "a", TotalChunks: 1}))
	require.NoError(t, mm.Create(ctx, Manifest{UploadID: "b", TotalChunks: 1}))
	require.NoError(t, mm.Delete(ctx, "b"))

	time.Sleep(40 * time.Millisecond)
	ids, err := mm.Expired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
	_, err = mm.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrUnknownUpload)
}
