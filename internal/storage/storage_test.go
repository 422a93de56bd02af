package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exercise runs the shared contract against any backend.
func exercise(t *testing.T, b Backend) {
	ctx := context.Background()

	_, err := b.Get(ctx, "users/a/s1/missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Put(ctx, "users/a/s1/page_001.jpg", []byte("one")))
	require.NoError(t, b.Put(ctx, "users/a/s1/page_002.jpg", []byte("two")))
	require.NoError(t, b.Put(ctx, "users/a/s2/page_001.jpg", []byte("other")))

	got, err := b.Get(ctx, "users/a/s1/page_001.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	require.NoError(t, b.Put(ctx, "users/a/s1/page_001.jpg", []byte("uno")))
	got, err = b.Get(ctx, "users/a/s1/page_001.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), got)

	keys, err := b.List(ctx, "users/a/s1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/a/s1/page_001.jpg", "users/a/s1/page_002.jpg"}, keys)

	keys, err = b.List(ctx, "users/a/s1/page_00")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = b.List(ctx, "users/zzz/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, b.Delete(ctx, "users/a/s1/page_002.jpg"))
	require.NoError(t, b.Delete(ctx, "users/a/s1/page_002.jpg"))
	_, err = b.Get(ctx, "users/a/s1/page_002.jpg")
	assert.ErrorIs(t, err, ErrNotFound)

	u, err := b.URL(ctx, "users/a/s1/page_001.jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, "users/a/s1/page_001.jpg"))

	assert.NoError(t, b.Ping(ctx))
}

func TestLocalBackend(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "")
	require.NoError(t, err)
	exercise(t, l)
}

func TestMemoryBackend(t *testing.T) {
	exercise(t, NewMemory())
}

func TestSealedBackend(t *testing.T) {
	inner := NewMemory()
	s := NewSealed(inner, "secret")
	exercise(t, s)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("plaintext")))
	raw, err := inner.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), gcmMagic))
	assert.NotContains(t, string(raw), "plaintext")

	wrong := NewSealed(inner, "other")
	_, err = wrong.Get(ctx, "k")
	assert.Error(t, err)
}

func TestSealedDerivesEachKeyOnce(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()

	countingSealed := func() (*Sealed, *int) {
		s := NewSealed(inner, "secret")
		var mu sync.Mutex
		n := new(int)
		s.derive = func(password, salt []byte) []byte {
			mu.Lock()
			*n++
			mu.Unlock()
			return deriveKey(password, salt)
		}
		return s, n
	}

	writer, writes := countingSealed()
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("page-%d", i)
		require.NoError(t, writer.Put(ctx, key, []byte(key)))
		got, err := writer.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, string(got))
	}
	assert.Equal(t, 1, *writes)

	// artifacts sealed by another process open with one more derivation
	reader, reads := countingSealed()
	for i := 0; i < 20; i++ {
		got, err := reader.Get(ctx, fmt.Sprintf("page-%d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("page-%d", i), string(got))
	}
	assert.Equal(t, 2, *reads)
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root, "http://files.local/")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Put(ctx, "../../etc/x", []byte("x")))
	keys, err := l.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"etc/x"}, keys)

	_, err = l.path("/")
	assert.Error(t, err)

	u, err := l.URL(ctx, "users/a/b")
	require.NoError(t, err)
	assert.Equal(t, "http://files.local/users/a/b", u)
}

func TestMemoryLagSimulatesWeakConsistency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetLag(2)

	require.NoError(t, m.Put(ctx, "k", []byte("v1")))
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	require.NoError(t, m.Put(ctx, "k", []byte("v2")))
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got), "stale read")
	_, _ = m.Get(ctx, "k")
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	b, err := New(ctx, Options{Backend: "local", LocalRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "local", b.Name())

	b, err = New(ctx, Options{Backend: "memory", EncryptionKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "memory+sealed", b.Name())

	_, err = New(ctx, Options{Backend: "ftp"})
	assert.Error(t, err)

	_, err = New(ctx, Options{Backend: "s3"})
	assert.Error(t, err)
}
