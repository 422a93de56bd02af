package upload

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrUnknownUpload means the manifest expired, never existed, or was
// destroyed by a completed assembly.
var ErrUnknownUpload = errors.New("unknown upload")

// Manifest describes a declared upload. The received set lives in the
// ManifestStore next to it.
type Manifest struct {
	UploadID    string    `json:"upload_id"`
	Filename    string    `json:"filename"`
	TotalSize   int64     `json:"total_size"`
	TotalChunks int       `json:"total_chunks"`
	OwnerHash   string    `json:"owner_user_hash"`
	SessionID   string    `json:"session_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ManifestStore tracks manifests and their received chunk sets.
type ManifestStore interface {
	Create(ctx context.Context, m Manifest) error
	Get(ctx context.Context, uploadID string) (Manifest, error)
	// MarkReceived adds index to the set and returns the set's size and
	// whether index was already present.
	MarkReceived(ctx context.Context, uploadID string, index int) (count int, duplicate bool, err error)
	Received(ctx context.Context, uploadID string) ([]int, error)
	// ClaimAssembly lets exactly one caller assemble an upload.
	ClaimAssembly(ctx context.Context, uploadID string) (bool, error)
	ReleaseAssembly(ctx context.Context, uploadID string) error
	Delete(ctx context.Context, uploadID string) error
	// Expired lists uploads whose manifest lapsed but whose chunks may
	// still be on storage. Stores that cannot tell return nil.
	Expired(ctx context.Context) ([]string, error)
}

// MemoryManifests keeps manifests in process with TTL expiry.
type MemoryManifests struct {
	cache *gocache.Cache
	ttl   time.Duration

	mu      sync.Mutex
	expired []string
}

type memManifest struct {
	mu         sync.Mutex
	m          Manifest
	received   map[int]struct{}
	assembling bool
}

func NewMemoryManifests(ttl time.Duration) *MemoryManifests {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	mm := &MemoryManifests{cache: gocache.New(ttl, ttl/4+time.Second), ttl: ttl}
	mm.cache.OnEvicted(func(id string, _ interface{}) {
		mm.mu.Lock()
		mm.expired = append(mm.expired, id)
		mm.mu.Unlock()
	})
	return mm
}

func (s *MemoryManifests) entry(uploadID string) (*memManifest, error) {
	v, ok := s.cache.Get(uploadID)
	if !ok {
		return nil, ErrUnknownUpload
	}
	return v.(*memManifest), nil
}

func (s *MemoryManifests) Create(ctx context.Context, m Manifest) error {
	return s.cache.Add(m.UploadID, &memManifest{m: m, received: map[int]struct{}{}}, s.ttl)
}

func (s *MemoryManifests) Get(ctx context.Context, uploadID string) (Manifest, error) {
	e, err := s.entry(uploadID)
	if err != nil {
		return Manifest{}, err
	}
	return e.m, nil
}

func (s *MemoryManifests) MarkReceived(ctx context.Context, uploadID string, index int) (int, bool, error) {
	e, err := s.entry(uploadID)
	if err != nil {
		return 0, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, dup := e.received[index]
	e.received[index] = struct{}{}
	// activity keeps the upload alive
	s.cache.Set(uploadID, e, s.ttl)
	return len(e.received), dup, nil
}

func (s *MemoryManifests) Received(ctx context.Context, uploadID string) ([]int, error) {
	e, err := s.entry(uploadID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, 0, len(e.received))
	for i := range e.received {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func (s *MemoryManifests) ClaimAssembly(ctx context.Context, uploadID string) (bool, error) {
	e, err := s.entry(uploadID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.assembling {
		return false, nil
	}
	e.assembling = true
	return true, nil
}

func (s *MemoryManifests) ReleaseAssembly(ctx context.Context, uploadID string) error {
	e, err := s.entry(uploadID)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	e.assembling = false
	e.mu.Unlock()
	return nil
}

// Delete removes the manifest without reporting it as expired.
func (s *MemoryManifests) Delete(ctx context.Context, uploadID string) error {
	s.cache.Delete(uploadID)
	s.mu.Lock()
	for i, id := range s.expired {
		if id == uploadID {
			s.expired = append(s.expired[:i], s.expired[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryManifests) Expired(ctx context.Context) ([]string, error) {
	s.cache.DeleteExpired()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.expired
	s.expired = nil
	return out, nil
}
