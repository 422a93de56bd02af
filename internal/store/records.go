package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/metrics"
	"github.com/local/pagetrack/internal/partition"
	"github.com/local/pagetrack/internal/record"
	"github.com/local/pagetrack/internal/retry"
	"github.com/local/pagetrack/internal/storage"
)

const (
	sessionIndex = "index/sessions/"
	jobIndex     = "index/jobs/"
)

// Session identifies a storage namespace. Never mutated after creation.
type Session struct {
	SessionID     string    `json:"session_id"`
	OwnerUserHash string    `json:"owner_user_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

type jobLocator struct {
	JobID         string `json:"job_id"`
	SessionID     string `json:"session_id"`
	OwnerUserHash string `json:"owner_user_hash"`
}

// Store persists sessions and Processing Records through a storage backend.
// Every read that may follow a write goes through the retry policy.
type Store struct {
	backend storage.Backend
	policy  retry.Policy
	now     func() time.Time
}

func New(b storage.Backend, policy retry.Policy) *Store {
	return &Store{backend: b, policy: policy, now: time.Now}
}

func (s *Store) Backend() storage.Backend { return s.backend }

// Scope returns the artifact view of a session.
func (s *Store) Scope(sess Session) partition.Scope {
	return partition.NewScope(s.backend, sess.OwnerUserHash, sess.SessionID)
}

// CreateSession allocates a session owned by identity.
func (s *Store) CreateSession(ctx context.Context, identity string) (Session, error) {
	return s.CreateSessionForOwner(ctx, partition.OwnerHash(identity))
}

// CreateSessionForOwner allocates a session for an already hashed owner.
func (s *Store) CreateSessionForOwner(ctx context.Context, ownerHash string) (Session, error) {
	sess := Session{
		SessionID:     uuid.NewString(),
		OwnerUserHash: ownerHash,
		CreatedAt:     s.now().UTC(),
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return Session{}, err
	}
	if err := s.backend.Put(ctx, sessionIndex+sess.SessionID+".json", data); err != nil {
		return Session{}, apperr.Wrap(apperr.KindTransientStorage, "store.create_session", err)
	}
	log.Info().Str("session_id", sess.SessionID).Str("owner", sess.OwnerUserHash).Msg("session created")
	return sess, nil
}

// Session loads a session, retrying while it is not yet visible.
func (s *Store) Session(ctx context.Context, sessionID string) (Session, error) {
	if err := partition.ValidName(sessionID); err != nil || strings.Contains(sessionID, "/") {
		return Session{}, apperr.NotFound("store.session", "session %s", sessionID)
	}
	sess, err := retry.Value(ctx, s.policy.Named("load_session"), retryable, func(ctx context.Context) (Session, error) {
		return s.readSession(ctx, sessionID)
	})
	return sess, escalate("store.session", err)
}

func (s *Store) readSession(ctx context.Context, sessionID string) (Session, error) {
	data, err := s.backend.Get(ctx, sessionIndex+sessionID+".json")
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, apperr.Fatal("store.session", fmt.Errorf("decode session %s: %w", sessionID, err))
	}
	return sess, nil
}

// OwnerOf makes a single attempt at resolving a session's owner hash. When
// the session has a Processing Record its owner hash is authoritative.
func (s *Store) OwnerOf(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.readSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	data, err := s.Scope(sess).Get(ctx, record.FileName)
	if errors.Is(err, storage.ErrNotFound) {
		return sess.OwnerUserHash, nil
	}
	if err != nil {
		return "", err
	}
	rec, err := record.Decode(data)
	if err != nil {
		return "", apperr.Fatal("store.owner_of", err)
	}
	return rec.OwnerUserHash, nil
}

// Sessions lists every known session id.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	return s.listIndex(ctx, sessionIndex)
}

// Jobs lists every known job id.
func (s *Store) Jobs(ctx context.Context) ([]string, error) {
	return s.listIndex(ctx, jobIndex)
}

func (s *Store) listIndex(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientStorage, "store.list", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(k, prefix), ".json"))
	}
	return ids, nil
}

// RegisterJob writes the job locator so the record can be found by job id
// after a restart.
func (s *Store) RegisterJob(ctx context.Context, rec *record.ProcessingRecord) error {
	data, err := json.Marshal(jobLocator{JobID: rec.JobID, SessionID: rec.SessionID, OwnerUserHash: rec.OwnerUserHash})
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, jobIndex+rec.JobID+".json", data); err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "store.register_job", err)
	}
	return nil
}

// SaveRecord replaces the session's processing.json in full.
func (s *Store) SaveRecord(ctx context.Context, rec *record.ProcessingRecord) error {
	start := time.Now()
	data, err := record.Encode(rec)
	if err != nil {
		return apperr.Fatal("store.save_record", err)
	}
	scope := partition.NewScope(s.backend, rec.OwnerUserHash, rec.SessionID)
	if err := scope.Put(ctx, record.FileName, data); err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "store.save_record", err)
	}
	metrics.ObservePersist(time.Since(start))
	return nil
}

// LoadRecord resolves a job id to its session and loads the record.
func (s *Store) LoadRecord(ctx context.Context, jobID string) (*record.ProcessingRecord, error) {
	if jobID == "" || strings.ContainsAny(jobID, "/\\") {
		return nil, apperr.NotFound("store.load_record", "job %s", jobID)
	}
	rec, err := retry.Value(ctx, s.policy.Named("load_record"), retryable, func(ctx context.Context) (*record.ProcessingRecord, error) {
		data, err := s.backend.Get(ctx, jobIndex+jobID+".json")
		if err != nil {
			return nil, err
		}
		var loc jobLocator
		if err := json.Unmarshal(data, &loc); err != nil {
			return nil, apperr.Fatal("store.load_record", fmt.Errorf("decode job locator %s: %w", jobID, err))
		}
		return s.readRecord(ctx, partition.NewScope(s.backend, loc.OwnerUserHash, loc.SessionID))
	})
	return rec, escalate("store.load_record", err)
}

// LoadSessionRecord loads the record stored in sess, if any.
func (s *Store) LoadSessionRecord(ctx context.Context, sess Session) (*record.ProcessingRecord, error) {
	rec, err := retry.Value(ctx, s.policy.Named("load_session_record"), retryable, func(ctx context.Context) (*record.ProcessingRecord, error) {
		return s.readRecord(ctx, s.Scope(sess))
	})
	return rec, escalate("store.load_session_record", err)
}

func (s *Store) readRecord(ctx context.Context, scope partition.Scope) (*record.ProcessingRecord, error) {
	data, err := scope.Get(ctx, record.FileName)
	if err != nil {
		return nil, err
	}
	rec, err := record.Decode(data)
	if err != nil {
		return nil, apperr.Fatal("store.read_record", err)
	}
	return rec, nil
}

// DeleteSession removes every artifact of the session plus its index entries.
func (s *Store) DeleteSession(ctx context.Context, sess Session, jobID string) error {
	scope := s.Scope(sess)
	names, err := scope.List(ctx, "")
	if err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "store.delete_session", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range names {
		key := scope.Key(name)
		g.Go(func() error { return s.backend.Delete(gctx, key) })
	}
	if err := g.Wait(); err != nil {
		return apperr.Wrap(apperr.KindTransientStorage, "store.delete_session", err)
	}
	if jobID != "" {
		if err := s.backend.Delete(ctx, jobIndex+jobID+".json"); err != nil {
			return err
		}
	}
	return s.backend.Delete(ctx, sessionIndex+sess.SessionID+".json")
}

func retryable(err error) bool {
	return !apperr.IsKind(err, apperr.KindFatal) && !apperr.IsKind(err, apperr.KindValidation)
}

// escalate maps an exhausted retry to the caller-facing taxonomy.
func escalate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case apperr.KindOf(err) != apperr.KindInternal:
		return err
	default:
		return apperr.Wrap(apperr.KindTransientStorage, op, err)
	}
}
