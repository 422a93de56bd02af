// Package partition namespaces every artifact under the owner hash and
// session id, and answers whether a caller owns a session.
package partition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/retry"
	"github.com/local/pagetrack/internal/storage"
)

// AnonymousIdentity stands in for callers that send no identity.
const AnonymousIdentity = "anonymous-placeholder"

// OwnerHash returns the first 12 hex chars of sha256(identity).
func OwnerHash(identity string) string {
	if identity == "" {
		identity = AnonymousIdentity
	}
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:12]
}

// SessionPrefix is the storage prefix holding all of a session's artifacts.
func SessionPrefix(ownerHash, sessionID string) string {
	return "users/" + ownerHash + "/" + sessionID + "/"
}

// ValidName rejects artifact names that would escape the session prefix.
func ValidName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return apperr.Validation("partition.name", "invalid artifact name %q", name)
	}
	if clean := path.Clean(name); clean != name || clean == "." || strings.HasPrefix(clean, "..") {
		return apperr.Validation("partition.name", "invalid artifact name %q", name)
	}
	return nil
}

// Scope is a session-bound view of a backend: callers pass bare artifact
// names and never see the users/{owner}/{session}/ prefix.
type Scope struct {
	backend   storage.Backend
	OwnerHash string
	SessionID string
}

func NewScope(b storage.Backend, ownerHash, sessionID string) Scope {
	return Scope{backend: b, OwnerHash: ownerHash, SessionID: sessionID}
}

// Key is the full backend key for name.
func (s Scope) Key(name string) string {
	return SessionPrefix(s.OwnerHash, s.SessionID) + name
}

func (s Scope) Put(ctx context.Context, name string, data []byte) error {
	if err := ValidName(name); err != nil {
		return err
	}
	return s.backend.Put(ctx, s.Key(name), data)
}

func (s Scope) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}
	return s.backend.Get(ctx, s.Key(name))
}

// List returns artifact names (prefix-relative) starting with prefix.
func (s Scope) List(ctx context.Context, prefix string) ([]string, error) {
	base := SessionPrefix(s.OwnerHash, s.SessionID)
	keys, err := s.backend.List(ctx, base+prefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, base))
	}
	return names, nil
}

func (s Scope) Delete(ctx context.Context, name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	return s.backend.Delete(ctx, s.Key(name))
}

func (s Scope) URLFor(ctx context.Context, name string) (string, error) {
	if err := ValidName(name); err != nil {
		return "", err
	}
	return s.backend.URL(ctx, s.Key(name))
}

// OwnerLookup resolves the owner hash recorded for a session. It returns an
// error wrapping storage.ErrNotFound while the session is not visible.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, sessionID string) (string, error)
}

// Validator checks session ownership with a bounded retry.
type Validator struct {
	lookup OwnerLookup
	policy retry.Policy
}

func NewValidator(lookup OwnerLookup, policy retry.Policy) *Validator {
	return &Validator{lookup: lookup, policy: policy.Named("validate_ownership")}
}

// ValidateOwnership reports whether identity owns sessionID. A session that
// stays invisible for the whole retry budget is treated as absent (false).
// Only non-storage failures are returned as errors.
func (v *Validator) ValidateOwnership(ctx context.Context, sessionID, identity string) (bool, error) {
	owner, err := retry.Value(ctx, v.policy, retryable, func(ctx context.Context) (string, error) {
		return v.lookup.OwnerOf(ctx, sessionID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || apperr.IsKind(err, apperr.KindNotFound) {
			log.Debug().Str("session_id", sessionID).Msg("session not visible after retries")
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("validate ownership of %s: %w", sessionID, err)
	}
	return owner == OwnerHash(identity), nil
}

func retryable(err error) bool {
	return !apperr.IsKind(err, apperr.KindValidation) && !apperr.IsKind(err, apperr.KindFatal)
}
