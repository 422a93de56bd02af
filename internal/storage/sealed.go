package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/pbkdf2"
)

const (
	gcmMagic      = "GCM3NCR0"
	gcmSaltLen    = 16
	gcmNonceLen   = 12
	gcmTagLen     = 16
	pbkdf2Rounds  = 100000
	derivedKeyLen = 32
)

// Sealed encrypts artifacts before they reach the wrapped backend.
// Format: magic(8) + salt(16) + nonce(12) + ciphertext + tag(16).
//
// Key derivation is slow on purpose, so a process seals everything under
// one salt drawn at first use and keeps the keys it derived for salts
// written by other processes.
type Sealed struct {
	Backend
	password []byte
	derive   func(password, salt []byte) []byte

	once    sync.Once
	salt    []byte
	own     cipher.AEAD
	initErr error

	keys *gocache.Cache
}

func NewSealed(inner Backend, password string) *Sealed {
	return &Sealed{
		Backend:  inner,
		password: []byte(password),
		derive:   deriveKey,
		keys:     gocache.New(time.Hour, 10*time.Minute),
	}
}

func deriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, pbkdf2Rounds, derivedKeyLen, sha256.New)
}

func (s *Sealed) Name() string { return s.Backend.Name() + "+sealed" }

func (s *Sealed) Put(ctx context.Context, key string, data []byte) error {
	sealed, err := s.seal(data)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return s.Backend.Put(ctx, key, sealed)
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := s.open(data)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return plain, nil
}

func (s *Sealed) newGCM(salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.derive(s.password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// gcm returns the cipher for salt, deriving its key once.
func (s *Sealed) gcm(salt []byte) (cipher.AEAD, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	if string(salt) == string(s.salt) {
		return s.own, nil
	}
	if v, ok := s.keys.Get(string(salt)); ok {
		return v.(cipher.AEAD), nil
	}
	aead, err := s.newGCM(salt)
	if err != nil {
		return nil, err
	}
	s.keys.SetDefault(string(salt), aead)
	return aead, nil
}

func (s *Sealed) init() error {
	s.once.Do(func() {
		s.salt = make([]byte, gcmSaltLen)
		if _, err := io.ReadFull(rand.Reader, s.salt); err != nil {
			s.initErr = err
			return
		}
		s.own, s.initErr = s.newGCM(s.salt)
	})
	return s.initErr
}

func (s *Sealed) seal(plain []byte) ([]byte, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	header := make([]byte, len(gcmMagic)+gcmSaltLen+gcmNonceLen)
	copy(header, gcmMagic)
	copy(header[len(gcmMagic):], s.salt)
	nonce := header[len(gcmMagic)+gcmSaltLen:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.own.Seal(header, nonce, plain, nil), nil
}

func (s *Sealed) open(data []byte) ([]byte, error) {
	if len(data) < len(gcmMagic)+gcmSaltLen+gcmNonceLen+gcmTagLen {
		return nil, fmt.Errorf("GCM data too short: %d bytes", len(data))
	}
	if string(data[:len(gcmMagic)]) != gcmMagic {
		return nil, fmt.Errorf("unexpected magic %q", data[:len(gcmMagic)])
	}
	salt := data[len(gcmMagic) : len(gcmMagic)+gcmSaltLen]
	nonce := data[len(gcmMagic)+gcmSaltLen : len(gcmMagic)+gcmSaltLen+gcmNonceLen]
	aead, err := s.gcm(salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, data[len(gcmMagic)+gcmSaltLen+gcmNonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("GCM decryption failed: %w", err)
	}
	return plain, nil
}
