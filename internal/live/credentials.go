package live

import (
	"crypto/rand"
	"errors"
	"sync"
)

// ErrCredentialsClosed is returned when a store is used after Close.
var ErrCredentialsClosed = errors.New("credential store closed")

// CredentialStore holds API credentials XOR-obfuscated with a random
// per-process key. Plaintext exists only inside Key/Secret calls and
// the buffers are zeroed on Close.
type CredentialStore struct {
	mu     sync.Mutex
	key    []byte
	apiKey []byte
	secret []byte
	closed bool
}

// NewCredentialStore obfuscates the given credentials immediately.
func NewCredentialStore(apiKey, apiSecret string) (*CredentialStore, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	s := &CredentialStore{key: key}
	s.apiKey = s.mask([]byte(apiKey))
	s.secret = s.mask([]byte(apiSecret))
	return s, nil
}

func (s *CredentialStore) mask(plain []byte) []byte {
	out := make([]byte, len(plain))
	for i, b := range plain {
		out[i] = b ^ s.key[i%len(s.key)]
	}
	return out
}

// Key returns the plaintext API key.
func (s *CredentialStore) Key() (string, error) {
	return s.reveal(func() []byte { return s.apiKey })
}

// Secret returns the plaintext API secret.
func (s *CredentialStore) Secret() (string, error) {
	return s.reveal(func() []byte { return s.secret })
}

func (s *CredentialStore) reveal(pick func() []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrCredentialsClosed
	}
	return string(s.mask(pick())), nil
}

// Close zeroes the obfuscated buffers and the session key. Safe to
// call more than once.
func (s *CredentialStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, buf := range [][]byte{s.apiKey, s.secret, s.key} {
		for i := range buf {
			buf[i] = 0
		}
	}
}
