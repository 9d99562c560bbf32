// Package secure holds decrypted workspace secrets for the shortest possible
// time. Secrets live in mlocked, guard-paged memory (memguard) when the
// process mlock limit allows it and in an ordinary byte slice otherwise; in
// both cases Destroy wipes the bytes.
package secure

import (
	"context"
	"errors"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/dmitrijs2005/workspacesync/internal/common"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the RLIMIT_MEMLOCK needed before locked buffers are used.
const MinMlockLimitKB = 64

// ErrDestroyed is returned when a destroyed secret is used.
var ErrDestroyed = errors.New("secret already destroyed")

var (
	mlockOnce   sync.Once
	mlockStatus MlockStatus
)

// MlockStatus describes the process mlock limit as seen by the first secret.
type MlockStatus struct {
	Available bool
	// LimitKB is the RLIMIT_MEMLOCK soft limit, -1 when unlimited.
	LimitKB int64
}

// Secret is a short-lived plaintext value such as a decrypted API key.
type Secret interface {
	// Use runs fn with the plaintext bytes. fn must not retain the slice.
	Use(fn func(b []byte) error) error
	// Reveal returns a copy of the plaintext as a string.
	Reveal() (string, error)
	// Destroy wipes the plaintext. It is safe to call more than once.
	Destroy()
	Destroyed() bool
}

// New takes ownership of b, moving it into a Secret and wiping the source.
func New(b []byte) Secret {
	if Locked() {
		return &lockedSecret{buf: memguard.NewBufferFromBytes(b)}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	common.WipeByteArray(b)
	return &plainSecret{data: cp}
}

// Locked reports whether secrets are backed by mlocked memory.
func Locked() bool {
	return Mlock().Available
}

// Mlock returns the mlock limit check, made once per process. Reporting it
// is up to the caller.
func Mlock() MlockStatus {
	mlockOnce.Do(func() {
		mlockStatus.Available, mlockStatus.LimitKB = checkMlockLimit()
	})
	return mlockStatus
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return false, 0
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// TokenProvider adapts s to the func(ctx) (string, error) form used by the
// workspace client for its bearer token.
func TokenProvider(s Secret) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		return s.Reveal()
	}
}

type lockedSecret struct {
	mu  sync.Mutex
	buf *memguard.LockedBuffer
}

func (s *lockedSecret) Use(fn func(b []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.buf.IsAlive() {
		return ErrDestroyed
	}
	return fn(s.buf.Bytes())
}

func (s *lockedSecret) Reveal() (string, error) {
	var out string
	err := s.Use(func(b []byte) error {
		out = string(b)
		return nil
	})
	return out, err
}

func (s *lockedSecret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Destroy()
}

func (s *lockedSecret) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.buf.IsAlive()
}

type plainSecret struct {
	mu        sync.Mutex
	data      []byte
	destroyed bool
}

func (s *plainSecret) Use(fn func(b []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	return fn(s.data)
}

func (s *plainSecret) Reveal() (string, error) {
	var out string
	err := s.Use(func(b []byte) error {
		out = string(b)
		return nil
	})
	return out, err
}

func (s *plainSecret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	common.WipeByteArray(s.data)
	s.data = nil
	s.destroyed = true
}

func (s *plainSecret) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}
