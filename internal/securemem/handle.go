// Package securemem wraps decrypted key material in memguard enclaves so the
// bytes are encrypted while at rest in memory, unreadable through normal
// inspection or logging, and wiped the moment a handle is destroyed.
package securemem

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gagliardetto/solana-go"

	"github.com/solward/keywarden/internal/model"
)

// ErrDestroyed is returned when a handle is used after Destroy.
var ErrDestroyed = errors.New("secure handle destroyed")

// Handle owns one decrypted keypair. The public key is held in the clear (it
// is public); the 64-byte private key lives in a memguard enclave and is only
// reachable through WithExposed. The rotation manager is the sole long-lived
// owner of handles.
type Handle struct {
	pub       solana.PublicKey
	createdAt time.Time

	mu      sync.Mutex
	enclave *memguard.Enclave
}

// NewHandle takes ownership of priv and seals it into an enclave. The input
// slice is wiped by memguard as part of sealing, so the caller's copy is gone
// once this returns.
func NewHandle(priv solana.PrivateKey) (*Handle, error) {
	if len(priv) != 64 {
		clear(priv)
		return nil, fmt.Errorf("%w: expected 64-byte private key, got %d", model.ErrInvalidKeypair, len(priv))
	}
	pub := priv.PublicKey()
	return &Handle{
		pub:       pub,
		createdAt: time.Now(),
		enclave:   memguard.NewEnclave(priv),
	}, nil
}

// PublicKey returns the public half of the keypair.
func (h *Handle) PublicKey() solana.PublicKey {
	return h.pub
}

// CreatedAt returns when the handle was sealed.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// WithExposed is the only sanctioned read path for the private key. The key
// is decrypted into a locked buffer for the duration of f only and wiped on
// every exit path. f must not perform I/O or logging, and must not retain the
// slice it is given.
func (h *Handle) WithExposed(f func(priv solana.PrivateKey) error) error {
	h.mu.Lock()
	enclave := h.enclave
	h.mu.Unlock()
	if enclave == nil {
		return ErrDestroyed
	}

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("%w: failed to open enclave: %v", model.ErrInvalidKeypair, err)
	}
	defer buf.Destroy() // wipes the exposed plaintext

	return f(solana.PrivateKey(buf.Bytes()))
}

// Destroy revokes access to the key material. The sealed enclave is dropped;
// any plaintext view was already wiped when its WithExposed window closed.
// Safe to call more than once.
func (h *Handle) Destroy() {
	h.mu.Lock()
	h.enclave = nil
	h.mu.Unlock()
}

// Destroyed reports whether Destroy has been called.
func (h *Handle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enclave == nil
}

// String renders an opaque placeholder, never key bytes.
func (h *Handle) String() string {
	return fmt.Sprintf("securemem.Handle(%s)", h.pub.String())
}

// GoString renders an opaque placeholder for %#v.
func (h *Handle) GoString() string {
	return h.String()
}

// MarshalJSON refuses to serialize key material.
func (h *Handle) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}
