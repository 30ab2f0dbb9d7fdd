package wallet

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/solward/keywarden/internal/rotation"
)

// WalletHandle is an open wallet identity. It is safe for concurrent use:
// signing calls proceed in parallel with each other and are mutually
// exclusive with rotation.
type WalletHandle struct {
	walletID string
	mgr      *Manager
	rot      *rotation.Manager
}

// WalletID returns the identity this handle belongs to.
func (h *WalletHandle) WalletID() string {
	return h.walletID
}

// PublicKey returns the current keypair's public key.
func (h *WalletHandle) PublicKey() solana.PublicKey {
	return h.rot.PublicKey()
}

// Sign signs the transaction with the current keypair, falling back to the
// retained window for transactions built against a recently superseded key.
func (h *WalletHandle) Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	return h.rot.SignWithContinuity(ctx, tx)
}

// Rotate forces an immediate rotation regardless of schedule.
func (h *WalletHandle) Rotate(ctx context.Context, password []byte) (solana.PublicKey, error) {
	return h.rot.Rotate(ctx, password)
}

// RotationCount returns how many rotations the identity has undergone.
func (h *WalletHandle) RotationCount() int {
	return h.rot.RotationCount()
}

// RetainedKeys returns the retained window's public keys, most recent first.
func (h *WalletHandle) RetainedKeys() []solana.PublicKey {
	return h.rot.Retained()
}

// Close destroys the handle's key material and detaches it from the manager.
// The on-disk record is untouched; the wallet can be loaded again.
func (h *WalletHandle) Close() {
	h.mgr.forget(h.walletID)
	h.rot.Close()
}
