// Package rotation orchestrates scheduled keypair rotation with transaction
// continuity. The manager is the sole owner of the in-memory handle
// collection: the current keypair plus a bounded window of superseded ones.
package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/solward/keywarden/internal/audit"
	"github.com/solward/keywarden/internal/guard"
	"github.com/solward/keywarden/internal/model"
	"github.com/solward/keywarden/internal/securemem"
	"github.com/solward/keywarden/internal/signer"
	"github.com/solward/keywarden/internal/store"
)

// RetainedCount is the number of superseded keypairs kept signable for
// in-flight transactions.
const RetainedCount = 3

// maxConcurrentSigns bounds the shared side of the handle semaphore. Signing
// takes one slot, rotation takes all of them.
const maxConcurrentSigns = 64

// Manager holds one wallet identity's signing state. Concurrent signs proceed
// in parallel but never observe a torn handle swap: the handle collection is
// guarded by a weighted semaphore, and acquisition honors context deadlines so
// a rotation queued behind long-running signs fails with ErrTimeout instead of
// blocking past its deadline.
type Manager struct {
	walletID string
	store    *store.Store
	signer   *signer.Signer
	guard    *guard.Guard
	audit    audit.Logger
	log      *zap.Logger
	clk      clock.Clock
	interval time.Duration

	sem            *semaphore.Weighted
	current        *securemem.Handle
	retained       []*securemem.Handle // most recent first
	rotationCount  int
	nextRotationAt time.Time
}

// NewManager seals the freshly loaded private key into a handle and derives
// the rotation schedule from the record's creation time, so the schedule
// survives restarts without separate on-disk state.
func NewManager(walletID string, priv solana.PrivateKey, rec *model.WalletRecord, st *store.Store, sg *signer.Signer, g *guard.Guard, auditLog audit.Logger, log *zap.Logger, clk clock.Clock, interval time.Duration) (*Manager, error) {
	if clk == nil {
		clk = clock.New()
	}
	h, err := securemem.NewHandle(priv)
	if err != nil {
		return nil, err
	}

	next := clk.Now().Add(interval)
	if created, perr := time.Parse(time.RFC3339, rec.CreatedAt); perr == nil {
		next = created.Add(interval)
	}

	return &Manager{
		walletID:       walletID,
		store:          st,
		signer:         sg,
		guard:          g,
		audit:          auditLog,
		log:            log,
		clk:            clk,
		interval:       interval,
		sem:            semaphore.NewWeighted(maxConcurrentSigns),
		current:        h,
		rotationCount:  rec.RotationCount,
		nextRotationAt: next,
	}, nil
}

func (m *Manager) acquireShared(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: wallet %q lock not acquired: %v", model.ErrTimeout, m.walletID, err)
	}
	return nil
}

func (m *Manager) acquireExclusive(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, maxConcurrentSigns); err != nil {
		return fmt.Errorf("%w: wallet %q lock not acquired: %v", model.ErrTimeout, m.walletID, err)
	}
	return nil
}

// PublicKey returns the current keypair's public key.
func (m *Manager) PublicKey() solana.PublicKey {
	_ = m.acquireShared(context.Background())
	defer m.sem.Release(1)
	return m.current.PublicKey()
}

// RotationCount returns how many rotations this identity has undergone.
func (m *Manager) RotationCount() int {
	_ = m.acquireShared(context.Background())
	defer m.sem.Release(1)
	return m.rotationCount
}

// Retained returns the public keys of the retained window, most recent first.
func (m *Manager) Retained() []solana.PublicKey {
	_ = m.acquireShared(context.Background())
	defer m.sem.Release(1)
	out := make([]solana.PublicKey, 0, len(m.retained))
	for _, h := range m.retained {
		out = append(out, h.PublicKey())
	}
	return out
}

// CheckDue reports whether the rotation schedule has elapsed.
func (m *Manager) CheckDue() bool {
	_ = m.acquireShared(context.Background())
	defer m.sem.Release(1)
	return !m.clk.Now().Before(m.nextRotationAt)
}

// Rotate generates a new keypair, persists it, then swaps it in. The handle
// is sealed before the record is written, so there is no failure window in
// which the stored key exists only on disk: any storage failure destroys the
// new handle and leaves both memory and file state exactly as they were.
func (m *Manager) Rotate(ctx context.Context, password []byte) (solana.PublicKey, error) {
	if err := m.acquireExclusive(ctx); err != nil {
		return solana.PublicKey{}, err
	}
	defer m.sem.Release(maxConcurrentSigns)

	wallet := solana.NewWallet()

	// Seal one copy for the handle, keep one for the encrypted write.
	savePriv := make(solana.PrivateKey, len(wallet.PrivateKey))
	copy(savePriv, wallet.PrivateKey)
	defer clear(savePriv)

	newHandle, err := securemem.NewHandle(wallet.PrivateKey)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %w", model.ErrRotation, err)
	}

	if err := m.store.Save(ctx, m.walletID, savePriv, password, m.rotationCount+1); err != nil {
		newHandle.Destroy()
		m.log.Warn("rotation aborted, prior state preserved",
			zap.String("walletId", m.walletID), zap.Error(err))
		// Both kinds stay in the chain: callers match ErrRotation and still
		// see ErrStorageIO or ErrTimeout underneath.
		return solana.PublicKey{}, fmt.Errorf("%w: storage failure: %w", model.ErrRotation, err)
	}

	oldPub := m.current.PublicKey()

	// Demote the active keypair into the retained window; the overflow
	// handle past the window is destroyed, which zeroizes it.
	m.retained = append([]*securemem.Handle{m.current}, m.retained...)
	for len(m.retained) > RetainedCount {
		last := m.retained[len(m.retained)-1]
		last.Destroy()
		m.retained = m.retained[:len(m.retained)-1]
	}

	m.current = newHandle
	m.rotationCount++
	m.nextRotationAt = m.clk.Now().Add(m.interval)

	m.log.Info("keypair rotated",
		zap.String("walletId", m.walletID),
		zap.String("oldKey", oldPub.String()),
		zap.String("newKey", newHandle.PublicKey().String()),
		zap.Int("rotationCount", m.rotationCount),
	)
	_ = m.audit.Log(ctx, &model.AuditEntry{
		EventType: model.EventRotation,
		WalletID:  m.walletID,
		Details: map[string]interface{}{
			"oldKey":        oldPub.String(),
			"newKey":        newHandle.PublicKey().String(),
			"rotationCount": m.rotationCount,
			"retained":      len(m.retained),
		},
	})

	return newHandle.PublicKey(), nil
}

// SignWithContinuity signs with the current keypair when it can serve the
// transaction's required signer. A transaction built against a recently
// superseded key falls back to the retained window, most recent first.
// Continuity attempts are marked in the audit log.
func (m *Manager) SignWithContinuity(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	// One rate token per caller-visible sign, charged before any attempt.
	if err := m.guard.CheckRate(m.walletID); err != nil {
		return nil, err
	}

	if err := m.acquireShared(ctx); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)

	required := requiredSigners(tx)

	if containsKey(required, m.current.PublicKey()) {
		signed, err := m.signer.Sign(ctx, m.walletID, tx, m.current, false)
		if err == nil {
			return signed, nil
		}
		m.log.Warn("current-key signing failed, attempting continuity",
			zap.String("walletId", m.walletID), zap.Error(err))
	}

	for _, h := range m.retained {
		if !containsKey(required, h.PublicKey()) {
			continue
		}
		signed, err := m.signer.Sign(ctx, m.walletID, tx, h, true)
		if err == nil {
			return signed, nil
		}
	}

	return nil, errors.Wrapf(model.ErrSigning, "no retained keypair can serve the transaction's signers for wallet %q", m.walletID)
}

// Close destroys every handle the manager owns. It waits for in-flight signs
// to drain.
func (m *Manager) Close() {
	_ = m.acquireExclusive(context.Background())
	defer m.sem.Release(maxConcurrentSigns)
	m.current.Destroy()
	for _, h := range m.retained {
		h.Destroy()
	}
	m.retained = nil
}

// requiredSigners returns the account keys the transaction needs signatures
// from (the leading NumRequiredSignatures keys of the message).
func requiredSigners(tx *solana.Transaction) []solana.PublicKey {
	n := int(tx.Message.Header.NumRequiredSignatures)
	if n > len(tx.Message.AccountKeys) {
		n = len(tx.Message.AccountKeys)
	}
	return tx.Message.AccountKeys[:n]
}

func containsKey(keys []solana.PublicKey, k solana.PublicKey) bool {
	for _, key := range keys {
		if key.Equals(k) {
			return true
		}
	}
	return false
}
