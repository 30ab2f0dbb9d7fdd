// Package wallet is the public custody surface consumed by the trade
// execution layer. It exposes wallet creation, password-gated loading,
// signing, and schedule-driven rotation; everything else (encrypted storage,
// secure memory, rate limiting, tamper checks, auditing) sits behind it.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/solward/keywarden/internal/audit"
	"github.com/solward/keywarden/internal/client"
	"github.com/solward/keywarden/internal/config"
	"github.com/solward/keywarden/internal/guard"
	"github.com/solward/keywarden/internal/model"
	"github.com/solward/keywarden/internal/rotation"
	"github.com/solward/keywarden/internal/signer"
	"github.com/solward/keywarden/internal/store"
)

// Manager is the explicitly constructed entry point; there is no ambient
// singleton. One Manager owns one record directory and shares per-identity
// state (open handles, rate and lockout counters) across its callers.
type Manager struct {
	store    *store.Store
	guard    *guard.Guard
	audit    audit.Logger
	signer   *signer.Signer
	log      *zap.Logger
	clk      clock.Clock
	interval time.Duration

	mu   sync.Mutex
	open map[string]*WalletHandle
}

// NewManager wires a Manager from explicit collaborators. Tests inject a stub
// blockhash source and a mock clock here.
func NewManager(st *store.Store, g *guard.Guard, auditLog audit.Logger, source client.BlockhashSource, log *zap.Logger, clk clock.Clock, rotationInterval time.Duration) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		store:    st,
		guard:    g,
		audit:    auditLog,
		signer:   signer.New(source, auditLog, log),
		log:      log,
		clk:      clk,
		interval: rotationInterval,
		open:     make(map[string]*WalletHandle),
	}
}

// FromConfig builds the production wiring: JSONL audit sink, file store, RPC
// blockhash source. The returned close function flushes and closes the audit
// log; call it after Manager.Close.
func FromConfig(cfg *config.Config, log *zap.Logger) (*Manager, func() error, error) {
	auditLog, err := audit.NewJSONL(cfg.AuditLogPath, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	clk := clock.New()
	g := guard.New(cfg.MinSigningInterval, cfg.MaxFailedAttempts, cfg.LockoutDuration, auditLog, log, clk)

	st, err := store.New(cfg.StoragePath, g, auditLog, log)
	if err != nil {
		_ = auditLog.Close()
		return nil, nil, err
	}

	source := client.NewRPCBlockhashSource(cfg.SolanaRPCURL, cfg.BlockhashTTL, clk)
	return NewManager(st, g, auditLog, source, log, clk, cfg.RotationInterval), auditLog.Close, nil
}

// CreateWallet generates a keypair, encrypts it under password, and persists
// the record. The plaintext key is wiped before return; signing requires a
// subsequent LoadWallet.
func (m *Manager) CreateWallet(ctx context.Context, walletID string, password []byte) (solana.PublicKey, error) {
	w := solana.NewWallet()
	defer clear(w.PrivateKey)
	pub := w.PublicKey()

	// SaveNew checks for an existing record under the per-wallet lock, so
	// concurrent creates for the same identity cannot both write.
	if err := m.store.SaveNew(ctx, walletID, w.PrivateKey, password); err != nil {
		return solana.PublicKey{}, err
	}

	_ = m.audit.Log(ctx, &model.AuditEntry{
		EventType: model.EventCreation,
		WalletID:  walletID,
		Details:   map[string]interface{}{"address": pub.String()},
	})
	m.log.Info("wallet created", zap.String("walletId", walletID), zap.String("address", pub.String()))
	return pub, nil
}

// LoadWallet decrypts the record and returns a signing handle. The password
// is verified on every call even when the identity is already open, so
// lockout accounting stays correct; the open handle is shared so signing and
// rotation observe one keypair state.
func (m *Manager) LoadWallet(ctx context.Context, walletID string, password []byte) (*WalletHandle, error) {
	priv, rec, err := m.store.Load(ctx, walletID, password)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.open[walletID]; ok {
		// Already open: the freshly decrypted copy is redundant.
		clear(priv)
		return h, nil
	}

	rot, err := rotation.NewManager(walletID, priv, rec, m.store, m.signer, m.guard, m.audit, m.log, m.clk, m.interval)
	if err != nil {
		clear(priv)
		return nil, err
	}

	h := &WalletHandle{walletID: walletID, mgr: m, rot: rot}
	m.open[walletID] = h
	return h, nil
}

// RotateIfNeeded rotates the identity's keypair if its schedule has elapsed.
// Returns true when a rotation was performed.
func (m *Manager) RotateIfNeeded(ctx context.Context, walletID string, password []byte) (bool, error) {
	h, err := m.LoadWallet(ctx, walletID, password)
	if err != nil {
		return false, err
	}
	if !h.rot.CheckDue() {
		return false, nil
	}
	if _, err := h.rot.Rotate(ctx, password); err != nil {
		return false, err
	}
	return true, nil
}

// Stats returns cumulative signing success and failure counts across all
// wallets this manager serves.
func (m *Manager) Stats() (signed, failed uint64) {
	return m.signer.Stats()
}

// Close destroys every open handle and its key material.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := make([]*WalletHandle, 0, len(m.open))
	for _, h := range m.open {
		handles = append(handles, h)
	}
	m.open = make(map[string]*WalletHandle)
	m.mu.Unlock()

	for _, h := range handles {
		h.rot.Close()
	}
}

func (m *Manager) forget(walletID string) {
	m.mu.Lock()
	delete(m.open, walletID)
	m.mu.Unlock()
}
