// Package signer is the single signing call path: rate check, ordering-token
// refresh, a minimal exposed-key window around the cryptographic primitive,
// then metrics and an audit entry.
package signer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/solward/keywarden/internal/audit"
	"github.com/solward/keywarden/internal/client"
	"github.com/solward/keywarden/internal/model"
	"github.com/solward/keywarden/internal/securemem"
)

// Signer signs transactions with a handle supplied by the rotation manager.
// It holds no key material of its own. The per-call rate limit is applied by
// the rotation manager once per caller-visible sign, so continuity fallback
// attempts within one call do not each consume a rate token.
type Signer struct {
	source client.BlockhashSource
	audit  audit.Logger
	log    *zap.Logger

	signed atomic.Uint64
	failed atomic.Uint64
}

// New creates a Signer.
func New(source client.BlockhashSource, auditLog audit.Logger, log *zap.Logger) *Signer {
	return &Signer{source: source, audit: auditLog, log: log}
}

// Sign refreshes the transaction's recent blockhash if unset and signs inside
// the exposed window. The window contains only the signing primitive: the
// blockhash fetch happens before it and all logging after. continuity marks
// fallback attempts against a retained keypair.
func (s *Signer) Sign(ctx context.Context, walletID string, tx *solana.Transaction, h *securemem.Handle, continuity bool) (*solana.Transaction, error) {
	_ = s.audit.Log(ctx, &model.AuditEntry{
		EventType: model.EventSigningAttempt,
		WalletID:  walletID,
		Details: map[string]interface{}{
			"signer":     h.PublicKey().String(),
			"continuity": continuity,
		},
	})

	if tx.Message.RecentBlockhash.IsZero() {
		recent, err := s.source.Recent(ctx)
		if err != nil {
			s.recordFailure(ctx, walletID, err)
			return nil, fmt.Errorf("%w: ordering token unavailable: %v", model.ErrSigning, err)
		}
		tx.Message.RecentBlockhash = recent
	}

	start := time.Now()
	err := h.WithExposed(func(priv solana.PrivateKey) error {
		// Synchronous, no I/O, no logging: the key is exposed for the
		// duration of the ed25519 primitive only.
		_, signErr := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
			if priv.PublicKey().Equals(key) {
				return &priv
			}
			return nil
		})
		return signErr
	})
	latency := time.Since(start)

	if err != nil {
		s.recordFailure(ctx, walletID, err)
		return nil, fmt.Errorf("%w: %v", model.ErrSigning, err)
	}

	s.signed.Add(1)
	s.log.Info("transaction signed",
		zap.String("walletId", walletID),
		zap.String("signer", h.PublicKey().String()),
		zap.Bool("continuity", continuity),
		zap.Duration("latency", latency),
	)
	_ = s.audit.Log(ctx, &model.AuditEntry{
		EventType: model.EventSigningSuccess,
		WalletID:  walletID,
		Details: map[string]interface{}{
			"signer":    h.PublicKey().String(),
			"latencyMs": latency.Milliseconds(),
		},
	})
	return tx, nil
}

func (s *Signer) recordFailure(ctx context.Context, walletID string, err error) {
	s.failed.Add(1)
	s.log.Warn("signing failed", zap.String("walletId", walletID), zap.Error(err))
	_ = s.audit.Log(ctx, &model.AuditEntry{
		EventType: model.EventSigningFailure,
		WalletID:  walletID,
		Details:   map[string]interface{}{"error": err.Error()},
	})
}

// Stats returns cumulative success and failure counts.
func (s *Signer) Stats() (signed, failed uint64) {
	return s.signed.Load(), s.failed.Load()
}
