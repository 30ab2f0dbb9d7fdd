// Package guard enforces minimum spacing between signing calls and escalating
// lockout after repeated failed decryption attempts, per wallet identity.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/solward/keywarden/internal/audit"
	"github.com/solward/keywarden/internal/model"
)

type lockoutState struct {
	failed      int
	lockedUntil time.Time
}

// Guard holds per-wallet rate-limit and lockout state. Requests arriving
// sooner than the minimum interval are rejected, not queued; loads during a
// lockout cooldown are rejected before any decryption work happens.
type Guard struct {
	clk         clock.Clock
	minInterval time.Duration
	maxFailed   int
	lockoutBase time.Duration
	audit       audit.Logger
	log         *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lockouts map[string]*lockoutState
}

// New creates a Guard. lockoutBase is the cooldown applied at the failure
// threshold; each further failure extends the wait linearly.
func New(minInterval time.Duration, maxFailed int, lockoutBase time.Duration, auditLog audit.Logger, log *zap.Logger, clk clock.Clock) *Guard {
	if clk == nil {
		clk = clock.New()
	}
	return &Guard{
		clk:         clk,
		minInterval: minInterval,
		maxFailed:   maxFailed,
		lockoutBase: lockoutBase,
		audit:       auditLog,
		log:         log,
		limiters:    make(map[string]*rate.Limiter),
		lockouts:    make(map[string]*lockoutState),
	}
}

// CheckRate is called before every signing attempt. It rejects a request that
// arrives sooner than the minimum interval after the previous one.
func (g *Guard) CheckRate(walletID string) error {
	g.mu.Lock()
	lim, ok := g.limiters[walletID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.minInterval), 1)
		g.limiters[walletID] = lim
	}
	g.mu.Unlock()

	if !lim.AllowN(g.clk.Now(), 1) {
		return fmt.Errorf("%w: signing calls for %q must be at least %v apart", model.ErrRateLimited, walletID, g.minInterval)
	}
	return nil
}

// CheckLockout rejects while the wallet's cooldown window is in the future.
func (g *Guard) CheckLockout(walletID string) error {
	g.mu.Lock()
	st, ok := g.lockouts[walletID]
	var until time.Time
	if ok {
		until = st.lockedUntil
	}
	g.mu.Unlock()

	if ok && g.clk.Now().Before(until) {
		return fmt.Errorf("%w: wallet %q locked until %s", model.ErrLockedOut, walletID, until.Format(time.RFC3339))
	}
	return nil
}

// RecordFailedDecrypt increments the consecutive-failure counter and, past
// the threshold, starts or extends the lockout window. The lockout event is
// independently audit-logged.
func (g *Guard) RecordFailedDecrypt(ctx context.Context, walletID string) {
	g.mu.Lock()
	st, ok := g.lockouts[walletID]
	if !ok {
		st = &lockoutState{}
		g.lockouts[walletID] = st
	}
	st.failed++
	locked := false
	var until time.Time
	if st.failed >= g.maxFailed {
		// Cooldown grows linearly with each failure past the threshold.
		overage := time.Duration(st.failed - g.maxFailed + 1)
		until = g.clk.Now().Add(g.lockoutBase * overage)
		st.lockedUntil = until
		locked = true
	}
	failed := st.failed
	g.mu.Unlock()

	if locked {
		g.log.Warn("wallet locked out",
			zap.String("walletId", walletID),
			zap.Int("failedAttempts", failed),
			zap.Time("lockedUntil", until),
		)
		_ = g.audit.Log(ctx, &model.AuditEntry{
			EventType: model.EventLockout,
			WalletID:  walletID,
			Details: map[string]interface{}{
				"failedAttempts": failed,
				"lockedUntil":    until.Format(time.RFC3339),
			},
		})
	}
}

// RecordSuccessfulDecrypt resets the consecutive-failure counter.
func (g *Guard) RecordSuccessfulDecrypt(walletID string) {
	g.mu.Lock()
	delete(g.lockouts, walletID)
	g.mu.Unlock()
}

// FailedAttempts returns the current consecutive-failure count.
func (g *Guard) FailedAttempts(walletID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.lockouts[walletID]; ok {
		return st.failed
	}
	return 0
}
