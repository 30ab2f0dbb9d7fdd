// Package audit records every create/load/sign/rotate/failure event for
// forensic review. Entries never contain key material or passwords; the log
// is append-only and this subsystem never reads its own history back for
// decision-making.
package audit

import (
	"context"

	"github.com/solward/keywarden/internal/model"
)

// Logger is the audit sink interface.
type Logger interface {
	Log(ctx context.Context, entry *model.AuditEntry) error
}

// Nop is a Logger that discards everything.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(context.Context, *model.AuditEntry) error { return nil }
