package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/solward/keywarden/internal/model"
)

// JSONL appends one JSON object per line to a file opened O_APPEND, and
// mirrors each entry to the operational log. Entries are written in the order
// operations complete, which for concurrent signs is not request order.
type JSONL struct {
	path string
	log  *zap.Logger

	mu sync.Mutex
	f  *os.File
}

// NewJSONL creates or opens the audit file at path; the parent directory is
// created if missing.
func NewJSONL(path string, log *zap.Logger) (*JSONL, error) {
	if path == "" {
		return nil, errors.New("audit log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create audit log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open audit log")
	}
	return &JSONL{path: path, log: log, f: f}, nil
}

// Log appends one entry. A missing id or timestamp is filled in here.
func (l *JSONL) Log(_ context.Context, entry *model.AuditEntry) error {
	if entry == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal audit entry")
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, err = l.f.Write(data)
	l.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}

	l.log.Info("audit",
		zap.String("eventType", string(entry.EventType)),
		zap.String("walletId", entry.WalletID),
		zap.Any("details", entry.Details),
	)
	return nil
}

// Query reads the whole file and filters by wallet id (linear scan; the sink
// is consumed by external tooling, this helper exists for tests and manual
// forensics only).
func (l *JSONL) Query(_ context.Context, walletID string) ([]*model.AuditEntry, error) {
	l.mu.Lock()
	_ = l.f.Sync()
	l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read audit log")
	}

	var out []*model.AuditEntry
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var e model.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if walletID == "" || e.WalletID == walletID {
			out = append(out, &e)
		}
	}
	return out, nil
}

// Close closes the underlying file.
func (l *JSONL) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
