package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solward/keywarden/internal/model"
)

func newTestJSONL(t *testing.T) *JSONL {
	t.Helper()
	l, err := NewJSONL(filepath.Join(t.TempDir(), "audit", "audit.jsonl"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLogFillsIDAndTimestamp(t *testing.T) {
	l := newTestJSONL(t)
	ctx := context.Background()

	e := &model.AuditEntry{EventType: model.EventCreation, WalletID: "w1"}
	require.NoError(t, l.Log(ctx, e))

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	got, err := l.Query(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
	assert.Equal(t, model.EventCreation, got[0].EventType)
	assert.WithinDuration(t, time.Now(), got[0].Timestamp, time.Minute)
}

func TestQueryFiltersByWallet(t *testing.T) {
	l := newTestJSONL(t)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, &model.AuditEntry{EventType: model.EventSigningSuccess, WalletID: "w1"}))
	require.NoError(t, l.Log(ctx, &model.AuditEntry{EventType: model.EventSigningFailure, WalletID: "w2"}))
	require.NoError(t, l.Log(ctx, &model.AuditEntry{EventType: model.EventRotation, WalletID: "w1"}))

	got, err := l.Query(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.EventSigningSuccess, got[0].EventType)
	assert.Equal(t, model.EventRotation, got[1].EventType)

	all, err := l.Query(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEntriesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	l, err := NewJSONL(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, l.Log(ctx, &model.AuditEntry{EventType: model.EventCreation, WalletID: "w1"}))
	require.NoError(t, l.Close())

	l2, err := NewJSONL(path, zap.NewNop())
	require.NoError(t, err)
	defer l2.Close()
	require.NoError(t, l2.Log(ctx, &model.AuditEntry{EventType: model.EventLockout, WalletID: "w1"}))

	got, err := l2.Query(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.EventCreation, got[0].EventType)
	assert.Equal(t, model.EventLockout, got[1].EventType)
}

func TestConcurrentLogsProduceWholeLines(t *testing.T) {
	l := newTestJSONL(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Log(ctx, &model.AuditEntry{EventType: model.EventSigningAttempt, WalletID: "w1"})
		}()
	}
	wg.Wait()

	got, err := l.Query(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, got, 50)
}

func TestAuditFileHasNoKeyMaterial(t *testing.T) {
	l := newTestJSONL(t)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, &model.AuditEntry{
		EventType: model.EventSigningSuccess,
		WalletID:  "w1",
		Details:   map[string]interface{}{"latencyMs": 4, "signer": "6gmi3kYYcBBvkf5JBmPqcQhJri3feri5hoQGWZnt3LXF"},
	}))

	raw, err := os.ReadFile(l.path)
	require.NoError(t, err)
	// Public data only: event names and the signer address, nothing secret.
	assert.True(t, strings.Contains(string(raw), "signing_success"))
	assert.False(t, strings.Contains(string(raw), "privateKey"))
	assert.False(t, strings.Contains(string(raw), "password"))
}

func TestNopLoggerDiscards(t *testing.T) {
	var n Nop
	assert.NoError(t, n.Log(context.Background(), &model.AuditEntry{EventType: model.EventCreation}))
}

func TestNewJSONLRejectsEmptyPath(t *testing.T) {
	_, err := NewJSONL("", zap.NewNop())
	assert.Error(t, err)
}
