package wallet

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solward/keywarden/internal/guard"
	"github.com/solward/keywarden/internal/model"
	"github.com/solward/keywarden/internal/store"
)

type stubBlockhash struct{}

func (stubBlockhash) Recent(_ context.Context) (solana.Hash, error) {
	return solana.Hash{0x01, 0x02}, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (m *memAudit) Log(_ context.Context, e *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) count(t model.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.EventType == t {
			n++
		}
	}
	return n
}

type fixture struct {
	mgr *Manager
	st  *store.Store
	aud *memAudit
}

func newFixture(t *testing.T, minSign time.Duration, maxFailed int, lockoutBase, rotInterval time.Duration) *fixture {
	t.Helper()
	aud := &memAudit{}
	g := guard.New(minSign, maxFailed, lockoutBase, aud, zap.NewNop(), clock.New())
	st, err := store.New(filepath.Join(t.TempDir(), "wallets"), g, aud, zap.NewNop())
	require.NoError(t, err)
	mgr := NewManager(st, g, aud, stubBlockhash{}, zap.NewNop(), nil, rotInterval)
	t.Cleanup(mgr.Close)
	return &fixture{mgr: mgr, st: st, aud: aud}
}

func transferTx(t *testing.T, payer solana.PublicKey) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(1, payer, solana.NewWallet().PublicKey()).Build(),
		},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	return tx
}

func TestCreateLoadSignLifecycle(t *testing.T) {
	f := newFixture(t, 0, 5, time.Minute, time.Hour)
	ctx := context.Background()
	password := []byte("Str0ngPass!")

	pub, err := f.mgr.CreateWallet(ctx, "trader", password)
	require.NoError(t, err)

	_, err = f.mgr.CreateWallet(ctx, "trader", password)
	assert.ErrorIs(t, err, model.ErrWalletExists)

	h, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)
	assert.True(t, h.PublicKey().Equals(pub))
	assert.Equal(t, "trader", h.WalletID())
	assert.Equal(t, 0, h.RotationCount())

	signed, err := h.Sign(ctx, transferTx(t, pub))
	require.NoError(t, err)
	require.NoError(t, signed.VerifySignatures())

	assert.Equal(t, 1, f.aud.count(model.EventCreation))
	assert.Equal(t, 1, f.aud.count(model.EventSigningSuccess))

	// Closing the handle leaves the record intact; the wallet reopens.
	h.Close()
	h2, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)
	assert.True(t, h2.PublicKey().Equals(pub))
}

func TestLoadSharesOpenHandle(t *testing.T) {
	f := newFixture(t, 0, 5, time.Minute, time.Hour)
	ctx := context.Background()
	password := []byte("pw")

	_, err := f.mgr.CreateWallet(ctx, "trader", password)
	require.NoError(t, err)

	h1, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)
	h2, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	// The password is still verified on every load.
	_, err = f.mgr.LoadWallet(ctx, "trader", []byte("wrong"))
	assert.ErrorIs(t, err, model.ErrDecryption)
}

func TestRepeatedWrongPasswordsLockTheWallet(t *testing.T) {
	f := newFixture(t, 0, 3, 150*time.Millisecond, time.Hour)
	ctx := context.Background()
	password := []byte("right")

	_, err := f.mgr.CreateWallet(ctx, "trader", password)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.mgr.LoadWallet(ctx, "trader", []byte("wrong"))
		assert.ErrorIs(t, err, model.ErrDecryption)
	}
	assert.Equal(t, 1, f.aud.count(model.EventLockout))

	// The correct password is rejected during the cooldown, without touching
	// the record.
	_, err = f.mgr.LoadWallet(ctx, "trader", password)
	assert.ErrorIs(t, err, model.ErrLockedOut)

	time.Sleep(200 * time.Millisecond)

	h, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestTamperedRecordRefusedOnLoad(t *testing.T) {
	f := newFixture(t, 0, 5, time.Minute, time.Hour)
	ctx := context.Background()
	password := []byte("pw")

	_, err := f.mgr.CreateWallet(ctx, "trader", password)
	require.NoError(t, err)

	path := f.st.Path("trader")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = f.mgr.LoadWallet(ctx, "trader", password)
	assert.ErrorIs(t, err, model.ErrTamperDetected)
	assert.NotErrorIs(t, err, model.ErrDecryption)
	assert.Equal(t, 1, f.aud.count(model.EventTamperDetected))
}

func TestScheduledRotationPreservesSigningContinuity(t *testing.T) {
	f := newFixture(t, 0, 5, time.Minute, 50*time.Millisecond)
	ctx := context.Background()
	password := []byte("pw")

	oldPub, err := f.mgr.CreateWallet(ctx, "trader", password)
	require.NoError(t, err)

	rotated, err := f.mgr.RotateIfNeeded(ctx, "trader", password)
	require.NoError(t, err)
	assert.False(t, rotated)

	// A transaction built against the pre-rotation key.
	inflight := transferTx(t, oldPub)

	time.Sleep(80 * time.Millisecond)
	rotated, err = f.mgr.RotateIfNeeded(ctx, "trader", password)
	require.NoError(t, err)
	assert.True(t, rotated)

	h, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)
	assert.False(t, h.PublicKey().Equals(oldPub))
	assert.Equal(t, 1, h.RotationCount())
	require.Len(t, h.RetainedKeys(), 1)
	assert.True(t, h.RetainedKeys()[0].Equals(oldPub))

	// The in-flight transaction still signs, via the retained keypair.
	signed, err := h.Sign(ctx, inflight)
	require.NoError(t, err)
	require.NoError(t, signed.VerifySignatures())
	assert.Equal(t, 1, f.aud.count(model.EventRotation))
}

func TestRotationCountSurvivesReload(t *testing.T) {
	f := newFixture(t, 0, 5, time.Minute, time.Hour)
	ctx := context.Background()
	password := []byte("pw")

	_, err := f.mgr.CreateWallet(ctx, "trader", password)
	require.NoError(t, err)
	h, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)

	newPub, err := h.Rotate(ctx, password)
	require.NoError(t, err)

	// Simulate a restart: all in-memory state is gone, only the record
	// remains. The retained window does not survive; the count does.
	f.mgr.Close()
	h2, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)
	assert.True(t, h2.PublicKey().Equals(newPub))
	assert.Equal(t, 1, h2.RotationCount())
	assert.Empty(t, h2.RetainedKeys())
}

func TestSigningRateLimitEnforced(t *testing.T) {
	f := newFixture(t, 80*time.Millisecond, 5, time.Minute, time.Hour)
	ctx := context.Background()
	password := []byte("pw")

	pub, err := f.mgr.CreateWallet(ctx, "trader", password)
	require.NoError(t, err)
	h, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)

	_, err = h.Sign(ctx, transferTx(t, pub))
	require.NoError(t, err)

	_, err = h.Sign(ctx, transferTx(t, pub))
	assert.ErrorIs(t, err, model.ErrRateLimited)

	time.Sleep(100 * time.Millisecond)
	_, err = h.Sign(ctx, transferTx(t, pub))
	assert.NoError(t, err)
}

func TestConcurrentSignsWithSharedHandle(t *testing.T) {
	f := newFixture(t, 0, 5, time.Minute, time.Hour)
	ctx := context.Background()
	password := []byte("pw")

	pub, err := f.mgr.CreateWallet(ctx, "trader", password)
	require.NoError(t, err)
	h, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)

	const n = 8
	txs := make([]*solana.Transaction, n)
	for i := range txs {
		txs[i] = transferTx(t, pub)
	}
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for _, tx := range txs {
		wg.Add(1)
		go func(tx *solana.Transaction) {
			defer wg.Done()
			_, err := h.Sign(ctx, tx)
			errs <- err
		}(tx)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, n, f.aud.count(model.EventSigningSuccess))
}

func TestManagerCloseInvalidatesHandles(t *testing.T) {
	f := newFixture(t, 0, 5, time.Minute, time.Hour)
	ctx := context.Background()
	password := []byte("pw")

	pub, err := f.mgr.CreateWallet(ctx, "trader", password)
	require.NoError(t, err)
	h, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)

	f.mgr.Close()

	_, err = h.Sign(ctx, transferTx(t, pub))
	assert.ErrorIs(t, err, model.ErrSigning)

	// The persisted record is unaffected; a fresh load works.
	h2, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)
	assert.True(t, h2.PublicKey().Equals(pub))
}

func TestConcurrentCreatesHaveOneWinner(t *testing.T) {
	f := newFixture(t, 0, 5, time.Minute, time.Hour)
	ctx := context.Background()
	password := []byte("pw")

	type outcome struct {
		pub solana.PublicKey
		err error
	}
	const n = 4
	outcomes := make(chan outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub, err := f.mgr.CreateWallet(ctx, "trader", password)
			outcomes <- outcome{pub, err}
		}()
	}
	wg.Wait()
	close(outcomes)

	var winners []solana.PublicKey
	losers := 0
	for o := range outcomes {
		if o.err == nil {
			winners = append(winners, o.pub)
			continue
		}
		assert.ErrorIs(t, o.err, model.ErrWalletExists)
		losers++
	}
	require.Len(t, winners, 1)
	assert.Equal(t, n-1, losers)

	// The surviving record belongs to the winner, not a late overwrite.
	rec, err := f.st.ReadRecord(ctx, "trader")
	require.NoError(t, err)
	assert.Equal(t, winners[0].String(), rec.Address)
}

func TestStatsCountSignedTransactions(t *testing.T) {
	f := newFixture(t, 0, 5, time.Minute, time.Hour)
	ctx := context.Background()
	password := []byte("pw")

	pub, err := f.mgr.CreateWallet(ctx, "trader", password)
	require.NoError(t, err)
	h, err := f.mgr.LoadWallet(ctx, "trader", password)
	require.NoError(t, err)

	signed, failed := f.mgr.Stats()
	assert.Zero(t, signed)
	assert.Zero(t, failed)

	for i := 0; i < 3; i++ {
		_, err := h.Sign(ctx, transferTx(t, pub))
		require.NoError(t, err)
	}

	signed, failed = f.mgr.Stats()
	assert.Equal(t, uint64(3), signed)
	assert.Zero(t, failed)
}

func TestLoadMissingWallet(t *testing.T) {
	f := newFixture(t, 0, 5, time.Minute, time.Hour)
	_, err := f.mgr.LoadWallet(context.Background(), "ghost", []byte("pw"))
	assert.ErrorIs(t, err, model.ErrWalletNotFound)
}
