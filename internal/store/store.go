// Package store persists one encrypted record per wallet identity. Key
// derivation is PBKDF2-HMAC-SHA256 and encryption is AES-256-GCM; derived
// keys and plaintext are wiped on every exit path. A tamper check over the
// full serialized record runs before any decryption is attempted.
package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/semaphore"

	"github.com/solward/keywarden/internal/audit"
	"github.com/solward/keywarden/internal/guard"
	"github.com/solward/keywarden/internal/model"
)

const (
	// PBKDF2-HMAC-SHA256 with exactly 100,000 iterations over a fresh
	// 32-byte salt, producing the AES-256 key. The iteration count is part
	// of the record format contract; changing it breaks old records.
	pbkdf2Iterations = 100_000
	keyLen           = 32
	saltLen          = 32
	nonceLen         = 12

	// Transient I/O failures are retried a small bounded number of times
	// before propagating; cryptographic failures never are.
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond

	networkSolana = "solana"
	fileExt       = ".wlt"
)

// Store owns the on-disk records. Operations on the same wallet identity are
// serialized by a per-identity semaphore whose acquisition honors context
// deadlines; the lockout guard is consulted before any decryption work.
type Store struct {
	dir      string
	guard    *guard.Guard
	audit    audit.Logger
	detector *TamperDetector
	log      *zap.Logger

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// New creates the record directory (owner-only access) if needed.
func New(dir string, g *guard.Guard, auditLog audit.Logger, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: failed to create storage directory: %v", model.ErrStorageIO, err)
	}
	return &Store{
		dir:      dir,
		guard:    g,
		audit:    auditLog,
		detector: NewTamperDetector(),
		log:      log,
		locks:    make(map[string]*semaphore.Weighted),
	}, nil
}

// Detector exposes the tamper detector (tests flip bytes behind its back).
func (s *Store) Detector() *TamperDetector {
	return s.detector
}

// Path returns the record file path for a wallet identity.
func (s *Store) Path(walletID string) string {
	return filepath.Join(s.dir, walletID+fileExt)
}

// Exists reports whether a non-empty record exists for the identity.
func (s *Store) Exists(walletID string) bool {
	info, err := os.Stat(s.Path(walletID))
	return err == nil && info.Size() > 0
}

// lockWallet acquires the identity's semaphore, failing with ErrTimeout when
// the context expires first. The caller releases it.
func (s *Store) lockWallet(ctx context.Context, walletID string) (*semaphore.Weighted, error) {
	s.mu.Lock()
	sem, ok := s.locks[walletID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.locks[walletID] = sem
	}
	s.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: wallet %q lock not acquired: %v", model.ErrTimeout, walletID, err)
	}
	return sem, nil
}

// Save encrypts priv under password and writes a fresh record for walletID,
// superseding any previous one via write-then-rename. The caller keeps
// ownership of priv and password; Save wipes only its own intermediates.
func (s *Store) Save(ctx context.Context, walletID string, priv solana.PrivateKey, password []byte, rotationCount int) error {
	return s.save(ctx, walletID, priv, password, rotationCount, false)
}

// SaveNew is Save restricted to identities with no existing record. The
// existence check happens under the per-wallet lock, so two concurrent
// creates for the same identity cannot both write.
func (s *Store) SaveNew(ctx context.Context, walletID string, priv solana.PrivateKey, password []byte) error {
	return s.save(ctx, walletID, priv, password, 0, true)
}

func (s *Store) save(ctx context.Context, walletID string, priv solana.PrivateKey, password []byte, rotationCount int, mustNotExist bool) error {
	if len(priv) != 64 {
		return fmt.Errorf("%w: expected 64-byte private key, got %d", model.ErrInvalidKeypair, len(priv))
	}
	if len(password) == 0 {
		return fmt.Errorf("%w: password cannot be empty", model.ErrEncryption)
	}

	lock, err := s.lockWallet(ctx, walletID)
	if err != nil {
		return err
	}
	defer lock.Release(1)

	if mustNotExist && s.Exists(walletID) {
		return fmt.Errorf("%w: %q", model.ErrWalletExists, walletID)
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("%w: failed to generate salt: %v", model.ErrEncryption, err)
	}

	// Fresh nonce per write; never reused under the same derived key (the
	// salt is fresh too, so the derived key itself is unique per record).
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("%w: failed to generate nonce: %v", model.ErrEncryption, err)
	}

	key := pbkdf2.Key(password, salt, pbkdf2Iterations, keyLen, sha256.New)
	defer clear(key) // wipe derived key on every exit path

	aesGCM, err := newGCM(key)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrEncryption, err)
	}

	walletData := &model.WalletData{
		PrivateKey: priv,
		CreatedAt:  time.Now().Format(time.RFC3339),
	}
	plaintext, err := json.Marshal(walletData)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal wallet data: %v", model.ErrEncryption, err)
	}
	defer clear(plaintext) // wipe plaintext bytes from memory

	ciphertext := aesGCM.Seal(nil, nonce, plaintext, nil)

	address := priv.PublicKey().String()
	qr, err := generateQRCode(address)
	if err != nil {
		// The QR is a convenience field; a render failure must not block
		// custody of the key.
		s.log.Warn("failed to generate deposit QR", zap.String("walletId", walletID), zap.Error(err))
		qr = ""
	}

	rec := &model.WalletRecord{
		WalletID:      walletID,
		Network:       networkSolana,
		Address:       address,
		QR:            qr,
		Salt:          base64.StdEncoding.EncodeToString(salt),
		Nonce:         base64.StdEncoding.EncodeToString(nonce),
		CipherText:    base64.StdEncoding.EncodeToString(ciphertext),
		CreatedAt:     time.Now().Format(time.RFC3339),
		RotationCount: rotationCount,
	}
	rec.Checksum, err = RecordChecksum(rec)
	if err != nil {
		return fmt.Errorf("%w: failed to checksum record: %v", model.ErrEncryption, err)
	}

	fileData, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal record: %v", model.ErrEncryption, err)
	}

	if err := s.writeFileRetry(ctx, s.Path(walletID), fileData); err != nil {
		return err
	}
	s.detector.UpdateChecksum(walletID, fileData)

	s.log.Info("wallet record written",
		zap.String("walletId", walletID),
		zap.String("address", address),
		zap.Int("rotationCount", rotationCount),
	)
	return nil
}

// Load verifies integrity, then decrypts the record. The returned private key
// is a fresh copy owned by the caller; all intermediates are wiped here.
// Wrong-password and corrupted-ciphertext failures pay the same full KDF and
// AEAD-open cost, so their timing is comparable.
func (s *Store) Load(ctx context.Context, walletID string, password []byte) (solana.PrivateKey, *model.WalletRecord, error) {
	if err := s.guard.CheckLockout(walletID); err != nil {
		// Rejected before any decryption work, so a brute-force attempt is
		// not amplified into CPU spend.
		return nil, nil, err
	}

	lock, err := s.lockWallet(ctx, walletID)
	if err != nil {
		return nil, nil, err
	}
	defer lock.Release(1)

	raw, err := s.readFileRetry(ctx, s.Path(walletID))
	if err != nil {
		return nil, nil, err
	}

	var rec model.WalletRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.auditTamper(ctx, walletID, "record unparseable")
		return nil, nil, fmt.Errorf("%w: record for %q is unparseable", model.ErrTamperDetected, walletID)
	}

	if err := s.detector.Verify(walletID, raw, &rec); err != nil {
		s.auditTamper(ctx, walletID, err.Error())
		return nil, nil, err
	}

	salt, err1 := base64.StdEncoding.DecodeString(rec.Salt)
	nonce, err2 := base64.StdEncoding.DecodeString(rec.Nonce)
	ciphertext, err3 := base64.StdEncoding.DecodeString(rec.CipherText)
	if err1 != nil || err2 != nil || err3 != nil {
		s.auditTamper(ctx, walletID, "record fields undecodable")
		return nil, nil, fmt.Errorf("%w: record fields for %q are undecodable", model.ErrTamperDetected, walletID)
	}

	key := pbkdf2.Key(password, salt, pbkdf2Iterations, keyLen, sha256.New)
	defer clear(key)

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", model.ErrDecryption, err)
	}

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		s.guard.RecordFailedDecrypt(ctx, walletID)
		_ = s.audit.Log(ctx, &model.AuditEntry{
			EventType: model.EventDecryptionFailure,
			WalletID:  walletID,
			Details:   map[string]interface{}{"failedAttempts": s.guard.FailedAttempts(walletID)},
		})
		return nil, nil, fmt.Errorf("%w: wallet %q", model.ErrDecryption, walletID)
	}
	defer clear(plaintext)

	var walletData model.WalletData
	if err := json.Unmarshal(plaintext, &walletData); err != nil {
		s.auditTamper(ctx, walletID, "decrypted payload unparseable")
		return nil, nil, fmt.Errorf("%w: decrypted payload for %q is unparseable", model.ErrInvalidKeypair, walletID)
	}
	defer clear(walletData.PrivateKey)

	if len(walletData.PrivateKey) != 64 {
		s.auditTamper(ctx, walletID, "decrypted key has wrong length")
		return nil, nil, fmt.Errorf("%w: decrypted key for %q has wrong length", model.ErrInvalidKeypair, walletID)
	}
	priv := solana.PrivateKey(walletData.PrivateKey)
	if priv.PublicKey().String() != rec.Address {
		s.auditTamper(ctx, walletID, "decrypted key does not match record address")
		return nil, nil, fmt.Errorf("%w: decrypted key for %q does not match record address", model.ErrInvalidKeypair, walletID)
	}

	s.guard.RecordSuccessfulDecrypt(walletID)

	out := make(solana.PrivateKey, 64)
	copy(out, walletData.PrivateKey)
	return out, &rec, nil
}

// ReadRecord reads the clear portion of the record (address, QR, rotation
// metadata) without a password and without decryption.
func (s *Store) ReadRecord(ctx context.Context, walletID string) (*model.WalletRecord, error) {
	raw, err := s.readFileRetry(ctx, s.Path(walletID))
	if err != nil {
		return nil, err
	}
	var rec model.WalletRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: record for %q is unparseable", model.ErrTamperDetected, walletID)
	}
	return &rec, nil
}

func (s *Store) auditTamper(ctx context.Context, walletID, reason string) {
	s.log.Error("tamper detected", zap.String("walletId", walletID), zap.String("reason", reason))
	_ = s.audit.Log(ctx, &model.AuditEntry{
		EventType: model.EventTamperDetected,
		WalletID:  walletID,
		Details:   map[string]interface{}{"reason": reason},
	})
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

func (s *Store) readFileRetry(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := waitBackoff(ctx, attempt); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(path)
		if err == nil {
			if len(b) == 0 {
				return nil, fmt.Errorf("%w: record file is empty", model.ErrStorageIO)
			}
			return b, nil
		}
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no record at %s", model.ErrWalletNotFound, path)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: failed to read record after %d attempts: %v", model.ErrStorageIO, maxRetries, lastErr)
}

// writeFileRetry writes to a temp file and renames over the target so a
// superseded record is replaced atomically, never torn.
func (s *Store) writeFileRetry(ctx context.Context, path string, data []byte) error {
	tmp := path + ".tmp"
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := waitBackoff(ctx, attempt); err != nil {
			return err
		}
		if err := os.WriteFile(tmp, data, 0600); err != nil {
			lastErr = err
			continue
		}
		if err := os.Rename(tmp, path); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	_ = os.Remove(tmp)
	return fmt.Errorf("%w: failed to write record after %d attempts: %v", model.ErrStorageIO, maxRetries, lastErr)
}

// waitBackoff sleeps before retry attempts (none before the first) and maps
// context expiry to the timeout error kind.
func waitBackoff(ctx context.Context, attempt int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	}
	if attempt == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", model.ErrTimeout, ctx.Err())
	case <-time.After(baseDelay * time.Duration(attempt)):
		return nil
	}
}
