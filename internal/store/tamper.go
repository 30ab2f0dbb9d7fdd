package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/solward/keywarden/internal/model"
)

// TamperDetector keeps a last-known-good hash of every record it has seen and
// refuses records whose on-disk bytes changed outside this process. It also
// checks the record's embedded checksum, so corruption is caught even on the
// first load after a restart.
type TamperDetector struct {
	mu    sync.RWMutex
	known map[string]string // wallet id -> hex SHA-256 over full file bytes
}

// NewTamperDetector creates an empty detector.
func NewTamperDetector() *TamperDetector {
	return &TamperDetector{known: make(map[string]string)}
}

// Verify checks raw file bytes against the last-known-good hash and the
// record's embedded checksum. Any mismatch, even a single bit, is a hard
// failure; Verify is called before decryption is attempted, never after.
func (d *TamperDetector) Verify(walletID string, raw []byte, rec *model.WalletRecord) error {
	fileHash := hashHex(raw)

	d.mu.RLock()
	knownHash, seen := d.known[walletID]
	d.mu.RUnlock()

	if seen && knownHash != fileHash {
		return fmt.Errorf("%w: on-disk bytes for %q changed since last verified write", model.ErrTamperDetected, walletID)
	}

	want, err := RecordChecksum(rec)
	if err != nil {
		return fmt.Errorf("%w: cannot compute record checksum: %v", model.ErrTamperDetected, err)
	}
	if rec.Checksum == "" || rec.Checksum != want {
		return fmt.Errorf("%w: record checksum mismatch for %q", model.ErrTamperDetected, walletID)
	}

	return nil
}

// UpdateChecksum records raw as the last-known-good bytes for walletID.
// Called after every successful write.
func (d *TamperDetector) UpdateChecksum(walletID string, raw []byte) {
	d.mu.Lock()
	d.known[walletID] = hashHex(raw)
	d.mu.Unlock()
}

// Forget drops the stored hash for walletID.
func (d *TamperDetector) Forget(walletID string) {
	d.mu.Lock()
	delete(d.known, walletID)
	d.mu.Unlock()
}

// RecordChecksum computes the canonical checksum of a record: hex SHA-256
// over the JSON serialization with the checksum field blank.
func RecordChecksum(rec *model.WalletRecord) (string, error) {
	c := *rec
	c.Checksum = ""
	b, err := json.Marshal(&c)
	if err != nil {
		return "", err
	}
	return hashHex(b), nil
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
