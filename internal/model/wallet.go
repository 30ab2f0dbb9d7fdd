package model

// WalletRecord is the on-disk structure for one wallet identity (.wlt file).
// Immutable once written; rotation writes a new record that supersedes the
// old one, it never mutates in place.
type WalletRecord struct {
	WalletID      string `json:"walletId"`
	Network       string `json:"network"`
	Address       string `json:"address"`
	QR            string `json:"QR,omitempty"`
	Salt          string `json:"salt"`
	Nonce         string `json:"nonce"`
	CipherText    string `json:"cipherText"`
	CreatedAt     string `json:"createdAt"`
	RotationCount int    `json:"rotationCount"`
	// Checksum is hex SHA-256 over the serialized record with this field
	// blank. Distinct from the GCM tag: it covers the whole record, so a
	// flipped byte in any field fails before decryption is attempted.
	Checksum string `json:"checksum"`
}

// WalletData represents decrypted wallet data
type WalletData struct {
	PrivateKey []byte `json:"privateKey"` // 64 bytes (stored as base64 in JSON)
	CreatedAt  string `json:"createdAt"`
}
