package model

import "errors"

// Error kinds for the custody subsystem. Callers match with errors.Is; every
// failure returned by this module wraps exactly one of these.
var (
	// ErrEncryption is a random-generation or cipher failure during a write.
	ErrEncryption = errors.New("encryption failure")

	// ErrDecryption is a wrong password or corrupted ciphertext. Increments
	// the lockout counter, never retried automatically.
	ErrDecryption = errors.New("decryption failed")

	// ErrTamperDetected is a checksum mismatch on a stored record. The load
	// is aborted before any decryption is attempted.
	ErrTamperDetected = errors.New("tamper detected")

	// ErrRateLimited means two signing calls arrived closer together than
	// the minimum interval. Back off and retry after the interval.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrLockedOut means the wallet is in a lockout cooldown after repeated
	// failed decryption attempts.
	ErrLockedOut = errors.New("wallet locked out")

	// ErrRotation means a rotation was aborted; the prior signing state is
	// preserved and the operation is safe to retry.
	ErrRotation = errors.New("rotation failed")

	// ErrStorageIO is a filesystem failure, distinct from cryptographic
	// failures so callers can apply a different retry policy.
	ErrStorageIO = errors.New("storage i/o failure")

	// ErrInvalidKeypair means decrypted bytes do not form a valid keypair.
	// Treated as a corruption signal, same severity as tamper.
	ErrInvalidKeypair = errors.New("invalid keypair")

	// ErrSigning is a failure of the signing step itself (ordering token
	// unavailable, or the handle cannot serve the transaction's signer).
	ErrSigning = errors.New("signing failed")

	// ErrTimeout is a storage or lock operation exceeding its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrWalletExists is returned by wallet creation when a non-empty record
	// already exists for the identity.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrWalletNotFound is returned when no record exists for the identity.
	ErrWalletNotFound = errors.New("wallet not found")
)

// IsTamperDetected checks if error is a tamper failure
func IsTamperDetected(err error) bool {
	return errors.Is(err, ErrTamperDetected)
}

// IsLockedOut checks if error is a lockout rejection
func IsLockedOut(err error) bool {
	return errors.Is(err, ErrLockedOut)
}

// IsRateLimited checks if error is a rate-limit rejection
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
