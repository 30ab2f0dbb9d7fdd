package model

import "time"

// EventType classifies an audit entry.
type EventType string

const (
	EventCreation          EventType = "creation"
	EventSigningAttempt    EventType = "signing_attempt"
	EventSigningSuccess    EventType = "signing_success"
	EventSigningFailure    EventType = "signing_failure"
	EventRotation          EventType = "rotation"
	EventDecryptionFailure EventType = "decryption_failure"
	EventTamperDetected    EventType = "tamper_detected"
	EventLockout           EventType = "lockout"
)

// AuditEntry is one append-only audit record. Details must never contain key
// bytes or passwords; entries are appended in operation-completion order.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"eventType"`
	WalletID  string                 `json:"walletId"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
