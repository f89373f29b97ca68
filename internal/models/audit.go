package models

import (
	"encoding/json"
	"time"
)

// GenesisHash is the previous_hash of the first entry in the chain.
const GenesisHash = "genesis"

// AuditEntry is one row of the append-only, hash-chained, signed audit
// log. Rows are never updated and never deleted.
type AuditEntry struct {
	EntryID        int64           `json:"entry_id"`
	EventID        string          `json:"event_id"`
	EventTimestamp time.Time       `json:"event_timestamp"`
	EventType      string          `json:"event_type"`
	OriginatorID   string          `json:"originator_id"`
	EventPayload   json.RawMessage `json:"event_payload"`
	SequenceNumber int64           `json:"sequence_number"`
	PreviousHash   string          `json:"previous_hash"`
	EntryHash      string          `json:"entry_hash"`
	Signature      string          `json:"signature"`
	SigningKeyID   string          `json:"signing_key_id"`
}

// SigningKey is a registered audit signing keypair. The private half lives
// on disk with 0600 permissions; only the public key is stored.
type SigningKey struct {
	KeyID        string     `json:"key_id"`
	PublicKeyPEM string     `json:"public_key_pem"`
	Algorithm    string     `json:"algorithm"`
	KeySize      int        `json:"key_size"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Audit event types emitted by the core. Handlers and services may also
// emit custom types up to 128 chars.
const (
	AuditEventHandlerAction        = "handler_action"
	AuditEventGuardrailBreach      = "guardrail_breach"
	AuditEventStateTransition      = "state_transition"
	AuditEventForcedTransition     = "forced_state_transition"
	AuditEventMemorize             = "memorize"
	AuditEventRecall               = "recall"
	AuditEventForget               = "forget"
	AuditEventDeferral             = "deferral"
	AuditEventAuthSuccess          = "auth_success"
	AuditEventAuthFailure          = "auth_failure"
	AuditEventPermissionDenied     = "permission_denied"
	AuditEventConfigChange         = "config_change"
	AuditEventKeyRotation          = "key_rotation"
	AuditEventEmergencyAttempt     = "emergency_shutdown_attempt"
	AuditEventEmergencyInitiated   = "emergency_shutdown_initiated"
	AuditEventStartupCleanup       = "startup_cleanup"
	AuditEventConsolidation        = "consolidation"
	AuditEventVarianceReview       = "identity_variance_review"
	AuditEventAdaptationStop       = "adaptation_emergency_stop"
)

// VerificationReport is the outcome of a chain verification pass.
// Verification never auto-repairs: a failed report carries the first
// tampered sequence for operators to act on.
type VerificationReport struct {
	Valid              bool     `json:"valid"`
	EntriesVerified    int      `json:"entries_verified"`
	HashChainValid     bool     `json:"hash_chain_valid"`
	SignaturesValid    bool     `json:"signatures_valid"`
	HashChainErrors    []string `json:"hash_chain_errors,omitempty"`
	SignatureErrors    []string `json:"signature_errors,omitempty"`
	FirstTamperedSeq   int64    `json:"first_tampered_seq,omitempty"`
	VerificationTimeMs int64    `json:"verification_time_ms"`
}

// EmergencyCommand is the signed out-of-band shutdown request. Signature is
// an HMAC-SHA256 over reason|timestamp|force under a trusted authority
// key; timestamps outside the replay window are rejected.
type EmergencyCommand struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Force     bool      `json:"force"`
	Signature string    `json:"signature"`
}
