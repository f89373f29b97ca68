package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dotcommander/ciris/internal/models"
)

// canonicalEntry is the hashable view of an audit entry: everything except
// entry_hash, signature and signing_key_id.
//
// Canonical JSON rules: UTF-8, keys sorted, no insignificant whitespace,
// stable numeric representation. encoding/json satisfies all three for
// map[string]any values (object keys are emitted sorted), so the canonical
// form is a marshal of a fully-decoded map.
func canonicalEntry(e *models.AuditEntry) ([]byte, error) {
	var payload any
	if len(e.EventPayload) > 0 {
		if err := json.Unmarshal(e.EventPayload, &payload); err != nil {
			return nil, fmt.Errorf("decode event payload for canonicalisation: %w", err)
		}
	}
	m := map[string]any{
		"event_id":        e.EventID,
		"event_timestamp": e.EventTimestamp.UTC().Format(time.RFC3339Nano),
		"event_type":      e.EventType,
		"originator_id":   e.OriginatorID,
		"event_payload":   payload,
		"sequence_number": e.SequenceNumber,
		"previous_hash":   e.PreviousHash,
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("canonicalise audit entry: %w", err)
	}
	return b, nil
}

// ComputeEntryHash returns the SHA-256 hex digest of the entry's canonical
// JSON form.
func ComputeEntryHash(e *models.AuditEntry) (string, error) {
	canonical, err := canonicalEntry(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
