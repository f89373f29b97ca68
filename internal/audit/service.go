// Package audit implements the append-only, hash-chained, RSA-PSS-signed
// event log. Every security-relevant action in the core lands here; rows
// are never updated and never deleted, and any tampering is detectable by
// the verifier.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

const auditColumns = `entry_id, event_id, event_timestamp, event_type, originator_id, event_payload, sequence_number, previous_hash, entry_hash, signature, signing_key_id`

// auditTimeLayout is fixed-width (nanoseconds always 9 digits) so stored
// timestamps compare lexicographically in chronological order, which the
// windowed range queries rely on.
const auditTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Service appends signed entries to the audit chain. Appends are globally
// serialised: the mutex orders concurrent callers and the UNIQUE constraint
// on sequence_number backstops cross-process races.
type Service struct {
	db   *sql.DB
	keys *SignatureManager

	mu       sync.Mutex
	lastSeq  int64
	lastHash string
	primed   bool
}

// NewService builds an audit service over an opened database and key
// directory. Keys are loaded or generated on construction.
func NewService(db *sql.DB, keyDir string) (*Service, error) {
	keys, err := NewSignatureManager(db, keyDir)
	if err != nil {
		return nil, fmt.Errorf("init signature manager: %w", err)
	}
	return &Service{db: db, keys: keys}, nil
}

// Keys exposes the signature manager (verification, rotation).
func (s *Service) Keys() *SignatureManager {
	return s.keys
}

// Log appends one entry to the chain and returns it with hash, signature
// and sequence number filled in.
func (s *Service) Log(eventType, originatorID string, payload any) (*models.AuditEntry, error) {
	var payloadJSON json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode audit payload: %w", err)
		}
		payloadJSON = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.primeLocked(); err != nil {
		return nil, err
	}

	entry := &models.AuditEntry{
		EventID:        uuid.NewString(),
		EventTimestamp: time.Now().UTC(),
		EventType:      eventType,
		OriginatorID:   originatorID,
		EventPayload:   payloadJSON,
		SequenceNumber: s.lastSeq + 1,
		PreviousHash:   s.lastHash,
	}
	if entry.SequenceNumber == 1 {
		entry.PreviousHash = models.GenesisHash
	}

	hash, err := ComputeEntryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	sig, err := s.keys.Sign(hash)
	if err != nil {
		return nil, err
	}
	entry.Signature = sig
	entry.SigningKeyID = s.keys.KeyID()

	err = store.Transact(s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(context.Background(), `
			INSERT INTO audit_log_v2 (event_id, event_timestamp, event_type, originator_id, event_payload, sequence_number, previous_hash, entry_hash, signature, signing_key_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.EventID,
			entry.EventTimestamp.Format(auditTimeLayout),
			entry.EventType,
			entry.OriginatorID,
			nullableJSON(entry.EventPayload),
			entry.SequenceNumber,
			entry.PreviousHash,
			entry.EntryHash,
			entry.Signature,
			entry.SigningKeyID)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get audit entry id: %w", err)
		}
		entry.EntryID = id
		return nil
	})
	if err != nil {
		// The in-memory head may be stale after a failed insert (e.g. a
		// sequence collision from another process); re-prime on next call.
		s.primed = false
		return nil, err
	}

	s.lastSeq = entry.SequenceNumber
	s.lastHash = entry.EntryHash
	return entry, nil
}

// primeLocked loads the chain head (last sequence + hash) once per process.
func (s *Service) primeLocked() error {
	if s.primed {
		return nil
	}
	var seq sql.NullInt64
	var hash sql.NullString
	err := store.RetryWithBackoff(func() error {
		return s.db.QueryRowContext(context.Background(), `
			SELECT sequence_number, entry_hash FROM audit_log_v2
			ORDER BY sequence_number DESC LIMIT 1
		`).Scan(&seq, &hash)
	})
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load audit chain head: %w", err)
	}
	if seq.Valid {
		s.lastSeq = seq.Int64
		s.lastHash = hash.String
	} else {
		s.lastSeq = 0
		s.lastHash = models.GenesisHash
	}
	s.primed = true
	return nil
}

// Entry loads one audit entry by sequence number.
func (s *Service) Entry(seq int64) (*models.AuditEntry, error) {
	return getEntryBySeq(s.db, seq)
}

// Entries returns entries with sequence numbers in [startSeq, endSeq],
// ordered by sequence. Zero bounds mean unbounded.
func (s *Service) Entries(startSeq, endSeq int64) ([]*models.AuditEntry, error) {
	return getEntriesInRange(s.db, startSeq, endSeq)
}

// Count returns the number of entries in the chain.
func (s *Service) Count() (int64, error) {
	var n int64
	err := store.RetryWithBackoff(func() error {
		return s.db.QueryRowContext(context.Background(),
			`SELECT COUNT(*) FROM audit_log_v2`).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// EntriesInWindow returns entries whose event timestamp falls in
// [start, end). The consolidator builds audit summaries from this.
func (s *Service) EntriesInWindow(start, end time.Time) ([]*models.AuditEntry, error) {
	return queryEntries(s.db, `
		SELECT `+auditColumns+` FROM audit_log_v2
		WHERE event_timestamp >= ? AND event_timestamp < ?
		ORDER BY sequence_number ASC
	`, start.UTC().Format(auditTimeLayout), end.UTC().Format(auditTimeLayout))
}

func getEntryBySeq(db *sql.DB, seq int64) (*models.AuditEntry, error) {
	entries, err := queryEntries(db,
		`SELECT `+auditColumns+` FROM audit_log_v2 WHERE sequence_number = ?`, seq)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("audit entry seq %d: %w", seq, models.ErrNotFound)
	}
	return entries[0], nil
}

func getEntriesInRange(db *sql.DB, startSeq, endSeq int64) ([]*models.AuditEntry, error) {
	sqlQuery := `SELECT ` + auditColumns + ` FROM audit_log_v2 WHERE 1=1`
	args := []any{}
	if startSeq > 0 {
		sqlQuery += ` AND sequence_number >= ?`
		args = append(args, startSeq)
	}
	if endSeq > 0 {
		sqlQuery += ` AND sequence_number <= ?`
		args = append(args, endSeq)
	}
	sqlQuery += ` ORDER BY sequence_number ASC`
	return queryEntries(db, sqlQuery, args...)
}

func queryEntries(db *sql.DB, sqlQuery string, args ...any) ([]*models.AuditEntry, error) {
	var entries []*models.AuditEntry
	err := store.RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(), sqlQuery, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		entries = entries[:0]
		for rows.Next() {
			e, scanErr := scanEntryRow(rows)
			if scanErr != nil {
				return scanErr
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	return entries, nil
}

func scanEntryRow(row interface{ Scan(dest ...any) error }) (*models.AuditEntry, error) {
	var e models.AuditEntry
	var ts string
	var payload sql.NullString
	if err := row.Scan(
		&e.EntryID,
		&e.EventID,
		&ts,
		&e.EventType,
		&e.OriginatorID,
		&payload,
		&e.SequenceNumber,
		&e.PreviousHash,
		&e.EntryHash,
		&e.Signature,
		&e.SigningKeyID,
	); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(auditTimeLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
	}
	e.EventTimestamp = parsed
	if payload.Valid && payload.String != "" {
		e.EventPayload = json.RawMessage(payload.String)
	}
	return &e, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
