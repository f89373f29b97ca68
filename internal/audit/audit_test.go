package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc, err := NewService(db, t.TempDir())
	require.NoError(t, err)
	return svc
}

func appendEntries(t *testing.T, svc *Service, n int) []*models.AuditEntry {
	t.Helper()
	entries := make([]*models.AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := svc.Log("handler_action", "tester", map[string]any{"index": i})
		require.NoError(t, err)
		entries = append(entries, e)
	}
	return entries
}

func TestChainLinkage(t *testing.T) {
	svc := newTestService(t)
	entries := appendEntries(t, svc, 5)

	require.Equal(t, models.GenesisHash, entries[0].PreviousHash)
	for i := 1; i < len(entries); i++ {
		require.Equal(t, entries[i-1].EntryHash, entries[i].PreviousHash)
		require.Equal(t, entries[i-1].SequenceNumber+1, entries[i].SequenceNumber)
	}
	require.EqualValues(t, 1, entries[0].SequenceNumber)

	report, err := NewVerifier(svc).VerifyComplete()
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 5, report.EntriesVerified)
}

func TestSignaturesAreNondeterministicButVerify(t *testing.T) {
	svc := newTestService(t)

	hash := "deadbeef"
	sig1, err := svc.Keys().Sign(hash)
	require.NoError(t, err)
	sig2, err := svc.Keys().Sign(hash)
	require.NoError(t, err)

	// PSS uses a random salt: same payload, different signatures.
	require.NotEqual(t, sig1, sig2)
	require.NoError(t, svc.Keys().Verify(hash, sig1, svc.Keys().KeyID()))
	require.NoError(t, svc.Keys().Verify(hash, sig2, svc.Keys().KeyID()))
}

func TestTamperDetectionAndFastFind(t *testing.T) {
	svc := newTestService(t)
	appendEntries(t, svc, 5)

	// Mutate the payload of sequence 3 directly in storage.
	err := store.Transact(svc.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(),
			`UPDATE audit_log_v2 SET event_payload = '{"index":999}' WHERE sequence_number = 3`)
		return err
	})
	require.NoError(t, err)

	verifier := NewVerifier(svc)
	report, err := verifier.VerifyComplete()
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.EqualValues(t, 3, report.FirstTamperedSeq)

	seq, err := verifier.FindFirstTampered()
	require.NoError(t, err)
	require.EqualValues(t, 3, seq)
}

func TestRangedVerification(t *testing.T) {
	svc := newTestService(t)
	appendEntries(t, svc, 6)

	report, err := NewVerifier(svc).VerifyRange(2, 4)
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 3, report.EntriesVerified)
}

func TestKeyRotationKeepsOldEntriesVerifiable(t *testing.T) {
	svc := newTestService(t)
	appendEntries(t, svc, 2)

	oldKeyID := svc.Keys().KeyID()
	newKeyID, err := svc.Keys().RotateKeys()
	require.NoError(t, err)
	require.NotEqual(t, oldKeyID, newKeyID)

	appendEntries(t, svc, 2)

	report, err := NewVerifier(svc).VerifyComplete()
	require.NoError(t, err)
	require.True(t, report.Valid)

	keys, err := svc.Keys().ListKeys()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	var revoked int
	for _, k := range keys {
		if k.RevokedAt != nil {
			revoked++
		}
	}
	require.Equal(t, 1, revoked)
}

func TestRootAnchoring(t *testing.T) {
	svc := newTestService(t)
	appendEntries(t, svc, 4)

	verifier := NewVerifier(svc)
	root, err := verifier.AnchorRange(1, 4)
	require.NoError(t, err)
	require.Len(t, root.RootHash, 64)

	report, err := verifier.VerifyRoot(root.RootID)
	require.NoError(t, err)
	require.True(t, report.Valid)
}

func TestEmergencyCommandAuthentication(t *testing.T) {
	auth, err := NewEmergencyAuthenticator([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	now := time.Now().UTC()
	cmd := &models.EmergencyCommand{Reason: "compromised", Timestamp: now, Force: true}
	cmd.Signature = auth.SignCommand(cmd)

	require.NoError(t, auth.Authenticate(cmd, now))

	// Replay outside the window is rejected.
	require.Error(t, auth.Authenticate(cmd, now.Add(6*time.Minute)))

	// A bad signature is rejected.
	forged := &models.EmergencyCommand{Reason: "compromised", Timestamp: now, Force: true, Signature: "bogus"}
	require.Error(t, auth.Authenticate(forged, now))

	// Flipping force invalidates the signature.
	flipped := &models.EmergencyCommand{Reason: "compromised", Timestamp: now, Force: false, Signature: cmd.Signature}
	require.Error(t, auth.Authenticate(flipped, now))
}

func TestCanonicalHashIsStable(t *testing.T) {
	entry := &models.AuditEntry{
		EventID:        "evt-1",
		EventTimestamp: time.Date(2025, 8, 1, 12, 0, 0, 123456789, time.UTC),
		EventType:      "handler_action",
		OriginatorID:   "tester",
		EventPayload:   []byte(`{"b": 2, "a": 1}`),
		SequenceNumber: 7,
		PreviousHash:   "prevhash",
	}
	h1, err := ComputeEntryHash(entry)
	require.NoError(t, err)
	// Key order in the payload must not matter.
	entry.EventPayload = []byte(`{"a": 1, "b": 2}`)
	h2, err := ComputeEntryHash(entry)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}
