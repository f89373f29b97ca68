package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/dotcommander/ciris/internal/models"
)

// EmergencyReplayWindow bounds how stale a signed shutdown command may be.
// Commands timestamped outside ±5 minutes are rejected to prevent replay.
const EmergencyReplayWindow = 5 * time.Minute

// EmergencyAuthenticator validates signed emergency shutdown commands. The
// command authenticates with an HMAC-SHA256 under a pre-shared authority
// key, bypassing the normal auth path so a compromised runtime can still be
// stopped.
type EmergencyAuthenticator struct {
	key []byte
}

// NewEmergencyAuthenticator builds an authenticator over the trusted
// authority key.
func NewEmergencyAuthenticator(key []byte) (*EmergencyAuthenticator, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("emergency authority key must be at least 16 bytes, got %d", len(key))
	}
	return &EmergencyAuthenticator{key: key}, nil
}

// SignCommand computes the signature for a command. Used by operators (and
// tests) to produce valid commands.
func (a *EmergencyAuthenticator) SignCommand(cmd *models.EmergencyCommand) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(commandDigestInput(cmd))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate checks the command's signature and timestamp window. Returns
// nil on acceptance; the caller audits both outcomes.
func (a *EmergencyAuthenticator) Authenticate(cmd *models.EmergencyCommand, now time.Time) error {
	if cmd.Reason == "" {
		return fmt.Errorf("emergency command requires a reason")
	}
	drift := now.Sub(cmd.Timestamp)
	if drift < 0 {
		drift = -drift
	}
	if drift > EmergencyReplayWindow {
		return fmt.Errorf("emergency command timestamp outside ±%s window (drift %s)", EmergencyReplayWindow, drift)
	}

	expected := a.SignCommand(cmd)
	if !hmac.Equal([]byte(expected), []byte(cmd.Signature)) {
		return fmt.Errorf("emergency command signature invalid")
	}
	return nil
}

// commandDigestInput is the byte string the HMAC covers. Timestamp is
// reduced to unix seconds so signer and verifier agree regardless of
// serialisation precision.
func commandDigestInput(cmd *models.EmergencyCommand) []byte {
	return []byte(cmd.Reason + "|" + strconv.FormatInt(cmd.Timestamp.Unix(), 10) + "|" + strconv.FormatBool(cmd.Force))
}
