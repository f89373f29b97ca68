package audit

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

const (
	privateKeyFile = "audit_private.pem"
	publicKeyFile  = "audit_public.pem"

	keyAlgorithm = "rsa-pss"
	keyBits      = 2048
)

// SignatureManager owns the audit signing keypair. The private key lives on
// disk with 0600 permissions; every public key ever used is registered in
// audit_signing_keys so old entries stay verifiable after rotation.
type SignatureManager struct {
	db     *sql.DB
	keyDir string

	keyID   string
	private *rsa.PrivateKey
}

// NewSignatureManager loads the existing keypair from keyDir or generates a
// fresh 2048-bit RSA-PSS pair, registers the public key and returns the
// manager ready to sign.
func NewSignatureManager(db *sql.DB, keyDir string) (*SignatureManager, error) {
	m := &SignatureManager{db: db, keyDir: keyDir}

	keyPath := filepath.Join(keyDir, privateKeyFile)
	if _, err := os.Stat(keyPath); err == nil {
		if err := m.loadKey(keyPath); err != nil {
			return nil, err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := m.generateKey(); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("stat private key: %w", err)
	}

	return m, nil
}

// KeyID returns the active signing key id.
func (m *SignatureManager) KeyID() string {
	return m.keyID
}

// Sign produces an RSA-PSS signature (base64) over the entry hash. PSS uses
// a random salt, so signing the same payload twice yields different
// signatures that both verify.
func (m *SignatureManager) Sign(entryHash string) (string, error) {
	digest := sha256.Sum256([]byte(entryHash))
	sig, err := rsa.SignPSS(rand.Reader, m.private, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("sign entry hash: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature under the named key, which may be revoked:
// revoked keys remain resolvable so older entries stay verifiable.
func (m *SignatureManager) Verify(entryHash, signature, keyID string) error {
	pub, err := m.lookupPublicKey(keyID)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256([]byte(entryHash))
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	}); err != nil {
		return fmt.Errorf("verify signature under key %s: %w", keyID, err)
	}
	return nil
}

// RotateKeys generates a new active keypair and marks the previous key
// revoked. The old public key stays registered for verification.
func (m *SignatureManager) RotateKeys() (string, error) {
	oldKeyID := m.keyID
	if err := m.generateKey(); err != nil {
		return "", err
	}
	if oldKeyID != "" {
		err := store.Transact(m.db, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(context.Background(),
				`UPDATE audit_signing_keys SET revoked_at = ? WHERE key_id = ?`,
				time.Now().UTC(), oldKeyID)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("revoke previous key: %w", err)
		}
	}
	return m.keyID, nil
}

func (m *SignatureManager) loadKey(keyPath string) error {
	raw, err := os.ReadFile(keyPath) //nolint:gosec // G304: keyPath derived from trusted key dir
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return errors.New("private key file is not PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	m.private = key
	m.keyID = fingerprintKeyID(&key.PublicKey)

	// Re-register in case the keys table was reset under an existing key dir.
	return m.registerPublicKey()
}

func (m *SignatureManager) generateKey() error {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	m.private = key
	m.keyID = fingerprintKeyID(&key.PublicKey)

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.MkdirAll(m.keyDir, 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	keyPath := filepath.Join(m.keyDir, privateKeyFile)
	if err := os.WriteFile(keyPath, privPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPEM, err := publicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	pubPath := filepath.Join(m.keyDir, publicKeyFile)
	if err := os.WriteFile(pubPath, []byte(pubPEM), 0644); err != nil { //nolint:gosec // G306: public key is public
		return fmt.Errorf("write public key: %w", err)
	}

	return m.registerPublicKey()
}

func (m *SignatureManager) registerPublicKey() error {
	pubPEM, err := publicKeyPEM(&m.private.PublicKey)
	if err != nil {
		return err
	}
	return store.Transact(m.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(), `
			INSERT OR IGNORE INTO audit_signing_keys (key_id, public_key_pem, algorithm, key_size, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, m.keyID, pubPEM, keyAlgorithm, keyBits, time.Now().UTC())
		return err
	})
}

func (m *SignatureManager) lookupPublicKey(keyID string) (*rsa.PublicKey, error) {
	var pemStr string
	err := store.RetryWithBackoff(func() error {
		return m.db.QueryRowContext(context.Background(),
			`SELECT public_key_pem FROM audit_signing_keys WHERE key_id = ?`, keyID).Scan(&pemStr)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signing key %s: %w", keyID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup signing key: %w", err)
	}
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("registered key %s is not PEM", keyID)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse registered key %s: %w", keyID, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("registered key %s is not RSA", keyID)
	}
	return rsaPub, nil
}

// ListKeys returns all registered signing keys, active and revoked.
func (m *SignatureManager) ListKeys() ([]*models.SigningKey, error) {
	var keys []*models.SigningKey
	err := store.RetryWithBackoff(func() error {
		rows, err := m.db.QueryContext(context.Background(),
			`SELECT key_id, public_key_pem, algorithm, key_size, created_at, revoked_at FROM audit_signing_keys ORDER BY created_at ASC`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		keys = keys[:0]
		for rows.Next() {
			var k models.SigningKey
			var revoked sql.NullTime
			if scanErr := rows.Scan(&k.KeyID, &k.PublicKeyPEM, &k.Algorithm, &k.KeySize, &k.CreatedAt, &revoked); scanErr != nil {
				return scanErr
			}
			if revoked.Valid {
				t := revoked.Time
				k.RevokedAt = &t
			}
			keys = append(keys, &k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	return keys, nil
}

func publicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// fingerprintKeyID derives a stable key id from the public key modulus.
func fingerprintKeyID(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return "key_" + base64.RawURLEncoding.EncodeToString(sum[:12])
}
