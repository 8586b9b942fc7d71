// Package identity manages the per-instance RSA keypair and derived id, and
// implements signing/verification of instance descriptors.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const keyBits = 2048

// Identity is this instance's stable cryptographic identity. It is built
// once at startup and passed into every component that signs or compares
// instance ids.
type Identity struct {
	key    *rsa.PrivateKey
	pubPEM string
	id     string
}

// LoadOrGenerate loads the keypair at path, migrating one found at
// legacyPath if present, or generates and persists a fresh keypair on first
// run. The returned bool reports whether a new keypair was generated. A
// present-but-unreadable key is the one startup-fatal condition in the
// subsystem: without it the instance has no stable identity.
func LoadOrGenerate(path, legacyPath string, logger *zap.Logger) (*Identity, bool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if legacyPath != "" {
			if _, lerr := os.Stat(legacyPath); lerr == nil {
				if err := migrateKey(legacyPath, path); err != nil {
					return nil, false, fmt.Errorf("migrate keypair: %w", err)
				}
				logger.Info("migrated keypair from legacy location",
					zap.String("from", legacyPath), zap.String("to", path))
			}
		}
	}

	if _, err := os.Stat(path); err == nil {
		id, err := loadKey(path)
		if err != nil {
			return nil, false, err
		}
		return id, false, nil
	}

	id, err := generateKey(path)
	if err != nil {
		return nil, false, err
	}
	logger.Info("generated new instance keypair", zap.String("path", path), zap.String("instance_id", id.ID()))
	return id, true, nil
}

func migrateKey(from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move key file: %w", err)
	}
	return nil
}

func loadKey(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("keypair %s: no PEM block found", path)
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse keypair %s: %w", path, err)
		}
	case "PRIVATE KEY":
		parsed, perr := x509.ParsePKCS8PrivateKey(block.Bytes)
		if perr != nil {
			return nil, fmt.Errorf("parse keypair %s: %w", path, perr)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("keypair %s: not an RSA key", path)
		}
		key = rsaKey
	default:
		return nil, fmt.Errorf("keypair %s: unexpected PEM type %q", path, block.Type)
	}

	return fromKey(key)
}

func generateKey(path string) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write keypair %s: %w", path, err)
	}
	return fromKey(key)
}

func fromKey(key *rsa.PrivateKey) (*Identity, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return &Identity{
		key:    key,
		pubPEM: pubPEM,
		id:     DeriveID(pubPEM),
	}, nil
}

// ID returns the stable instance identifier, the SHA-256 of the public key
// PEM. Forging an id therefore requires forging the keypair.
func (i *Identity) ID() string { return i.id }

// DeriveID computes the instance id for a PEM-encoded public key. Receivers
// recompute ids instead of trusting the claimed one.
func DeriveID(pubkeyPEM string) string {
	sum := sha256.Sum256([]byte(pubkeyPEM))
	return hex.EncodeToString(sum[:])
}

// PublicKeyPEM returns the PEM-encoded public key.
func (i *Identity) PublicKeyPEM() string { return i.pubPEM }

// Sign produces an RSA-SHA256 signature over the canonical byte form of the
// field set.
func (i *Identity) Sign(fields map[string]string) ([]byte, error) {
	digest := sha256.Sum256(CanonicalBytes(fields))
	sig, err := rsa.SignPKCS1v15(rand.Reader, i.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign descriptor: %w", err)
	}
	return sig, nil
}

// CanonicalBytes renders a field set as sorted key=value lines so that
// signatures are deterministic regardless of map iteration order.
func CanonicalBytes(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Verifier verifies descriptor signatures against embedded public keys. It
// implements federation.Verifier.
type Verifier struct{}

// Verify checks an RSA-SHA256 signature over the canonical field bytes
// against the given PEM-encoded public key.
func (Verifier) Verify(fields map[string]string, signature []byte, pubkeyPEM string) error {
	block, _ := pem.Decode([]byte(pubkeyPEM))
	if block == nil {
		return errors.New("no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("unsupported public key type %T", parsed)
	}
	digest := sha256.Sum256(CanonicalBytes(fields))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	return nil
}
