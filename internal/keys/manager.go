// Package keys manages the RS256 signing key pair used for every JWT the
// server issues. One key is active at a time; its public half is published
// through the JWKS endpoint so resource servers can verify tokens offline.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const (
	// rsaKeyBits is the RSA key size used for JWT signing. 2048 bits is the
	// minimum recommended for RS256.
	rsaKeyBits = 2048

	// privateKeyFile and publicKeyFile are the on-disk names used when the
	// server generates and persists its own key pair.
	privateKeyFile = "jwt_private.pem"
	publicKeyFile  = "jwt_public.pem"
)

// Config controls where the Manager looks for key material. The load order
// is: PEM from env values, PEM files on disk, then generation.
type Config struct {
	// PrivateKeyPEM and PublicKeyPEM hold PEM text passed via environment.
	// Either may be base64-wrapped (common when secrets managers mangle
	// newlines); the manager detects and unwraps that form.
	PrivateKeyPEM string
	PublicKeyPEM  string

	// PrivateKeyPath and PublicKeyPath point at PEM files on disk.
	PrivateKeyPath string
	PublicKeyPath  string

	// DataDir is where a generated key pair is persisted. When unwritable
	// the generated key is kept in memory only and a warning is logged —
	// every token is invalidated on the next restart.
	DataDir string
}

// JWK is the public JSON Web Key form of the active signing key (RFC 7517).
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Manager holds the active RSA key pair and its stable key id. The pair is
// initialized once at startup and read-only thereafter.
type Manager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	kid        string
}

// New loads or generates the signing key pair according to cfg.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	log := logger.Named("keys")

	if cfg.PrivateKeyPEM != "" && cfg.PublicKeyPEM != "" {
		m, err := fromPEM(unwrapBase64(cfg.PrivateKeyPEM), unwrapBase64(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("keys: loading key pair from environment: %w", err)
		}
		log.Info("loaded RSA key pair from environment", zap.String("kid", m.kid))
		return m, nil
	}

	if cfg.PrivateKeyPath != "" && cfg.PublicKeyPath != "" {
		privPEM, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("keys: reading private key file: %w", err)
		}
		pubPEM, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("keys: reading public key file: %w", err)
		}
		m, err := fromPEM(privPEM, pubPEM)
		if err != nil {
			return nil, fmt.Errorf("keys: loading key pair from files: %w", err)
		}
		log.Info("loaded RSA key pair from files", zap.String("kid", m.kid))
		return m, nil
	}

	// Reuse a previously generated pair from the data dir before minting a
	// new one, so restarts keep the same kid.
	if cfg.DataDir != "" {
		privPath := filepath.Join(cfg.DataDir, privateKeyFile)
		pubPath := filepath.Join(cfg.DataDir, publicKeyFile)
		privPEM, privErr := os.ReadFile(privPath)
		pubPEM, pubErr := os.ReadFile(pubPath)
		if privErr == nil && pubErr == nil {
			m, err := fromPEM(privPEM, pubPEM)
			if err != nil {
				return nil, fmt.Errorf("keys: loading persisted key pair: %w", err)
			}
			log.Info("loaded persisted RSA key pair", zap.String("kid", m.kid))
			return m, nil
		}
	}

	return generate(cfg.DataDir, log)
}

// generate mints a fresh 2048-bit RSA key pair and attempts to persist it to
// dataDir (private 0600, public 0644).
func generate(dataDir string, log *zap.Logger) (*Manager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("keys: generating RSA key pair: %w", err)
	}

	m, err := newManager(privateKey)
	if err != nil {
		return nil, err
	}

	if dataDir == "" {
		log.Warn("no data dir configured, keeping generated RSA key pair in memory only; tokens will not survive a restart")
		return m, nil
	}

	if err := persist(privateKey, dataDir); err != nil {
		log.Warn("could not persist generated RSA key pair, keeping it in memory only",
			zap.String("data_dir", dataDir),
			zap.Error(err),
		)
		return m, nil
	}

	log.Info("generated and persisted new RSA key pair",
		zap.String("kid", m.kid),
		zap.String("data_dir", dataDir),
	)
	return m, nil
}

// persist writes the key pair to dataDir.
func persist(key *rsa.PrivateKey, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(filepath.Join(dataDir, privateKeyFile), privPEM, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshaling public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	if err := os.WriteFile(filepath.Join(dataDir, publicKeyFile), pubPEM, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	return nil
}

// fromPEM parses PEM-encoded RSA key bytes. Supports PKCS#1 and PKCS#8
// private keys and PKIX public keys.
func fromPEM(privatePEM, publicPEM []byte) (*Manager, error) {
	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil {
		return nil, errors.New("keys: failed to decode private key PEM block")
	}

	var privateKey *rsa.PrivateKey
	switch privBlock.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("keys: parsing PKCS#1 private key: %w", err)
		}
		privateKey = key
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("keys: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("keys: PKCS#8 key is not an RSA key")
		}
		privateKey = rsaKey
	default:
		return nil, fmt.Errorf("keys: unsupported private key PEM type: %s", privBlock.Type)
	}

	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, errors.New("keys: failed to decode public key PEM block")
	}
	pubInterface, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parsing public key: %w", err)
	}
	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("keys: public key is not an RSA key")
	}

	if publicKey.N.Cmp(privateKey.PublicKey.N) != 0 || publicKey.E != privateKey.PublicKey.E {
		return nil, errors.New("keys: public key does not match private key")
	}

	return newManager(privateKey)
}

// newManager derives the key id and builds the Manager. The kid is the
// base64url SHA-256 fingerprint of the PKIX-encoded public key, so the same
// key always produces the same kid regardless of how it was loaded.
func newManager(key *rsa.PrivateKey) (*Manager, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keys: marshaling public key for kid: %w", err)
	}
	sum := sha256.Sum256(pubBytes)

	return &Manager{
		privateKey: key,
		publicKey:  &key.PublicKey,
		kid:        base64.RawURLEncoding.EncodeToString(sum[:16]),
	}, nil
}

// PrivateKey returns the active signing key.
func (m *Manager) PrivateKey() *rsa.PrivateKey { return m.privateKey }

// PublicKey returns the public half of the active signing key.
func (m *Manager) PublicKey() *rsa.PublicKey { return m.publicKey }

// KeyID returns the stable key id placed in every JWT header and JWKS entry.
func (m *Manager) KeyID() string { return m.kid }

// PublicJWK returns the active public key as a JWK: modulus and exponent as
// base64url-encoded unsigned big-endian integers per RFC 7518 §6.3.
func (m *Manager) PublicJWK() (JWK, error) {
	if m.publicKey == nil || m.publicKey.N == nil {
		return JWK{}, errors.New("keys: no public key available")
	}

	e := big.NewInt(int64(m.publicKey.E))

	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: m.kid,
		N:   base64.RawURLEncoding.EncodeToString(m.publicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(e.Bytes()),
	}, nil
}

// unwrapBase64 decodes env-provided PEM that was base64-wrapped to survive
// newline-hostile transports. Input that already looks like PEM is returned
// unchanged.
func unwrapBase64(s string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		if _, rest := pem.Decode(decoded); len(rest) < len(decoded) {
			return decoded
		}
	}
	return []byte(s)
}
