// Package keystore owns the asymmetric key pair used to sign and verify
// offline license tokens. The private key never leaves this package;
// everything else works with tokens and the public key snapshot.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v4"

	apperrors "keymint/internal/errors"
)

const (
	// KeyBits is the RSA modulus size for newly generated pairs.
	KeyBits = 4096

	privateKeyFile = "signing_key.pem"
	publicKeyFile  = "signing_key.pub.pem"
)

// ErrKeyExists is returned when Generate would overwrite a pair already
// in use. Overwriting silently would invalidate every issued token, so
// rotation must be an explicit operator decision.
var ErrKeyExists = errors.New("signing key pair already exists")

// Custodian signs payloads and verifies tokens. Issuer and verifier
// receive this interface so tests can substitute an in-memory pair.
type Custodian interface {
	// Sign produces a compact signed token from the given claims.
	Sign(claims jwt.Claims) (string, error)
	// Verify parses token into claims, rejecting bad signatures.
	Verify(token string, claims jwt.Claims) error
	// PublicKeyPEM returns the PEM-encoded public key snapshot stored
	// alongside issued licenses for offline verification.
	PublicKeyPEM() string
}

// FileCustodian is the production custodian backed by a two-file PEM
// store: restricted private key, world-readable public key.
type FileCustodian struct {
	privateKey *rsa.PrivateKey
	publicPEM  string
	logger     *slog.Logger
}

// Generate creates a new RSA-4096 pair under dir. It refuses to replace
// an existing pair unless force is set.
func Generate(dir string, force bool, logger *slog.Logger) error {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	if !force {
		if _, err := os.Stat(privPath); err == nil {
			return fmt.Errorf("%w at %s", ErrKeyExists, privPath)
		}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})

	// O_EXCL guards the unforced path against a concurrent generator.
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	privFile, err := os.OpenFile(privPath, flags, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w at %s", ErrKeyExists, privPath)
		}
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if _, err := privFile.Write(privPEM); err != nil {
		privFile.Close()
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := privFile.Close(); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	logger.Info("signing key pair generated",
		slog.String("private_key", privPath),
		slog.String("public_key", pubPath),
		slog.Int("bits", KeyBits),
	)
	return nil
}

// Load opens an existing pair from dir. A missing or unreadable pair is
// the fatal ErrKeyStoreUnavailable condition: the system cannot safely
// issue or verify anything without its keys.
func Load(dir string, logger *slog.Logger) (*FileCustodian, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrKeyStoreUnavailable, privPath, err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: %s is not valid PEM", apperrors.ErrKeyStoreUnavailable, privPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private key: %v", apperrors.ErrKeyStoreUnavailable, err)
	}

	pubPEM, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrKeyStoreUnavailable, pubPath, err)
	}

	logger.Info("signing key pair loaded",
		slog.String("key_dir", dir),
		slog.Int("bits", key.N.BitLen()),
	)

	return &FileCustodian{
		privateKey: key,
		publicPEM:  string(pubPEM),
		logger:     logger.With(slog.String("component", "keystore")),
	}, nil
}

// NewMemoryCustodian wraps an in-memory key pair. Test seam; also used
// by the admin CLI immediately after generation.
func NewMemoryCustodian(key *rsa.PrivateKey) (*FileCustodian, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return &FileCustodian{
		privateKey: key,
		publicPEM:  string(pubPEM),
		logger:     slog.Default(),
	}, nil
}

// Sign produces an RS256 compact token for the given claims.
func (c *FileCustodian) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates token into claims. Any signature or
// structural failure maps to ErrInvalidToken; expiry is checked by the
// caller so it can report Expired distinctly.
func (c *FileCustodian) Verify(tokenString string, claims jwt.Claims) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		// Expiry is reported as a distinct outcome by the verifier.
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return &c.privateKey.PublicKey, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidToken, err)
	}
	return nil
}

// PublicKeyPEM returns the PEM-encoded public key.
func (c *FileCustodian) PublicKeyPEM() string {
	return c.publicPEM
}

// VerifyWithPublicKey validates a token against a detached PEM public
// key, with no custodian at all. This is the fully offline path used by
// clients holding only the public-key snapshot issued with the license.
func VerifyWithPublicKey(publicPEM, tokenString string, claims jwt.Claims) error {
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
	if err != nil {
		return fmt.Errorf("%w: bad public key: %v", apperrors.ErrInvalidToken, err)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err = parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return pub, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidToken, err)
	}
	return nil
}
