package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidKey = errors.New("invalid key")

// SigningKey holds the material used to sign and verify tokens. Exactly one
// algorithm is accepted on verification.
type SigningKey struct {
	method jwt.SigningMethod
	sign   any
	verify any
}

func (k SigningKey) Algorithm() string {
	return k.method.Alg()
}

// HMACKey returns an HS256 key derived from a shared secret.
func HMACKey(secret string) (SigningKey, error) {
	if len(strings.TrimSpace(secret)) < 32 {
		return SigningKey{}, fmt.Errorf("%w: hmac secret must be at least 32 bytes", ErrInvalidKey)
	}
	b := []byte(secret)
	return SigningKey{method: jwt.SigningMethodHS256, sign: b, verify: b}, nil
}

// KeyPair builds an RS256 or ES256 key from PEM private and public keys. Each
// argument may be inline PEM or a file path.
func KeyPair(privatePEM, publicPEM string) (SigningKey, error) {
	signer, err := parsePrivateKey(privatePEM)
	if err != nil {
		return SigningKey{}, fmt.Errorf("parse private key: %w", err)
	}
	pub, err := parsePublicKey(publicPEM)
	if err != nil {
		return SigningKey{}, fmt.Errorf("parse public key: %w", err)
	}
	return keyFromPair(signer, pub)
}

func keyFromPair(signer crypto.Signer, pub crypto.PublicKey) (SigningKey, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		if _, ok := signer.Public().(*rsa.PublicKey); !ok {
			return SigningKey{}, fmt.Errorf("%w: key types differ", ErrInvalidKey)
		}
		return SigningKey{method: jwt.SigningMethodRS256, sign: signer, verify: pub}, nil
	case *ecdsa.PublicKey:
		if _, ok := signer.Public().(*ecdsa.PublicKey); !ok {
			return SigningKey{}, fmt.Errorf("%w: key types differ", ErrInvalidKey)
		}
		return SigningKey{method: jwt.SigningMethodES256, sign: signer, verify: pub}, nil
	default:
		return SigningKey{}, ErrInvalidKey
	}
}

func loadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s), nil
	}
	return os.ReadFile(s)
}

func parsePrivateKey(s string) (crypto.Signer, error) {
	pemBytes, err := loadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, ErrInvalidKey
		}
		return signer, nil
	default:
		return nil, ErrInvalidKey
	}
}

func parsePublicKey(s string) (crypto.PublicKey, error) {
	pemBytes, err := loadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}
