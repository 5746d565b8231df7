package verify

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
)

var (
	ErrInvalidPublicKey = errors.New("invalid_public_key")
)

// HMACSHA256 checks a base64 HMAC-SHA256 digest over the raw request body.
// The comparison is constant time; the payload must be the exact bytes the
// partner signed, before any parsing or re-serialization.
func HMACSHA256(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// RSASHA256 checks a base64 PKCS#1 v1.5 signature over the raw request
// body against a PEM public key.
func RSASHA256(payload []byte, signatureB64, publicKeyPEM string) error {
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature)
}

// ParsePublicKey accepts both PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC
// KEY") PEM encodings.
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, ErrInvalidPublicKey
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, ErrInvalidPublicKey
		}
		return key, nil
	default:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, ErrInvalidPublicKey
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, ErrInvalidPublicKey
		}
		return key, nil
	}
}
