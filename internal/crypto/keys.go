package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is a base64-encoded NaCl box key pair.
type KeyPair struct {
	PublicKey string
	SecretKey string
}

// GenerateKeyPair creates a new form key pair. Forms are created with the
// public key; the secret key stays with the form admin.
func GenerateKeyPair() (KeyPair, error) {
	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return KeyPair{
		PublicKey: base64.StdEncoding.EncodeToString(pk[:]),
		SecretKey: base64.StdEncoding.EncodeToString(sk[:]),
	}, nil
}

// ValidateSecretKey reports whether secretKey is a base64 box key. Errors wrap ErrInvalidKey.
func ValidateSecretKey(secretKey string) error {
	_, err := decodeKey(secretKey)
	return err
}

// PublicKeyFor derives the form public key from its secret key.
func PublicKeyFor(secretKey string) (string, error) {
	sk, err := decodeKey(secretKey)
	if err != nil {
		return "", err
	}
	pk, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pk), nil
}

// EncryptContent seals plaintext for a form public key in the submission wire
// format, using a fresh ephemeral key pair.
func EncryptContent(formPublicKey string, plaintext []byte) (string, error) {
	file, err := EncryptFile(formPublicKey, plaintext)
	if err != nil {
		return "", err
	}
	return file.SubmissionPublicKey + ";" + file.Nonce + ":" + base64.StdEncoding.EncodeToString(file.Binary), nil
}

// EncryptFile seals an attachment for a form public key.
func EncryptFile(formPublicKey string, plaintext []byte) (EncryptedFile, error) {
	formPK, err := decodeKey(formPublicKey)
	if err != nil {
		return EncryptedFile{}, err
	}
	ephPK, ephSK, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return EncryptedFile{}, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return EncryptedFile{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := box.Seal(nil, plaintext, &nonce, formPK, ephSK)
	return EncryptedFile{
		SubmissionPublicKey: base64.StdEncoding.EncodeToString(ephPK[:]),
		Nonce:               base64.StdEncoding.EncodeToString(nonce[:]),
		Binary:              sealed,
	}, nil
}
