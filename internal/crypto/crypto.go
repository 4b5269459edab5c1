package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	ferrors "github.com/brensch/formexport/internal/errors"

	"golang.org/x/crypto/nacl/box"
)

const (
	keySize   = 32
	nonceSize = 24
)

// EncryptedContent is the encrypted part of a submission.
type EncryptedContent struct {
	EncryptedContent string
	VerifiedContent  string
	Version          int
}

// DecryptedContent holds the plaintext JSON of a submission. Verified is nil
// when the submission carried no verified content.
type DecryptedContent struct {
	Responses []byte
	Verified  []byte
}

// EncryptedFile is an encrypted attachment as served by the attachment store.
type EncryptedFile struct {
	SubmissionPublicKey string `json:"submissionPublicKey"`
	Nonce               string `json:"nonce"`
	Binary              []byte `json:"-"`
}

// Crypto opens submissions and attachments and checks field signatures.
type Crypto interface {
	Decrypt(secretKey string, content EncryptedContent) (*DecryptedContent, error)
	DecryptFile(secretKey string, file EncryptedFile) ([]byte, error)
	VerifySignature(signature string, createdAt time.Time, fieldID, answer string) bool
}

// NaclCrypto implements Crypto with NaCl box and ed25519 signatures.
type NaclCrypto struct {
	verificationKey ed25519.PublicKey
	expiry          time.Duration
	logger          *slog.Logger
}

// NewNacl builds a NaclCrypto. verificationPublicKey is the base64 ed25519 key
// the verification service signs with; when empty every signed field fails.
func NewNacl(verificationPublicKey string, transactionExpiry time.Duration, logger *slog.Logger) (*NaclCrypto, error) {
	c := &NaclCrypto{expiry: transactionExpiry, logger: logger.With(slog.String("component", "crypto"))}
	if verificationPublicKey == "" {
		c.logger.Warn("No verification public key configured; signed fields will be reported as unverified.")
		return c, nil
	}
	raw, err := base64.StdEncoding.DecodeString(verificationPublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: verification public key must be %d base64 bytes", ferrors.ErrInvalidKey, ed25519.PublicKeySize)
	}
	c.verificationKey = ed25519.PublicKey(raw)
	return c, nil
}

// Decrypt opens the encrypted content, and the verified content when present.
func (c *NaclCrypto) Decrypt(secretKey string, content EncryptedContent) (*DecryptedContent, error) {
	sk, err := decodeKey(secretKey)
	if err != nil {
		return nil, err
	}
	responses, err := openContent(sk, content.EncryptedContent)
	if err != nil {
		return nil, fmt.Errorf("encrypted content: %w", err)
	}
	out := &DecryptedContent{Responses: responses}
	if content.VerifiedContent != "" {
		verified, err := openContent(sk, content.VerifiedContent)
		if err != nil {
			return nil, fmt.Errorf("verified content: %w", err)
		}
		out.Verified = verified
	}
	return out, nil
}

// DecryptFile opens an attachment.
func (c *NaclCrypto) DecryptFile(secretKey string, file EncryptedFile) ([]byte, error) {
	sk, err := decodeKey(secretKey)
	if err != nil {
		return nil, err
	}
	pk, err := decodeKey(file.SubmissionPublicKey)
	if err != nil {
		return nil, fmt.Errorf("submission public key: %w", err)
	}
	nonce, err := decodeNonce(file.Nonce)
	if err != nil {
		return nil, err
	}
	plain, ok := box.Open(nil, file.Binary, nonce, pk, sk)
	if !ok {
		return nil, fmt.Errorf("%w: attachment could not be opened", ferrors.ErrDecryption)
	}
	return plain, nil
}

// VerifySignature checks a signature string of the form
// f=<formId>&v=<transactionId>&t=<epochMillis>&s=<base64 signature>.
// The signature covers "<transactionId>.<formId>.<fieldId>.<answer>.<t>" and is
// only valid for submissions created within the transaction expiry after t.
func (c *NaclCrypto) VerifySignature(signature string, createdAt time.Time, fieldID, answer string) bool {
	if c.verificationKey == nil || signature == "" || answer == "" {
		return false
	}
	parts := parseSignature(signature)
	formID, txnID, ts, sig := parts["f"], parts["v"], parts["t"], parts["s"]
	if formID == "" || txnID == "" || ts == "" || sig == "" {
		return false
	}
	signedAtMs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	signedAt := time.UnixMilli(signedAtMs)
	if createdAt.Before(signedAt) || createdAt.After(signedAt.Add(c.expiry)) {
		return false
	}
	rawSig, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(rawSig) != ed25519.SignatureSize {
		return false
	}
	basestring := strings.Join([]string{txnID, formID, fieldID, answer, ts}, ".")
	return ed25519.Verify(c.verificationKey, []byte(basestring), rawSig)
}

func parseSignature(s string) map[string]string {
	out := make(map[string]string, 4)
	for _, kv := range strings.Split(s, "&") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// openContent opens "<submissionPublicKey>;<nonce>:<ciphertext>".
func openContent(sk *[keySize]byte, payload string) ([]byte, error) {
	pkPart, rest, ok := strings.Cut(payload, ";")
	if !ok {
		return nil, fmt.Errorf("%w: missing public key separator", ferrors.ErrDecryption)
	}
	noncePart, ctPart, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing nonce separator", ferrors.ErrDecryption)
	}
	pk, err := decodeKey(pkPart)
	if err != nil {
		return nil, fmt.Errorf("%w: submission public key: %v", ferrors.ErrDecryption, err)
	}
	nonce, err := decodeNonce(noncePart)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64: %v", ferrors.ErrDecryption, err)
	}
	plain, ok := box.Open(nil, ct, nonce, pk, sk)
	if !ok {
		return nil, fmt.Errorf("%w: content could not be opened with this secret key", ferrors.ErrDecryption)
	}
	return plain, nil
}

func decodeKey(s string) (*[keySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != keySize {
		return nil, fmt.Errorf("%w: expected %d base64 bytes", ferrors.ErrInvalidKey, keySize)
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

func decodeNonce(s string) (*[nonceSize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != nonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d base64 bytes", ferrors.ErrDecryption, nonceSize)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw)
	return &nonce, nil
}
