package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/ddr4869/organchain/common/types"
	"github.com/pkg/errors"
)

// KeySize is the length of the ledger secret key (AES-256).
const KeySize = 32

// ErrDecryption marks a ciphertext that cannot be opened with the current key.
// It concerns one entry only and is never fatal for the chain.
var ErrDecryption = errors.New("ledger entry cannot be decrypted")

// Envelope seals transaction payloads with AES-256-GCM under the process key.
// Ciphertext is nonce || sealed bytes, URL-safe base64 encoded.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope builds an envelope for a 32 byte key.
func NewEnvelope(key []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("invalid key size: expected %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AES cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}
	return &Envelope{aead: aead}, nil
}

// Encrypt serialises tx and seals it. Two calls with the same input yield
// different ciphertexts because of the random nonce.
func (e *Envelope) Encrypt(tx types.Transaction) (string, error) {
	plaintext, err := json.Marshal(tx)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal transaction")
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}

	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Every failure wraps ErrDecryption.
func (e *Envelope) Decrypt(ciphertext string) (types.Transaction, error) {
	var tx types.Transaction

	sealed, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return tx, errors.Wrap(ErrDecryption, "malformed ciphertext encoding")
	}
	if len(sealed) < e.aead.NonceSize() {
		return tx, errors.Wrap(ErrDecryption, "ciphertext shorter than nonce")
	}

	nonceSize := e.aead.NonceSize()
	plaintext, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return tx, errors.Wrap(ErrDecryption, "authentication failed")
	}

	if err := json.Unmarshal(plaintext, &tx); err != nil {
		return types.Transaction{}, errors.Wrap(ErrDecryption, "payload is not a transaction")
	}
	return tx, nil
}
