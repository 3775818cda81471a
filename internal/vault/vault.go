// Package vault is the encryption boundary isolating PHI at rest. Every
// sensitive field value passes through here before persistence, and again
// on the way out. Nothing outside this package touches key material.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	dErrors "sapdash/pkg/domain-errors"
)

// SecretSource supplies the current master secret. Implementations may read
// the environment, a mounted file, or an external secret manager; callers
// never know which.
type SecretSource interface {
	CurrentKey() ([]byte, error)
}

// hkdfInfo binds derived keys to this purpose so the same master secret
// reused elsewhere yields unrelated key material.
const hkdfInfo = "sapdash/phi-vault/aes-256-gcm"

// Vault performs authenticated encryption of individual PHI field values
// with a single process-wide key. Ciphertexts are nonce-prefixed AES-256-GCM;
// any tamper or truncation makes Decrypt fail closed.
type Vault struct {
	aead cipher.AEAD
}

// New derives the AEAD key from the secret source via HKDF-SHA256 and
// holds it in memory only. Called once at process start.
func New(source SecretSource) (*Vault, error) {
	secret, err := source.CurrentKey()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeVault, "load vault key")
	}
	if len(secret) == 0 {
		return nil, dErrors.New(dErrors.CodeVault, "vault key is empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeVault, "derive vault key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeVault, "create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeVault, "create GCM")
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals a single field value. The empty string maps to the empty
// ciphertext sentinel so absence is distinguishable from an encrypted empty
// value without a decrypt round trip.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeVault, "nonce generation failed")
	}
	return v.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a sealed field value. Tampered or truncated input fails
// with a vault-coded error rather than returning corrupted plaintext.
func (v *Vault) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", dErrors.New(dErrors.CodeVault, "ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeVault, "decrypt failed")
	}
	return string(plaintext), nil
}
