// Package vault encrypts worker secrets at rest and resolves secret
// references in worker environments.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/mtzanidakis/hive/internal/store"
)

// RefPrefix marks an environment value that names a stored secret.
const RefPrefix = "secret:"

var ErrSecretNotFound = errors.New("secret not found")

// Vault provides AES-256-GCM encryption with a passphrase-derived key.
type Vault struct {
	aead cipher.AEAD
}

// New derives an AES-256 key from the passphrase via Argon2id. The salt is
// the SHA-256 of the passphrase, so a passphrase always yields the same key.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("empty vault passphrase")
	}
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != v.aead.NonceSize() {
		return nil, fmt.Errorf("decrypt: bad nonce length %d", len(nonce))
	}
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// SecretSource looks secrets up by name. *store.Store satisfies it.
type SecretSource interface {
	GetSecretByName(name string) (*store.Secret, error)
}

// ResolveEnv returns a copy of env with every "secret:NAME" value replaced
// by the decrypted secret.
func (v *Vault) ResolveEnv(env map[string]string, src SecretSource) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for k, val := range env {
		name, ok := strings.CutPrefix(val, RefPrefix)
		if !ok {
			out[k] = val
			continue
		}
		sec, err := src.GetSecretByName(name)
		if err != nil {
			return nil, fmt.Errorf("lookup secret %s: %w", name, err)
		}
		if sec == nil {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		plain, err := v.Decrypt(sec.Value, sec.Nonce)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", name, err)
		}
		out[k] = string(plain)
	}
	return out, nil
}
