package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/narratia/inkflow/pkg/schema"
)

const (
	keyLen            = 32
	defaultIterations = 100_000
)

// VaultConfig selects the AES key source. A raw MasterKey wins when set;
// otherwise the key is derived from Passphrase and Salt with PBKDF2.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

// AESVault seals provider API keys with AES-256-GCM before they reach the
// store. Plaintext exists only in memory, between Resolve and the provider
// call that consumes it.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func (cfg VaultConfig) key() ([]byte, error) {
	switch {
	case len(cfg.MasterKey) > 0:
		if len(cfg.MasterKey) != keyLen {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"vault master key must be %d bytes, got %d", keyLen, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault,
			"vault needs a master key or a passphrase")
	case len(cfg.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault,
			"vault passphrase needs a salt")
	}
	iters := cfg.Iterations
	if iters <= 0 {
		iters = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iters, keyLen)
}

// Store seals the value and persists it under key. Keys follow the
// "provider:<name>" convention used by the provider registry.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	sealed, err := v.seal(value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, sealed)
}

// Resolve fetches and opens the sealed value for key.
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(sealed)
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

// seal prefixes the ciphertext with a fresh random nonce.
func (v *AESVault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) open(sealed []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return nil, schema.NewError(schema.ErrCodeVault, "sealed secret is truncated")
	}
	plaintext, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret cannot be opened: %s", err.Error())
	}
	return plaintext, nil
}
