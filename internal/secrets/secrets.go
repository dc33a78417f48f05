// Package secrets encrypts and decrypts domain.Secret plaintext values
// using AES-256-GCM under the relay's RELAY_ENCRYPTION_KEY. No library in
// the reference corpus offers authenticated-encryption primitives better
// suited than the standard library's crypto/aes + crypto/cipher, so this
// package is a deliberate stdlib-only exception (see the grounding ledger).
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/store"
)

// Codec encrypts/decrypts secret plaintext with a single fixed 32-byte key.
type Codec struct {
	gcm cipher.AEAD
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: init gcm: %w", err)
	}
	return &Codec{gcm: gcm}, nil
}

// Encrypt returns nonce||ciphertext||tag, a self-contained blob.
func (c *Codec) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (c *Codec) Decrypt(blob []byte) (string, error) {
	nonceSize := c.gcm.NonceSize()
	if len(blob) < nonceSize {
		return "", fmt.Errorf("secrets: ciphertext shorter than nonce")
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Resolver implements the secret vault as a concrete REST-backed feature
// (§12) rather than treating it as an external collaborator with a
// getAllAsEnv() capability (§1). It stores ciphertext via the
// SessionStore and decrypts on demand with a single active Codec/key
// version; it never caches plaintext beyond one call's stack frame.
type Resolver struct {
	store      store.SessionStore
	codec      *Codec
	keyVersion int
}

func NewResolver(st store.SessionStore, codec *Codec, activeKeyVersion int) *Resolver {
	return &Resolver{store: st, codec: codec, keyVersion: activeKeyVersion}
}

// DecryptSecret decrypts one stored secret's ciphertext. Decrypting a
// ciphertext written under a different key version throws, since the
// GCM authentication tag will not verify against the current key.
func (r *Resolver) DecryptSecret(ctx context.Context, s *domain.Secret) (string, error) {
	return r.codec.Decrypt(s.Ciphertext)
}

// ResolveForEnvironment satisfies engine.SecretResolver: it decrypts
// every enabled secret into an env-var-name -> plaintext map. This
// single-user relay has no per-environment secret scoping beyond the
// enabled flag (§1 Non-goals: multi-tenant isolation is out of scope),
// so every enabled secret is visible to every sandbox.
func (r *Resolver) ResolveForEnvironment(ctx context.Context, environmentID string) (map[string]string, error) {
	all, err := r.store.ListSecrets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	out := make(map[string]string, len(all))
	for _, s := range all {
		if !s.Enabled {
			continue
		}
		plaintext, err := r.codec.Decrypt(s.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %s: %w", s.ID, err)
		}
		out[s.EnvVarName] = plaintext
	}
	return out, nil
}

// Set encrypts plaintext with the active key version and upserts the
// secret row, discarding the plaintext immediately after (§12: "PUT
// accepts a plaintext value, encrypts it... and discards the plaintext
// immediately after").
func (r *Resolver) Set(ctx context.Context, id, name, envVarName string, kind domain.SecretKind, enabled bool, plaintext string) (*domain.Secret, error) {
	ciphertext, err := r.codec.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}
	now := time.Now()
	if id == "" {
		id = uuid.NewString()
	}
	sec := &domain.Secret{
		ID: id, Name: name, EnvVarName: envVarName, Kind: kind, Enabled: enabled,
		Ciphertext: ciphertext, KeyVersion: r.keyVersion, CreatedAt: now, UpdatedAt: now,
	}
	if err := r.store.UpsertSecret(ctx, sec); err != nil {
		return nil, fmt.Errorf("upsert secret: %w", err)
	}
	return sec, nil
}
