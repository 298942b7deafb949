package substrate

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/rcrt/internal/crypto"
	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

// CreateSecret encrypts the plaintext behind the configured key and
// persists the wrapped envelope; the plaintext itself never touches the
// store or the response.
func (s *Substrate) CreateSecret(ctx context.Context, name string, scope model.SecretScope, scopeID, plaintext string) (*model.Secret, error) {
	if name == "" {
		return nil, rcrterr.BadRequest("secret name is required")
	}

	now := time.Now().UTC()
	sec := model.Secret{
		ID:        newULID(),
		Name:      name,
		Scope:     scope,
		ScopeID:   scopeID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	sec, err := crypto.EncryptSecret(sec, plaintext, s.encKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}

	if err := s.store.CreateSecret(ctx, &sec); err != nil {
		return nil, fmt.Errorf("create secret: %w", err)
	}

	return &sec, nil
}

// GetSecret decrypts and returns the plaintext value, recording an audit
// row for every release — decrypt access must always be attributable.
func (s *Substrate) GetSecret(ctx context.Context, actorID, secretID string) (string, error) {
	sec, err := s.store.GetSecret(ctx, secretID)
	if err != nil {
		return "", err
	}

	plaintext, err := crypto.DecryptSecret(*sec, s.encKey)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}

	if err := s.store.RecordSecretAudit(ctx, &model.SecretAuditRow{
		ID:          newULID(),
		SecretID:    secretID,
		ActorID:     actorID,
		DecryptedAt: time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("record secret audit: %w", err)
	}

	return plaintext, nil
}

// ListSecrets returns secret metadata only — never ciphertext or
// plaintext; callers must use GetSecret for the audited release path.
func (s *Substrate) ListSecrets(ctx context.Context, scope model.SecretScope, scopeID string) ([]*model.Secret, error) {
	return s.store.ListSecrets(ctx, scope, scopeID)
}

// UpdateSecret re-encrypts a new plaintext value under the current key,
// replacing the stored ciphertext in place.
func (s *Substrate) UpdateSecret(ctx context.Context, secretID, plaintext string) (*model.Secret, error) {
	sec, err := s.store.GetSecret(ctx, secretID)
	if err != nil {
		return nil, err
	}

	updated, err := crypto.EncryptSecret(*sec, plaintext, s.encKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateSecret(ctx, &updated); err != nil {
		return nil, err
	}

	return &updated, nil
}

func (s *Substrate) DeleteSecret(ctx context.Context, secretID string) error {
	return s.store.DeleteSecret(ctx, secretID)
}
