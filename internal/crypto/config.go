package crypto

import (
	"fmt"

	"github.com/rakunlabs/rcrt/internal/model"
)

// EncryptSecret wraps a Secret's plaintext payload behind the "enc:"
// envelope before it is persisted. If key is nil, the value is stored
// unencrypted (plaintext passthrough).
func EncryptSecret(sec model.Secret, plaintext string, key []byte) (model.Secret, error) {
	if key == nil {
		sec.WrappedCiphertext = plaintext
		return sec, nil
	}

	enc, err := Encrypt(plaintext, key)
	if err != nil {
		return sec, fmt.Errorf("encrypt secret %s: %w", sec.ID, err)
	}
	sec.WrappedCiphertext = enc

	return sec, nil
}

// DecryptSecret releases the plaintext value behind a Secret's wrapped
// ciphertext. Every call site is expected to also record a SecretAuditRow —
// decryption itself never fails silently.
func DecryptSecret(sec model.Secret, key []byte) (string, error) {
	if key == nil {
		return sec.WrappedCiphertext, nil
	}

	plaintext, err := Decrypt(sec.WrappedCiphertext, key)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s: %w", sec.ID, err)
	}

	return plaintext, nil
}
