package substrate

import (
	"context"
	"testing"

	"github.com/rakunlabs/rcrt/internal/model"
)

func TestSecrets_RoundTripAndAudit(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	sec, err := s.CreateSecret(ctx, "github-token", model.SecretScopeAgent, "agent-a", "sk-live-xyz")
	if err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}
	if sec.ID == "" {
		t.Fatal("expected a generated id")
	}

	plaintext, err := s.GetSecret(ctx, "agent-a", sec.ID)
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if plaintext != "sk-live-xyz" {
		t.Fatalf("expected the decrypted plaintext back, got %q", plaintext)
	}

	rows, err := s.store.ListSecrets(ctx, model.SecretScopeAgent, "agent-a")
	if err != nil {
		t.Fatalf("ListSecrets: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 secret, got %d", len(rows))
	}
}

func TestSecrets_CreateRequiresName(t *testing.T) {
	s, _ := newTestSubstrate(t)

	if _, err := s.CreateSecret(context.Background(), "", model.SecretScopeGlobal, "", "x"); err == nil {
		t.Fatal("expected an error for an empty secret name")
	}
}

func TestSecrets_UpdateReplacesCiphertext(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	sec, err := s.CreateSecret(ctx, "api-key", model.SecretScopeOwner, "tenant-a", "first-value")
	if err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}

	if _, err := s.UpdateSecret(ctx, sec.ID, "second-value"); err != nil {
		t.Fatalf("UpdateSecret: %v", err)
	}

	plaintext, err := s.GetSecret(ctx, "agent-a", sec.ID)
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if plaintext != "second-value" {
		t.Fatalf("expected the updated plaintext, got %q", plaintext)
	}
}

func TestSecrets_DeleteRemovesTheSecret(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	sec, err := s.CreateSecret(ctx, "throwaway", model.SecretScopeGlobal, "", "v")
	if err != nil {
		t.Fatalf("CreateSecret: %v", err)
	}

	if err := s.DeleteSecret(ctx, sec.ID); err != nil {
		t.Fatalf("DeleteSecret: %v", err)
	}
	if _, err := s.GetSecret(ctx, "agent-a", sec.ID); err == nil {
		t.Fatal("expected an error fetching a deleted secret")
	}
}
