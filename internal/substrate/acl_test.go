package substrate

import (
	"context"
	"testing"

	"github.com/rakunlabs/rcrt/internal/model"
)

func TestACL_GrantListRevoke(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()
	ctx := context.Background()

	rec, err := s.CreateRecord(ctx, identity, CreateInput{Title: "private note", Visibility: model.VisibilityPrivate}, "")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	grant, err := s.GrantACL(ctx, identity.Subject, rec.ID, "agent-b", model.ACLReadContext)
	if err != nil {
		t.Fatalf("GrantACL: %v", err)
	}
	if grant.RecordID != rec.ID || grant.GranteeID != "agent-b" {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	grants, err := s.ListACLGrants(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ListACLGrants: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("expected 1 grant, got %d", len(grants))
	}

	if err := s.RevokeACL(ctx, identity.OwnerID, rec.ID, "agent-b", model.ACLReadContext); err != nil {
		t.Fatalf("RevokeACL: %v", err)
	}

	grants, err = s.ListACLGrants(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ListACLGrants (after revoke): %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("expected the grant to be revoked, got %+v", grants)
	}
}

func TestACL_GrantUnlocksPrivateRecordVisibility(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()
	owner := testIdentity()

	rec, err := s.CreateRecord(ctx, owner, CreateInput{Title: "private note", Visibility: model.VisibilityPrivate}, "")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	other := model.Identity{Subject: "agent-b", OwnerID: owner.OwnerID}
	if _, _, err := s.GetRecordContextView(ctx, other, rec.ID); err == nil {
		t.Fatal("expected a private record to be invisible without a grant")
	}

	if _, err := s.GrantACL(ctx, owner.Subject, rec.ID, other.Subject, model.ACLReadContext); err != nil {
		t.Fatalf("GrantACL: %v", err)
	}

	if _, _, err := s.GetRecordContextView(ctx, other, rec.ID); err != nil {
		t.Fatalf("expected the grant to unlock visibility, got: %v", err)
	}
}
