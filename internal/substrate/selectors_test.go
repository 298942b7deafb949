package substrate

import (
	"context"
	"testing"

	"github.com/rakunlabs/rcrt/internal/model"
)

func TestCreateSelector_AssignsOwnershipFields(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	sel, err := s.CreateSelector(context.Background(), identity, model.Selector{SchemaName: "note.v1"})
	if err != nil {
		t.Fatalf("CreateSelector: %v", err)
	}
	if sel.ID == "" {
		t.Fatal("expected a generated id")
	}
	if sel.OwnerID != identity.OwnerID || sel.AgentID != identity.Subject {
		t.Fatalf("expected ownership to be stamped from identity, got %+v", sel)
	}
}

func TestUpdateSelector_ForbiddenForDifferentAgent(t *testing.T) {
	s, _ := newTestSubstrate(t)
	owner := testIdentity()

	sel, err := s.CreateSelector(context.Background(), owner, model.Selector{SchemaName: "note.v1"})
	if err != nil {
		t.Fatalf("CreateSelector: %v", err)
	}

	other := model.Identity{Subject: "agent-b", OwnerID: owner.OwnerID}
	if _, err := s.UpdateSelector(context.Background(), other, sel.ID, model.Selector{SchemaName: "task.v1"}); err == nil {
		t.Fatal("expected a forbidden error for a non-owning, non-curator agent")
	}
}

func TestUpdateSelector_AllowedForCurator(t *testing.T) {
	s, _ := newTestSubstrate(t)
	owner := testIdentity()

	sel, err := s.CreateSelector(context.Background(), owner, model.Selector{SchemaName: "note.v1"})
	if err != nil {
		t.Fatalf("CreateSelector: %v", err)
	}

	curator := model.Identity{Subject: "agent-b", OwnerID: owner.OwnerID, Roles: []string{"curator"}}
	updated, err := s.UpdateSelector(context.Background(), curator, sel.ID, model.Selector{SchemaName: "task.v1"})
	if err != nil {
		t.Fatalf("UpdateSelector: %v", err)
	}
	if updated.SchemaName != "task.v1" {
		t.Fatalf("expected the predicate to be replaced, got %+v", updated)
	}
	if updated.AgentID != sel.AgentID || updated.OwnerID != sel.OwnerID {
		t.Fatalf("expected ownership to remain with the original agent, got %+v", updated)
	}
}

func TestCreateSubscription_WebhookRequiresURL(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	sel, err := s.CreateSelector(context.Background(), identity, model.Selector{SchemaName: "note.v1"})
	if err != nil {
		t.Fatalf("CreateSelector: %v", err)
	}

	if _, err := s.CreateSubscription(context.Background(), identity, sel.ID, model.ChannelWebhook, "", "", 3); err == nil {
		t.Fatal("expected an error for a webhook subscription with no url")
	}
}

func TestCreateSubscription_BusChannelNeedsNoURL(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	sel, err := s.CreateSelector(context.Background(), identity, model.Selector{SchemaName: "note.v1"})
	if err != nil {
		t.Fatalf("CreateSelector: %v", err)
	}

	sub, err := s.CreateSubscription(context.Background(), identity, sel.ID, model.ChannelBus, "", "", 0)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if sub.SelectorID != sel.ID {
		t.Fatalf("expected the subscription to bind the selector, got %+v", sub)
	}
}

func TestCreateSubscription_UnknownSelectorFails(t *testing.T) {
	s, _ := newTestSubstrate(t)
	identity := testIdentity()

	if _, err := s.CreateSubscription(context.Background(), identity, "missing-selector", model.ChannelBus, "", "", 0); err == nil {
		t.Fatal("expected an error for an unknown selector id")
	}
}
