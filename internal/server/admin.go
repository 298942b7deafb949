package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
	"github.com/rakunlabs/rcrt/internal/substrate"
)

// ─── Tenants ───
//
// Tenancy carries no dedicated storage: every record already belongs to
// one tenant via Record.OwnerID, and RLS enforces the boundary at every
// store call. POST /tenants/{id} and GET /tenants exist only as an
// operator-facing acknowledgement layer — see DESIGN.md's Open Question
// decision. Token issuance for a new tenant's agents is out of scope.

type tenantResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// CreateTenantAPI handles POST /tenants/{id}. There is nothing to
// provision: the first record written with owner_id=id brings the tenant
// into existence.
func (s *Server) CreateTenantAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		errResponseServer(w, rcrterr.BadRequest("tenant id is required"))
		return
	}
	jsonResponseServer(w, tenantResponse{ID: id, Message: "tenant acknowledged; owner_id on written records is authoritative"}, http.StatusCreated)
}

// ListTenantsAPI handles GET /tenants. Tenants have no table of their own,
// so the list is approximated from the owners of registered agent.def.v1
// records — every tenant with at least one agent provisioned through
// CreateAgentAPI below shows up here.
func (s *Server) ListTenantsAPI(w http.ResponseWriter, r *http.Request) {
	defs, err := s.substrate.ListAllAgentDefs(r.Context())
	if err != nil {
		errResponseServer(w, rcrterr.Upstream("list agent defs: %v", err))
		return
	}

	seen := make(map[string]struct{})
	var tenants []string
	for _, rec := range defs {
		if _, ok := seen[rec.OwnerID]; ok {
			continue
		}
		seen[rec.OwnerID] = struct{}{}
		tenants = append(tenants, rec.OwnerID)
	}

	jsonResponseServer(w, struct {
		Tenants []string `json:"tenants"`
	}{Tenants: tenants}, http.StatusOK)
}

// ─── Agents ───

type createAgentRequest struct {
	Roles []string `json:"roles"`
}

// CreateAgentAPI handles POST /agents/{id}. It ensures an agent.def.v1
// record exists for this agent id so C9's assembler can discover it; the
// roles in the request body are acknowledged but never persisted — role
// enforcement lives entirely on the bearer token, and token issuance is
// out of scope.
func (s *Server) CreateAgentAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	agentID := r.PathValue("id")
	if agentID == "" {
		errResponseServer(w, rcrterr.BadRequest("agent id is required"))
		return
	}

	var req createAgentRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errResponseServer(w, rcrterr.BadRequest("invalid request body: %v", err))
			return
		}
	}

	rec, err := s.substrate.CreateRecord(r.Context(), identity, substrate.CreateInput{
		SchemaName: "agent.def.v1",
		Title:      "agent:" + agentID,
		Context: map[string]any{
			"agent_id": agentID,
		},
		Tags:       []string{"defines:agent", "agent:" + agentID},
		Visibility: model.VisibilityTeam,
	}, "")
	if err != nil {
		errResponseServer(w, err)
		return
	}

	jsonResponseServer(w, struct {
		ID      string   `json:"record_id"`
		AgentID string   `json:"agent_id"`
		Roles   []string `json:"roles"`
		Message string   `json:"message"`
	}{ID: rec.ID, AgentID: agentID, Roles: req.Roles, Message: "roles are enforced via bearer claims, not persisted here"}, http.StatusCreated)
}

type registerWebhookRequest struct {
	URL          string            `json:"url"`
	Secret       string            `json:"secret,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	RetryPolicy  *int              `json:"retry_policy,omitempty"`
}

// RegisterAgentWebhookAPI handles POST /agents/{id}/webhooks. It creates a
// catch-all selector (no predicates: matches every envelope the agent's
// tenant can see) and a webhook subscription bound to it — the closest
// fit to "register a default delivery endpoint for this agent" the
// selector/subscription model supports. Headers are accepted for API
// compatibility but the webhook dispatcher only signs the body with the
// HMAC secret; it does not forward arbitrary caller-supplied headers.
func (s *Server) RegisterAgentWebhookAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	agentID := r.PathValue("id")
	if agentID == "" {
		errResponseServer(w, rcrterr.BadRequest("agent id is required"))
		return
	}

	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResponseServer(w, rcrterr.BadRequest("invalid request body: %v", err))
		return
	}
	if req.URL == "" {
		errResponseServer(w, rcrterr.BadRequest("url is required"))
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = uuid.NewString()
	}
	retryMax := 6
	if req.RetryPolicy != nil {
		retryMax = *req.RetryPolicy
	}

	selIdentity := identity
	selIdentity.Subject = agentID
	sel, err := s.substrate.CreateSelector(r.Context(), selIdentity, model.Selector{})
	if err != nil {
		errResponseServer(w, err)
		return
	}

	sub, err := s.substrate.CreateSubscription(r.Context(), selIdentity, sel.ID, model.ChannelWebhook, req.URL, secret, retryMax)
	if err != nil {
		errResponseServer(w, err)
		return
	}

	jsonResponseServer(w, struct {
		SubscriptionID string `json:"subscription_id"`
		SelectorID     string `json:"selector_id"`
		Secret         string `json:"secret"`
	}{SubscriptionID: sub.ID, SelectorID: sel.ID, Secret: secret}, http.StatusCreated)
}

// RotateAgentSecretAPI handles POST /agents/{id}/secret. Subscriptions have
// no update path, so rotation deletes every existing webhook subscription
// owned by this agent and recreates it with a fresh secret under the same
// selector.
func (s *Server) RotateAgentSecretAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	agentID := r.PathValue("id")
	if agentID == "" {
		errResponseServer(w, rcrterr.BadRequest("agent id is required"))
		return
	}

	subs, err := s.substrate.ListSubscriptions(r.Context(), identity.OwnerID)
	if err != nil {
		errResponseServer(w, rcrterr.Upstream("list subscriptions: %v", err))
		return
	}

	newSecret := uuid.NewString()
	var rotated []string
	for _, sub := range subs {
		if sub.AgentID != agentID || sub.Channel != model.ChannelWebhook {
			continue
		}
		if err := s.substrate.DeleteSubscription(r.Context(), identity.OwnerID, sub.ID); err != nil {
			errResponseServer(w, fmt.Errorf("delete stale webhook subscription %s: %w", sub.ID, err))
			return
		}
		agentIdentity := identity
		agentIdentity.Subject = agentID
		newSub, err := s.substrate.CreateSubscription(r.Context(), agentIdentity, sub.SelectorID, model.ChannelWebhook, sub.WebhookURL, newSecret, sub.RetryMax)
		if err != nil {
			errResponseServer(w, fmt.Errorf("recreate webhook subscription: %w", err))
			return
		}
		rotated = append(rotated, newSub.ID)
	}

	jsonResponseServer(w, struct {
		AgentID     string   `json:"agent_id"`
		Secret      string   `json:"secret"`
		Subscriptions []string `json:"subscription_ids"`
	}{AgentID: agentID, Secret: newSecret, Subscriptions: rotated}, http.StatusOK)
}
