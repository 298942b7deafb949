package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

// ─── Selectors ───

type selectorRequest struct {
	SchemaName     string               `json:"schema_name,omitempty"`
	AnyTags        []string             `json:"any_tags,omitempty"`
	AllTags        []string             `json:"all_tags,omitempty"`
	NoneTags       []string             `json:"none_tags,omitempty"`
	SensitivityIn  []model.Sensitivity  `json:"sensitivity_in,omitempty"`
	VisibilityIn   []model.Visibility   `json:"visibility_in,omitempty"`
	ContextMatches []model.ContextMatch `json:"context_match,omitempty"`

	// Channels binds this selector to delivery channels in the same call
	// that creates it — "create selector and bind channels".
	Channels *channelBindings `json:"channels,omitempty"`
}

type channelBindings struct {
	Bus     bool             `json:"bus,omitempty"`
	SSE     bool             `json:"sse,omitempty"`
	Webhook *webhookBinding  `json:"webhook,omitempty"`
}

type webhookBinding struct {
	URL      string `json:"url"`
	HMAC     string `json:"hmac,omitempty"`
	RetryMax int    `json:"retry_max,omitempty"`
}

func (req selectorRequest) toModel() model.Selector {
	return model.Selector{
		SchemaName:     req.SchemaName,
		AnyTags:        req.AnyTags,
		AllTags:        req.AllTags,
		NoneTags:       req.NoneTags,
		SensitivityIn:  req.SensitivityIn,
		VisibilityIn:   req.VisibilityIn,
		ContextMatches: req.ContextMatches,
	}
}

type selectorResponse struct {
	*model.Selector
	SubscriptionIDs []string `json:"subscription_ids,omitempty"`
}

// CreateSelectorAPI handles POST /subscriptions/selectors.
func (s *Server) CreateSelectorAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var req selectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResponseServer(w, rcrterr.BadRequest("invalid request body: %v", err))
		return
	}

	sel, err := s.substrate.CreateSelector(r.Context(), identity, req.toModel())
	if err != nil {
		errResponseServer(w, err)
		return
	}

	subIDs, err := s.bindChannels(r.Context(), identity, sel.ID, req.Channels)
	if err != nil {
		errResponseServer(w, err)
		return
	}

	jsonResponseServer(w, selectorResponse{Selector: sel, SubscriptionIDs: subIDs}, http.StatusCreated)
}

func (s *Server) bindChannels(ctx context.Context, identity model.Identity, selectorID string, channels *channelBindings) ([]string, error) {
	if channels == nil {
		return nil, nil
	}

	var subIDs []string
	bind := func(channel model.DeliveryChannel, url, hmac string, retryMax int) error {
		sub, err := s.substrate.CreateSubscription(ctx, identity, selectorID, channel, url, hmac, retryMax)
		if err != nil {
			return err
		}
		subIDs = append(subIDs, sub.ID)
		return nil
	}

	if channels.Bus {
		if err := bind(model.ChannelBus, "", "", 0); err != nil {
			return nil, err
		}
	}
	if channels.SSE {
		if err := bind(model.ChannelSSE, "", "", 0); err != nil {
			return nil, err
		}
	}
	if channels.Webhook != nil {
		if err := bind(model.ChannelWebhook, channels.Webhook.URL, channels.Webhook.HMAC, channels.Webhook.RetryMax); err != nil {
			return nil, err
		}
	}
	return subIDs, nil
}

// GetSelectorAPI handles GET /subscriptions/selectors/{id}.
func (s *Server) GetSelectorAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.PathValue("id")

	sel, err := s.substrate.GetSelector(r.Context(), identity.OwnerID, id)
	if err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, sel, http.StatusOK)
}

// UpdateSelectorAPI handles PUT /subscriptions/selectors/{id}.
func (s *Server) UpdateSelectorAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.PathValue("id")

	var req selectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResponseServer(w, rcrterr.BadRequest("invalid request body: %v", err))
		return
	}

	sel, err := s.substrate.UpdateSelector(r.Context(), identity, id, req.toModel())
	if err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, sel, http.StatusOK)
}

// DeleteSelectorAPI handles DELETE /subscriptions/selectors/{id}.
func (s *Server) DeleteSelectorAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.PathValue("id")

	if err := s.substrate.DeleteSelector(r.Context(), identity.OwnerID, id); err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, responseMessage{Message: "deleted"}, http.StatusOK)
}

// ─── Per-record subscribe/unsubscribe ───
//
// These grant or revoke the ACLSubscribe action on one record — letting
// the caller receive/notice events for a record that its own RLS/selector
// predicates wouldn't otherwise surface (see model.ACLGrant). Actual
// delivery still flows through a selector-bound subscription; this only
// answers "may this agent see events for this one record".

// SubscribeRecordAPI handles POST /records/{id}/subscribe.
func (s *Server) SubscribeRecordAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.PathValue("id")

	grant, err := s.substrate.GrantACL(r.Context(), identity.Subject, id, identity.Subject, model.ACLSubscribe)
	if err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, grant, http.StatusCreated)
}

// UnsubscribeRecordAPI handles POST /records/{id}/unsubscribe.
func (s *Server) UnsubscribeRecordAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.PathValue("id")

	if err := s.substrate.RevokeACL(r.Context(), identity.OwnerID, id, identity.Subject, model.ACLSubscribe); err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, responseMessage{Message: "unsubscribed"}, http.StatusOK)
}

// ─── Event stream ───

// EventStreamAPI handles GET /events/stream: delegates straight to C6's
// SSE hub, which owns heartbeats and channel matching.
func (s *Server) EventStreamAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	s.fabric.SSEHandler().ServeHTTP(w, r, identity.OwnerID, identity.Subject)
}
