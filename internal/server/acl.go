package server

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

type aclGrantRequest struct {
	RecordID  string          `json:"record_id"`
	GranteeID string          `json:"grantee_id"`
	Action    model.ACLAction `json:"action"`
}

// GrantACLAPI handles POST /acl/grant.
func (s *Server) GrantACLAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var req aclGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResponseServer(w, rcrterr.BadRequest("invalid request body: %v", err))
		return
	}
	if req.RecordID == "" || req.GranteeID == "" || req.Action == "" {
		errResponseServer(w, rcrterr.BadRequest("record_id, grantee_id and action are required"))
		return
	}

	grant, err := s.substrate.GrantACL(r.Context(), identity.Subject, req.RecordID, req.GranteeID, req.Action)
	if err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, grant, http.StatusCreated)
}

// RevokeACLAPI handles POST /acl/revoke.
func (s *Server) RevokeACLAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var req aclGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResponseServer(w, rcrterr.BadRequest("invalid request body: %v", err))
		return
	}
	if req.RecordID == "" || req.GranteeID == "" || req.Action == "" {
		errResponseServer(w, rcrterr.BadRequest("record_id, grantee_id and action are required"))
		return
	}

	if err := s.substrate.RevokeACL(r.Context(), identity.OwnerID, req.RecordID, req.GranteeID, req.Action); err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, responseMessage{Message: "revoked"}, http.StatusOK)
}
