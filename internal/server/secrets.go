package server

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

type createSecretRequest struct {
	Name      string            `json:"name"`
	Scope     model.SecretScope `json:"scope"`
	ScopeID   string            `json:"scope_id,omitempty"`
	Plaintext string            `json:"plaintext"`
}

// CreateSecretAPI handles POST /secrets.
func (s *Server) CreateSecretAPI(w http.ResponseWriter, r *http.Request) {
	var req createSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResponseServer(w, rcrterr.BadRequest("invalid request body: %v", err))
		return
	}
	if req.Plaintext == "" {
		errResponseServer(w, rcrterr.BadRequest("plaintext is required"))
		return
	}

	sec, err := s.substrate.CreateSecret(r.Context(), req.Name, req.Scope, req.ScopeID, req.Plaintext)
	if err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, sec, http.StatusCreated)
}

// ListSecretsAPI handles GET /secrets?scope=&scope_id=. Metadata only —
// model.Secret tags WrappedCiphertext json:"-", and plaintext is only
// ever released through DecryptSecretAPI's audited path.
func (s *Server) ListSecretsAPI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := model.SecretScope(q.Get("scope"))

	secs, err := s.substrate.ListSecrets(r.Context(), scope, q.Get("scope_id"))
	if err != nil {
		errResponseServer(w, rcrterr.Upstream("list secrets: %v", err))
		return
	}
	jsonResponseServer(w, secs, http.StatusOK)
}

// DecryptSecretAPI handles POST /secrets/{id}/decrypt. Every call records
// a secret_audit row via substrate.GetSecret keyed on the caller's subject.
func (s *Server) DecryptSecretAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.PathValue("id")

	plaintext, err := s.substrate.GetSecret(r.Context(), identity.Subject, id)
	if err != nil {
		errResponseServer(w, err)
		return
	}

	jsonResponseServer(w, struct {
		Plaintext string `json:"plaintext"`
	}{Plaintext: plaintext}, http.StatusOK)
}

type updateSecretRequest struct {
	Plaintext string `json:"plaintext"`
}

// UpdateSecretAPI handles PUT /secrets/{id}: rotates the stored value,
// re-encrypting under the current key.
func (s *Server) UpdateSecretAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResponseServer(w, rcrterr.BadRequest("invalid request body: %v", err))
		return
	}
	if req.Plaintext == "" {
		errResponseServer(w, rcrterr.BadRequest("plaintext is required"))
		return
	}

	sec, err := s.substrate.UpdateSecret(r.Context(), id, req.Plaintext)
	if err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, sec, http.StatusOK)
}

// DeleteSecretAPI handles DELETE /secrets/{id}.
func (s *Server) DeleteSecretAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.substrate.DeleteSecret(r.Context(), id); err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, responseMessage{Message: "deleted"}, http.StatusOK)
}
