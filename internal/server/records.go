package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
	"github.com/rakunlabs/rcrt/internal/substrate"
	"github.com/rakunlabs/rcrt/internal/transform"
)

// ─── Create ───

type createRecordRequest struct {
	SchemaName  string            `json:"schema_name,omitempty"`
	Title       string            `json:"title"`
	Context     map[string]any    `json:"context"`
	Tags        []string          `json:"tags,omitempty"`
	Visibility  model.Visibility  `json:"visibility,omitempty"`
	Sensitivity model.Sensitivity `json:"sensitivity,omitempty"`
	TTL         *time.Time        `json:"ttl,omitempty"`
	LLMHints    *model.LLMHints   `json:"llm_hints,omitempty"`
}

type createRecordResponse struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// CreateRecordAPI handles POST /records.
func (s *Server) CreateRecordAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResponseServer(w, rcrterr.BadRequest("invalid request body: %v", err))
		return
	}

	rec, err := s.substrate.CreateRecord(r.Context(), identity, substrate.CreateInput{
		SchemaName:  req.SchemaName,
		Title:       req.Title,
		Context:     req.Context,
		Tags:        req.Tags,
		Visibility:  req.Visibility,
		Sensitivity: req.Sensitivity,
		TTL:         req.TTL,
		LLMHints:    req.LLMHints,
	}, r.Header.Get("Idempotency-Key"))
	if err != nil {
		errResponseServer(w, err)
		return
	}

	jsonResponseServer(w, createRecordResponse{ID: rec.ID, Version: rec.Version}, http.StatusCreated)
}

// ─── Read ───

// GetRecordAPI handles GET /records/{id}: the C4-transformed context view.
func (s *Server) GetRecordAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.PathValue("id")

	rec, warnings, err := s.substrate.GetRecordContextView(r.Context(), identity, id)
	if err != nil {
		errResponseServer(w, err)
		return
	}

	jsonResponseServer(w, struct {
		*model.Record
		Warnings []transform.Warning `json:"transform_warnings,omitempty"`
	}{Record: rec, Warnings: warnings}, http.StatusOK)
}

// GetRecordFullAPI handles GET /records/{id}/full: curator-only, raw
// context, no transform.
func (s *Server) GetRecordFullAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.PathValue("id")

	rec, err := s.substrate.GetRecordFull(r.Context(), identity, id)
	if err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, rec, http.StatusOK)
}

// GetRecordHistoryAPI handles GET /records/{id}/history.
func (s *Server) GetRecordHistoryAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.PathValue("id")

	rows, err := s.substrate.GetHistory(r.Context(), identity, id)
	if err != nil {
		errResponseServer(w, err)
		return
	}
	jsonResponseServer(w, rows, http.StatusOK)
}

// ─── Update / Delete ───

type updateRecordRequest struct {
	Title       *string           `json:"title,omitempty"`
	Context     map[string]any    `json:"context,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Visibility  *model.Visibility `json:"visibility,omitempty"`
	Sensitivity *model.Sensitivity `json:"sensitivity,omitempty"`
	TTL         *time.Time        `json:"ttl,omitempty"`
}

// UpdateRecordAPI handles PATCH /records/{id}. If-Match: "<version>" is
// required; a mismatch surfaces as the store's version-conflict error
// (412, via rcrterr.Code).
func (s *Server) UpdateRecordAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.PathValue("id")

	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)
	version, err := strconv.ParseInt(ifMatch, 10, 64)
	if err != nil {
		errResponseServer(w, rcrterr.ErrPreconditionMissing)
		return
	}

	var req updateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResponseServer(w, rcrterr.BadRequest("invalid request body: %v", err))
		return
	}

	rec, err := s.substrate.UpdateRecord(r.Context(), identity, id, substrate.UpdateInput{
		Title:       req.Title,
		Context:     req.Context,
		Tags:        req.Tags,
		Visibility:  req.Visibility,
		Sensitivity: req.Sensitivity,
		TTL:         req.TTL,
	}, version)
	if err != nil {
		errResponseServer(w, err)
		return
	}

	jsonResponseServer(w, createRecordResponse{ID: rec.ID, Version: rec.Version}, http.StatusOK)
}

// DeleteRecordAPI handles DELETE /records/{id}. ACLDelete/role checks for
// who may delete are the one authorization decision substrate leaves to
// this layer (see its DeleteRecord doc comment); a non-curator caller
// must hold an explicit ACLDelete grant.
func (s *Server) DeleteRecordAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	id := r.PathValue("id")

	if !identity.IsCurator() {
		grants, err := s.substrate.ListACLGrants(r.Context(), id)
		if err != nil {
			errResponseServer(w, rcrterr.Upstream("list acl grants: %v", err))
			return
		}
		if !hasGrant(grants, identity.Subject, model.ACLDelete) {
			errResponseServer(w, rcrterr.Forbidden("delete requires the curator role or an ACLDelete grant"))
			return
		}
	}

	if err := s.substrate.DeleteRecord(r.Context(), identity.OwnerID, id); err != nil {
		errResponseServer(w, err)
		return
	}

	jsonResponseServer(w, responseMessage{Message: "deleted"}, http.StatusOK)
}

func hasGrant(grants []*model.ACLGrant, grantee string, action model.ACLAction) bool {
	for _, g := range grants {
		if g.GranteeID == grantee && g.Action == action {
			return true
		}
	}
	return false
}

// ─── List / Search ───

// ListRecordsAPI handles GET /records?tag=&schema_name=&owner=&updated_since=&q=&nn=.
// A present q delegates to the hybrid Search path (it auto-embeds); owner
// is applied as a post-filter on AuthorID since RLS already scopes every
// list to the caller's own tenant.
func (s *Server) ListRecordsAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	q := r.URL.Query()

	if query := q.Get("q"); query != "" {
		limit := parseIntDefault(q.Get("nn"), 20)
		var schemaNames []string
		if sn := q.Get("schema_name"); sn != "" {
			schemaNames = []string{sn}
		}
		results, err := s.substrate.Search(r.Context(), identity, query, nil, schemaNames, nil, limit)
		if err != nil {
			errResponseServer(w, err)
			return
		}
		jsonResponseServer(w, searchResponse(results), http.StatusOK)
		return
	}

	filter := model.RecordFilter{
		SchemaName: q.Get("schema_name"),
		Tag:        q.Get("tag"),
		Limit:      parseIntDefault(q.Get("limit"), 0),
	}
	if since := q.Get("updated_since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.UpdatedSince = t
		}
	}

	recs, err := s.substrate.ListRecords(r.Context(), identity, filter)
	if err != nil {
		errResponseServer(w, err)
		return
	}

	if owner := q.Get("owner"); owner != "" {
		recs = filterByAuthor(recs, owner)
	}

	jsonResponseServer(w, recs, http.StatusOK)
}

// SearchRecordsAPI handles GET /records/search?q=|qvec=&nn=&threshold=&filters=.
// qvec (a raw caller-supplied embedding) isn't supported: Substrate.Search
// always derives its query vector from q through the configured embedder,
// so a request must supply q to get a semantic component.
func (s *Server) SearchRecordsAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	q := r.URL.Query()

	if q.Get("qvec") != "" && q.Get("q") == "" {
		errResponseServer(w, rcrterr.BadRequest("qvec is not supported; supply q and the server derives the query embedding"))
		return
	}

	var schemaNames []string
	if filters := q.Get("filters"); filters != "" {
		schemaNames = strings.Split(filters, ",")
	}

	limit := parseIntDefault(q.Get("nn"), 20)
	results, err := s.substrate.Search(r.Context(), identity, q.Get("q"), nil, schemaNames, nil, limit)
	if err != nil {
		errResponseServer(w, err)
		return
	}

	if thresholdStr := q.Get("threshold"); thresholdStr != "" {
		if threshold, err := strconv.ParseFloat(thresholdStr, 64); err == nil {
			results = filterByThreshold(results, threshold)
		}
	}

	jsonResponseServer(w, searchResponse(results), http.StatusOK)
}

// ─── Batch transform ───

type batchTransformRequest struct {
	IDs []string `json:"ids"`
}

// BatchTransformAPI handles POST /records/batch-transform.
func (s *Server) BatchTransformAPI(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var req batchTransformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResponseServer(w, rcrterr.BadRequest("invalid request body: %v", err))
		return
	}

	views, err := s.substrate.BatchTransform(r.Context(), identity, req.IDs)
	if err != nil {
		errResponseServer(w, err)
		return
	}

	jsonResponseServer(w, views, http.StatusOK)
}

// ─── helpers ───

type searchResultDTO struct {
	Record *model.Record `json:"record"`
	Score  float64       `json:"score"`
}

func searchResponse(results []substrate.SearchResult) []searchResultDTO {
	out := make([]searchResultDTO, len(results))
	for i, res := range results {
		out[i] = searchResultDTO{Record: res.Record, Score: res.Score}
	}
	return out
}

func filterByThreshold(results []substrate.SearchResult, threshold float64) []substrate.SearchResult {
	out := results[:0]
	for _, res := range results {
		if res.Score >= threshold {
			out = append(out, res)
		}
	}
	return out
}

func filterByAuthor(recs []*model.Record, author string) []*model.Record {
	out := recs[:0]
	for _, rec := range recs {
		if rec.AuthorID == author {
			out = append(out, rec)
		}
	}
	return out
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

