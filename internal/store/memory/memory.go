// Package memory is an in-process Store implementation (C1). Data does not
// survive process restarts; it exists for tests and single-process demos.
package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

// Memory holds every entity behind mutex-guarded maps keyed the same way
// the Postgres/SQLite backends key their tables.
type Memory struct {
	mu sync.RWMutex

	records map[string]*model.Record   // (owner, id) -> record, keyed by owner+"\x00"+id
	history map[string][]*model.HistoryRow // recordKey -> versions ascending
	edges   []model.Edge

	selectors     map[string]*model.Selector
	subscriptions map[string]*model.Subscription
	acls          map[string][]*model.ACLGrant // recordID -> grants
	secrets       map[string]*model.Secret
	secretAudits  []*model.SecretAuditRow
	dlq           map[string]*model.DLQEntry
}

func New() *Memory {
	slog.Info("using in-memory store (data will not persist across restarts)")

	return &Memory{
		records:       make(map[string]*model.Record),
		history:       make(map[string][]*model.HistoryRow),
		selectors:     make(map[string]*model.Selector),
		subscriptions: make(map[string]*model.Subscription),
		acls:          make(map[string][]*model.ACLGrant),
		secrets:       make(map[string]*model.Secret),
		dlq:           make(map[string]*model.DLQEntry),
	}
}

func (m *Memory) Close() error { return nil }

func recordKey(ownerID, id string) string { return ownerID + "\x00" + id }

func cloneRecord(r *model.Record) *model.Record {
	cp := *r
	if r.Context != nil {
		b, _ := json.Marshal(r.Context)
		_ = json.Unmarshal(b, &cp.Context)
	}
	return &cp
}

// ─── Records ───

func (m *Memory) CreateRecord(_ context.Context, rec *model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(rec.OwnerID, rec.ID)
	if _, ok := m.records[key]; ok {
		return rcrterr.BadRequest("record %s already exists", rec.ID)
	}
	m.records[key] = cloneRecord(rec)
	return nil
}

func (m *Memory) GetRecord(_ context.Context, ownerID, recordID string) (*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[recordKey(ownerID, recordID)]
	if !ok {
		return nil, rcrterr.NotFound("record %s", recordID)
	}
	return cloneRecord(rec), nil
}

func (m *Memory) GetRecordVisible(ctx context.Context, ownerID, callerAgentID, recordID string, curator bool) (*model.Record, error) {
	rec, err := m.GetRecord(ctx, ownerID, recordID)
	if err != nil {
		return nil, err
	}
	if curator {
		return rec, nil
	}
	if rec.Visibility != model.VisibilityPrivate || rec.AuthorID == callerAgentID {
		return rec, nil
	}

	m.mu.RLock()
	grants := m.acls[recordID]
	m.mu.RUnlock()
	for _, g := range grants {
		if g.GranteeID == callerAgentID && (g.Action == model.ACLReadFull || g.Action == model.ACLReadContext) {
			return rec, nil
		}
	}
	return nil, rcrterr.Forbidden("record %s is private", recordID)
}

func (m *Memory) UpdateRecord(_ context.Context, rec *model.Record, ifMatchVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(rec.OwnerID, rec.ID)
	existing, ok := m.records[key]
	if !ok {
		return rcrterr.NotFound("record %s", rec.ID)
	}
	if ifMatchVersion <= 0 {
		return rcrterr.ErrPreconditionMissing
	}
	if existing.Version != ifMatchVersion {
		return rcrterr.VersionConflict(rec.ID, ifMatchVersion, existing.Version)
	}

	m.records[key] = cloneRecord(rec)
	return nil
}

func (m *Memory) DeleteRecord(_ context.Context, ownerID, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(ownerID, recordID)
	if _, ok := m.records[key]; !ok {
		return rcrterr.NotFound("record %s", recordID)
	}
	delete(m.records, key)
	return nil
}

func (m *Memory) ListRecords(ctx context.Context, ownerID, callerAgentID string, curator bool, filter model.RecordFilter) ([]*model.Record, error) {
	m.mu.RLock()
	candidates := make([]*model.Record, 0, len(m.records))
	for _, rec := range m.records {
		if rec.OwnerID != ownerID {
			continue
		}
		candidates = append(candidates, cloneRecord(rec))
	}
	m.mu.RUnlock()

	out := make([]*model.Record, 0, len(candidates))
	for _, rec := range candidates {
		if !curator && rec.Visibility == model.VisibilityPrivate && rec.AuthorID != callerAgentID {
			if !m.hasReadGrant(rec.ID, callerAgentID) {
				continue
			}
		}
		if filter.SchemaName != "" && rec.SchemaName.V != filter.SchemaName {
			continue
		}
		if filter.Tag != "" && !containsString(rec.Tags, filter.Tag) {
			continue
		}
		if !filter.UpdatedSince.IsZero() && !rec.UpdatedAt.After(filter.UpdatedSince) {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) hasReadGrant(recordID, agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.acls[recordID] {
		if g.GranteeID == agentID && (g.Action == model.ACLReadFull || g.Action == model.ACLReadContext) {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (m *Memory) ListHistory(_ context.Context, ownerID, recordID string) ([]*model.HistoryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.history[recordKey(ownerID, recordID)]
	out := make([]*model.HistoryRow, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *Memory) AppendHistory(_ context.Context, row *model.HistoryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// History rows are looked up by record id alone across owners only via
	// the owning record, so we need the owner to build the same key; callers
	// always have it on the in-memory record already loaded, keyed here by
	// record id only since a given record id belongs to exactly one owner.
	for key := range m.records {
		if key[len(key)-len(row.RecordID):] == row.RecordID {
			m.history[key] = append(m.history[key], row)
			return nil
		}
	}
	// Record may already be deleted (history survives deletes); fall back
	// to a bare record-id key.
	m.history[row.RecordID] = append(m.history[row.RecordID], row)
	return nil
}

// ─── Edges ───

func (m *Memory) InsertEdgesBulk(_ context.Context, edges []model.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = append(m.edges, edges...)
	return nil
}

func (m *Memory) ListEdgesAmong(_ context.Context, ownerID string, recordIDs []string) ([]model.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		set[id] = struct{}{}
	}

	var out []model.Edge
	for _, e := range m.edges {
		if e.OwnerID != ownerID {
			continue
		}
		_, fromIn := set[e.FromID]
		_, toIn := set[e.ToID]
		if fromIn || toIn {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) TagNeighbors(_ context.Context, ownerID, tag, excludeID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, rec := range m.records {
		if rec.OwnerID != ownerID || rec.ID == excludeID {
			continue
		}
		if containsString(rec.Tags, tag) {
			out = append(out, rec.ID)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SessionNeighbors(_ context.Context, ownerID, sessionTag, excludeID string, since time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type cand struct {
		id string
		at time.Time
	}
	var cands []cand
	for _, rec := range m.records {
		if rec.OwnerID != ownerID || rec.ID == excludeID {
			continue
		}
		if !rec.UpdatedAt.After(since) {
			continue
		}
		if containsString(rec.Tags, sessionTag) {
			cands = append(cands, cand{rec.ID, rec.UpdatedAt})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].at.After(cands[j].at) })

	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ─── Selectors / subscriptions ───

func (m *Memory) CreateSelector(_ context.Context, sel *model.Selector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sel
	m.selectors[sel.ID] = &cp
	return nil
}

func (m *Memory) GetSelector(_ context.Context, ownerID, id string) (*model.Selector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sel, ok := m.selectors[id]
	if !ok || sel.OwnerID != ownerID {
		return nil, rcrterr.NotFound("selector %s", id)
	}
	cp := *sel
	return &cp, nil
}

func (m *Memory) UpdateSelector(_ context.Context, sel *model.Selector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.selectors[sel.ID]; !ok {
		return rcrterr.NotFound("selector %s", sel.ID)
	}
	cp := *sel
	m.selectors[sel.ID] = &cp
	return nil
}

func (m *Memory) DeleteSelector(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel, ok := m.selectors[id]
	if !ok || sel.OwnerID != ownerID {
		return rcrterr.NotFound("selector %s", id)
	}
	delete(m.selectors, id)
	return nil
}

func (m *Memory) ListSelectorsByAgent(_ context.Context, ownerID, agentID string) ([]*model.Selector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Selector
	for _, s := range m.selectors {
		if s.OwnerID == ownerID && s.AgentID == agentID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CreateSubscription(_ context.Context, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subscriptions[sub.ID] = &cp
	return nil
}

func (m *Memory) DeleteSubscription(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok || sub.OwnerID != ownerID {
		return rcrterr.NotFound("subscription %s", id)
	}
	delete(m.subscriptions, id)
	return nil
}

func (m *Memory) ListSubscriptions(_ context.Context, ownerID string) ([]*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Subscription
	for _, s := range m.subscriptions {
		if s.OwnerID == ownerID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptionsByChannel(_ context.Context, ownerID string, channel model.DeliveryChannel) ([]*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Subscription
	for _, s := range m.subscriptions {
		if s.OwnerID == ownerID && s.Channel == channel {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ─── ACL ───

func (m *Memory) CreateACLGrant(_ context.Context, grant *model.ACLGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *grant
	m.acls[grant.RecordID] = append(m.acls[grant.RecordID], &cp)
	return nil
}

func (m *Memory) RevokeACLGrant(_ context.Context, _, recordID, granteeID string, action model.ACLAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	grants := m.acls[recordID]
	out := grants[:0]
	for _, g := range grants {
		if g.GranteeID == granteeID && g.Action == action {
			continue
		}
		out = append(out, g)
	}
	m.acls[recordID] = out
	return nil
}

func (m *Memory) ListACLGrants(_ context.Context, recordID string) ([]*model.ACLGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grants := m.acls[recordID]
	out := make([]*model.ACLGrant, len(grants))
	copy(out, grants)
	return out, nil
}

// ─── Secrets ───

func (m *Memory) CreateSecret(_ context.Context, sec *model.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sec
	m.secrets[sec.ID] = &cp
	return nil
}

func (m *Memory) GetSecret(_ context.Context, id string) (*model.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sec, ok := m.secrets[id]
	if !ok {
		return nil, rcrterr.NotFound("secret %s", id)
	}
	cp := *sec
	return &cp, nil
}

func (m *Memory) ListSecrets(_ context.Context, scope model.SecretScope, scopeID string) ([]*model.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Secret
	for _, s := range m.secrets {
		if s.Scope == scope && s.ScopeID == scopeID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) UpdateSecret(_ context.Context, sec *model.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[sec.ID]; !ok {
		return rcrterr.NotFound("secret %s", sec.ID)
	}
	cp := *sec
	m.secrets[sec.ID] = &cp
	return nil
}

func (m *Memory) DeleteSecret(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[id]; !ok {
		return rcrterr.NotFound("secret %s", id)
	}
	delete(m.secrets, id)
	return nil
}

func (m *Memory) RecordSecretAudit(_ context.Context, row *model.SecretAuditRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.secretAudits = append(m.secretAudits, &cp)
	return nil
}

// ─── Schema/agent meta lookups ───

func (m *Memory) FindRecordsBySchemaAndTag(_ context.Context, ownerID, schemaName, tag string, limit int) ([]*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Record
	for _, rec := range m.records {
		if rec.OwnerID != ownerID {
			continue
		}
		if schemaName != "" && rec.SchemaName.V != schemaName {
			continue
		}
		if tag != "" && !containsString(rec.Tags, tag) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListAllAgentDefs(_ context.Context) ([]*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Record
	for _, rec := range m.records {
		if rec.SchemaName.V == "agent.def.v1" {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

// ─── DLQ ───

func (m *Memory) CreateDLQEntry(_ context.Context, entry *model.DLQEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.dlq[entry.ID] = &cp
	return nil
}

func (m *Memory) ListDLQ(_ context.Context) ([]*model.DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.DLQEntry, 0, len(m.dlq))
	for _, e := range m.dlq {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetDLQ(_ context.Context, id string) (*model.DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.dlq[id]
	if !ok {
		return nil, rcrterr.NotFound("dlq entry %s", id)
	}
	return e, nil
}

func (m *Memory) DeleteDLQ(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dlq[id]; !ok {
		return rcrterr.NotFound("dlq entry %s", id)
	}
	delete(m.dlq, id)
	return nil
}

// ─── Admin ───

func (m *Memory) PurgeExpired(_ context.Context, before time.Time, batchSize int) ([]*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged []*model.Record
	for key, rec := range m.records {
		if !rec.TTL.Valid {
			continue
		}
		if rec.TTL.V.Time.After(before) {
			continue
		}
		purged = append(purged, cloneRecord(rec))
		delete(m.records, key)
		if batchSize > 0 && len(purged) >= batchSize {
			break
		}
	}
	return purged, nil
}

// ListRecordsMissingEntityKeywords returns up to batchSize records across
// every tenant whose entity_keywords is still empty, oldest first, for the
// entity worker's (C7) startup backfill sweep.
func (m *Memory) ListRecordsMissingEntityKeywords(_ context.Context, batchSize int) ([]*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var missing []*model.Record
	for _, rec := range m.records {
		if len(rec.EntityKeywords) == 0 {
			missing = append(missing, cloneRecord(rec))
		}
	}

	sort.Slice(missing, func(i, j int) bool {
		return missing[i].CreatedAt.Before(missing[j].CreatedAt)
	})

	if batchSize > 0 && len(missing) > batchSize {
		missing = missing[:batchSize]
	}
	return missing, nil
}
