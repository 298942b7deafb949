// Package assembler implements C9: for every created/updated record, it
// discovers every interested agent, walks the token-budgeted session
// subgraph from a seed set, and publishes a formatted agent.context.v1
// record the agent picks up over its own subscription. This is the
// heaviest pipeline in the system — nine steps per (event, agent) pair,
// described step by step below.
package assembler

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rakunlabs/rcrt/internal/config"
	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/substrate"
	"github.com/rakunlabs/rcrt/internal/transform"
)

// Store is the subset of the storage contract (C1) the assembler needs:
// raw record fetch, owner-scoped listing for always-sources and session
// seeds, agent-def discovery, and edge loading for the graph walk.
type Store interface {
	GetRecord(ctx context.Context, ownerID, recordID string) (*model.Record, error)
	ListRecords(ctx context.Context, ownerID, callerAgentID string, curator bool, filter model.RecordFilter) ([]*model.Record, error)
	ListAllAgentDefs(ctx context.Context) ([]*model.Record, error)
	ListEdgesAmong(ctx context.Context, ownerID string, recordIDs []string) ([]model.Edge, error)
}

// Substrate is the C5 surface the assembler drives directly: hybrid search
// for semantic seeds, fetch-min for the formatting step, and create to
// publish the derived context.
type Substrate interface {
	Search(ctx context.Context, identity model.Identity, queryText string, pointers, schemaNames, blacklist []string, limit int) ([]substrate.SearchResult, error)
	GetRecordContextView(ctx context.Context, identity model.Identity, recordID string) (*model.Record, []transform.Warning, error)
	CreateRecord(ctx context.Context, identity model.Identity, input substrate.CreateInput, idempotencyKey string) (*model.Record, error)
}

// Budgeter is C10's surface: resolve an agent def's token budget and
// estimate the token cost of formatted content.
type Budgeter interface {
	Resolve(ctx context.Context, ownerID string, agentCtx map[string]any) (int64, error)
	EstimateTokens(content string) int64
}

const systemSubject = "system:assembler"

// Assembler is C9.
type Assembler struct {
	store     Store
	substrate Substrate
	budgets   Budgeter
	cfg       config.Assembler

	stateVocab map[string]struct{}
}

func New(st Store, sub Substrate, budgets Budgeter, cfg config.Assembler, stateVocabulary []string) *Assembler {
	vocab := make(map[string]struct{}, len(stateVocabulary))
	for _, v := range stateVocabulary {
		vocab[v] = struct{}{}
	}
	return &Assembler{store: st, substrate: sub, budgets: budgets, cfg: cfg, stateVocab: vocab}
}

// Run consumes envelopes from the change fabric until the channel closes
// or ctx is cancelled. Each matching agent is assembled in its own
// goroutine so one slow agent's graph walk never delays another's.
func (a *Assembler) Run(ctx context.Context, events <-chan *model.EventEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			switch env.Type {
			case model.EventCreated, model.EventUpdated:
			default:
				continue
			}
			a.handle(ctx, env)
		}
	}
}

// handle is Step 1 (agent discovery) and Step 2 (trigger fetch/pointer
// extraction), shared once across every agent a trigger might interest.
func (a *Assembler) handle(ctx context.Context, env *model.EventEnvelope) {
	trigger, err := a.store.GetRecord(ctx, env.Owner, env.RecordID)
	if err != nil {
		// The trigger record cannot be fetched: the whole attempt is
		// dropped for every agent, with no empty context published.
		slog.Error("assembler: fetch trigger record", "owner", env.Owner, "record_id", env.RecordID, "error", err)
		return
	}

	agentDefs, err := a.store.ListAllAgentDefs(ctx)
	if err != nil {
		slog.Error("assembler: list agent defs", "error", err)
		return
	}

	pointers := hybridPointers(trigger, a.stateVocab)

	for _, defRec := range agentDefs {
		if defRec.OwnerID != env.Owner {
			continue
		}
		def, err := parseAgentDef(defRec)
		if err != nil {
			slog.Error("assembler: parse agent def", "record_id", defRec.ID, "error", err)
			continue
		}
		if !def.ContextTrigger.MatchesEnvelope(env, trigger.Visibility, trigger.Sensitivity) {
			continue
		}

		go a.assembleFor(ctx, def, defRec, env, trigger, pointers)
	}
}

// assembleFor bounds one (event, agent) assembly attempt to the
// configured wall-clock ceiling — past it the attempt is abandoned rather
// than held open indefinitely.
func (a *Assembler) assembleFor(
	ctx      context.Context,
	def      model.AgentDef,
	defRec   *model.Record,
	env      *model.EventEnvelope,
	trigger  *model.Record,
	pointers []string,
) {
	ceiling := a.cfg.WallClockCeiling
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	if err := a.run(ctx, def, defRec, env, trigger, pointers); err != nil {
		slog.Error("assembler: assemble context", "agent_id", def.AgentID, "trigger_id", trigger.ID, "error", err)
	}
}

// run is steps 3 through 9 for one (trigger, agent) pair.
func (a *Assembler) run(
	ctx      context.Context,
	def      model.AgentDef,
	defRec   *model.Record,
	env      *model.EventEnvelope,
	trigger  *model.Record,
	pointers []string,
) error {
	ownerID := env.Owner

	seeds := a.collectSeeds(ctx, ownerID, trigger, def, pointers)

	budget, err := a.budgets.Resolve(ctx, ownerID, defRec.Context)
	if err != nil {
		slog.Error("assembler: resolve token budget", "agent_id", def.AgentID, "error", err)
	}
	if budget <= 0 {
		budget = a.cfg.DefaultBudget
	}
	if budget <= 0 {
		budget = 50000
	}

	radius := a.cfg.Radius
	if radius <= 0 {
		radius = 2
	}

	reachedIDs, edges, err := a.graphLoad(ctx, ownerID, seeds, radius)
	if err != nil {
		// A failed graph load still leaves the seeds themselves available.
		slog.Error("assembler: graph load", "agent_id", def.AgentID, "error", err)
		reachedIDs = seeds
		edges = nil
	}

	nodes := a.loadNodes(ctx, ownerID, reachedIDs)
	if _, ok := nodes[trigger.ID]; !ok {
		nodes[trigger.ID] = trigger
	}

	selected := a.selectWithinBudget(seeds, nodes, edges, budget)
	if len(selected) == 0 {
		// An empty graph load (or a budget too small for anything else)
		// still publishes a context of the trigger alone.
		selected = []string{trigger.ID}
	}

	ordered := prioritySort(trigger.ID, selected, nodes)

	formatted, count := a.fetchAndFormat(ctx, ownerID, ordered)
	tokens := a.budgets.EstimateTokens(formatted)

	return a.publish(ctx, ownerID, def.AgentID, trigger.ID, sessionTagOf(trigger), formatted, tokens, count)
}

// collectSeeds is Step 3: trigger id, always-sources, semantic hybrid-
// search seeds, and recent same-session records, deduplicated in
// first-seen order.
func (a *Assembler) collectSeeds(ctx context.Context, ownerID string, trigger *model.Record, def model.AgentDef, pointers []string) []string {
	seen := make(map[string]struct{})
	var seeds []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		seeds = append(seeds, id)
	}

	add(trigger.ID)

	for _, src := range def.ContextSources.Always {
		ids, err := a.alwaysSourceIDs(ctx, ownerID, trigger.ID, src)
		if err != nil {
			if !src.Optional {
				slog.Error("assembler: always source", "agent_id", def.AgentID, "type", src.Type, "error", err)
			}
			continue
		}
		for _, id := range ids {
			add(id)
		}
	}

	sem := def.ContextSources.Semantic
	if sem.Enabled && len(sem.Schemas) > 0 {
		limit := sem.Limit
		if limit <= 0 {
			limit = 10
		}
		results, err := a.substrate.Search(ctx, systemIdentity(ownerID), trigger.Title, pointers, sem.Schemas, a.cfg.ContextBlacklist, limit)
		if err != nil {
			slog.Error("assembler: semantic seed search", "agent_id", def.AgentID, "error", err)
		} else {
			for _, r := range results {
				if sem.MinSimilarity > 0 && r.Score < sem.MinSimilarity {
					continue
				}
				add(r.Record.ID)
			}
		}
	}

	if sessionTag := sessionTagOf(trigger); sessionTag != "" {
		limit := a.cfg.SessionSeedLimit
		if limit <= 0 {
			limit = 20
		}
		recs, err := a.store.ListRecords(ctx, ownerID, "", true, model.RecordFilter{Tag: sessionTag, Limit: limit})
		if err != nil {
			slog.Error("assembler: session seed list", "agent_id", def.AgentID, "error", err)
		} else {
			for _, rec := range recs {
				add(rec.ID)
			}
		}
	}

	return seeds
}

// alwaysSourceIDs resolves one context_sources.always entry into record
// ids, honoring its method (latest/recent/all) as a listing limit.
func (a *Assembler) alwaysSourceIDs(ctx context.Context, ownerID, excludeID string, src model.ContextSourceAlways) ([]string, error) {
	var filter model.RecordFilter
	switch src.Type {
	case "schema":
		filter.SchemaName = src.SchemaName
	case "tag":
		filter.Tag = src.Tag
	default:
		return nil, fmt.Errorf("unknown always-source type %q", src.Type)
	}

	switch src.Method {
	case "latest":
		filter.Limit = 1
	case "recent":
		filter.Limit = src.Limit
		if filter.Limit <= 0 {
			filter.Limit = 10
		}
	case "all":
		filter.Limit = src.Limit
	default:
		return nil, fmt.Errorf("unknown always-source method %q", src.Method)
	}

	recs, err := a.store.ListRecords(ctx, ownerID, "", true, filter)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.ID == excludeID {
			continue
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// graphLoad is Step 5: BFS outward from the seed set up to radius hops
// using repeated ListEdgesAmong frontier expansions, then one final call
// to load every edge touching the fully reached node set.
func (a *Assembler) graphLoad(ctx context.Context, ownerID string, seeds []string, radius int) ([]string, []model.Edge, error) {
	reached := make(map[string]struct{}, len(seeds))
	for _, s := range seeds {
		reached[s] = struct{}{}
	}

	frontier := append([]string(nil), seeds...)
	for depth := 0; depth < radius && len(frontier) > 0; depth++ {
		edges, err := a.store.ListEdgesAmong(ctx, ownerID, frontier)
		if err != nil {
			return nil, nil, fmt.Errorf("expand frontier at depth %d: %w", depth, err)
		}

		var next []string
		for _, e := range edges {
			if _, ok := reached[e.FromID]; !ok {
				reached[e.FromID] = struct{}{}
				next = append(next, e.FromID)
			}
			if _, ok := reached[e.ToID]; !ok {
				reached[e.ToID] = struct{}{}
				next = append(next, e.ToID)
			}
		}
		frontier = next
	}

	ids := make([]string, 0, len(reached))
	for id := range reached {
		ids = append(ids, id)
	}

	edges, err := a.store.ListEdgesAmong(ctx, ownerID, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load edges among reached set: %w", err)
	}

	return ids, edges, nil
}

// loadNodes fetches raw rows (for size/schema/updated_at) for the reached
// set in parallel; a node that fails to load is simply absent from the
// result and drops out of the walk.
func (a *Assembler) loadNodes(ctx context.Context, ownerID string, ids []string) map[string]*model.Record {
	nodes := make(map[string]*model.Record, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			rec, err := a.store.GetRecord(gctx, ownerID, id)
			if err != nil {
				slog.Error("assembler: load graph node", "record_id", id, "error", err)
				return nil
			}
			mu.Lock()
			nodes[id] = rec
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return nodes
}

type edgeHop struct {
	to   string
	cost float64
}

type queueItem struct {
	id    string
	cost  float64
	depth int
}

type priorityQueue []queueItem

func (q priorityQueue) Len() int            { return len(q) }
func (q priorityQueue) Less(i, j int) bool  { return q[i].cost < q[j].cost }
func (q priorityQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)          { *q = append(*q, x.(queueItem)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// selectWithinBudget is Step 6: a multi-source, token-budgeted Dijkstra
// over the reached set, starting every seed at cost 0.
func (a *Assembler) selectWithinBudget(seeds []string, nodes map[string]*model.Record, edges []model.Edge, budget int64) []string {
	adj := make(map[string][]edgeHop, len(nodes))
	for _, e := range edges {
		cost := e.EdgeType.TraversalCost(e.Weight)
		adj[e.FromID] = append(adj[e.FromID], edgeHop{to: e.ToID, cost: cost})
		adj[e.ToID] = append(adj[e.ToID], edgeHop{to: e.FromID, cost: cost})
	}

	maxResults := a.cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 50
	}
	maxDepth := a.cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 5
	}

	pq := &priorityQueue{}
	heap.Init(pq)
	for _, s := range seeds {
		heap.Push(pq, queueItem{id: s, cost: 0, depth: 0})
	}

	visited := make(map[string]struct{}, len(nodes))
	var accepted []string
	var cumulative int64

	for pq.Len() > 0 {
		item := heap.Pop(pq).(queueItem)
		if _, ok := visited[item.id]; ok {
			continue
		}
		rec, ok := nodes[item.id]
		if !ok {
			continue
		}

		tokens := tokenEstimate(rec.SizeBytes)
		if cumulative+tokens > budget {
			break
		}

		visited[item.id] = struct{}{}
		accepted = append(accepted, item.id)
		cumulative += tokens

		if len(accepted) >= maxResults {
			break
		}
		if item.depth >= maxDepth {
			continue
		}
		for _, hop := range adj[item.id] {
			if _, ok := visited[hop.to]; ok {
				continue
			}
			heap.Push(pq, queueItem{id: hop.to, cost: item.cost + hop.cost, depth: item.depth + 1})
		}
	}

	return accepted
}

var priorityBands = map[string]int{
	"tool.catalog.v1":  0,
	"agent.catalog.v1": 0,
	"knowledge.v1":     1,
	"note.v1":          1,
}

// prioritySort is Step 7: partition into high/medium/low schema bands,
// newest-first within each band, trigger kept first regardless of schema.
func prioritySort(triggerID string, ids []string, nodes map[string]*model.Record) []string {
	var bands [3][]string
	for _, id := range ids {
		if id == triggerID {
			continue
		}
		schemaName := ""
		if rec, ok := nodes[id]; ok && rec.SchemaName.Valid {
			schemaName = rec.SchemaName.V
		}
		band, ok := priorityBands[schemaName]
		if !ok {
			band = 2
		}
		bands[band] = append(bands[band], id)
	}

	for b := range bands {
		sort.Slice(bands[b], func(i, j int) bool {
			ri, oki := nodes[bands[b][i]]
			rj, okj := nodes[bands[b][j]]
			if !oki || !okj {
				return oki
			}
			return ri.UpdatedAt.After(rj.UpdatedAt)
		})
	}

	out := make([]string, 0, len(ids))
	out = append(out, triggerID)
	for _, b := range bands {
		out = append(out, b...)
	}
	return out
}

// fetchAndFormat is Step 8: fetch every selected id via C5's transformed
// fetch-min, in parallel, and join the results with the stable separator.
func (a *Assembler) fetchAndFormat(ctx context.Context, ownerID string, ids []string) (string, int) {
	identity := systemIdentity(ownerID)
	parts := make([]string, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			rec, _, err := a.substrate.GetRecordContextView(gctx, identity, id)
			if err != nil {
				slog.Error("assembler: fetch context view", "record_id", id, "error", err)
				return nil
			}
			buf, err := json.Marshal(rec.Context)
			if err != nil {
				slog.Error("assembler: marshal context view", "record_id", id, "error", err)
				return nil
			}
			parts[i] = rec.Title + "\n" + string(buf)
			return nil
		})
	}
	_ = g.Wait()

	var formatted []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		formatted = append(formatted, p)
	}

	return strings.Join(formatted, "\n\n---\n\n"), len(formatted)
}

// publish is Step 9: create the agent.context.v1 record that flows back
// through the change fabric to the agent's own subscription.
func (a *Assembler) publish(ctx context.Context, ownerID, agentID, triggerID, sessionTag, formatted string, tokens int64, count int) error {
	derived := model.DerivedContext{
		ConsumerID:       agentID,
		TriggerEventID:   triggerID,
		FormattedContext: formatted,
		TokenEstimate:    tokens,
		RecordCount:      count,
	}

	buf, err := json.Marshal(derived)
	if err != nil {
		return fmt.Errorf("marshal derived context: %w", err)
	}
	var ctxMap map[string]any
	if err := json.Unmarshal(buf, &ctxMap); err != nil {
		return fmt.Errorf("decode derived context: %w", err)
	}

	tags := []string{"agent:context", "consumer:" + agentID}
	if sessionTag != "" {
		tags = append(tags, sessionTag)
	}

	_, err = a.substrate.CreateRecord(ctx, systemIdentity(ownerID), substrate.CreateInput{
		SchemaName:  "agent.context.v1",
		Title:       "context for " + agentID,
		Context:     ctxMap,
		Tags:        tags,
		Visibility:  model.VisibilityPrivate,
		Sensitivity: model.SensitivityLow,
	}, "")
	return err
}

// parseAgentDef decodes an agent.def.v1 record's context into the typed
// agent-def shape.
func parseAgentDef(rec *model.Record) (model.AgentDef, error) {
	buf, err := json.Marshal(rec.Context)
	if err != nil {
		return model.AgentDef{}, fmt.Errorf("marshal agent def context: %w", err)
	}
	var def model.AgentDef
	if err := json.Unmarshal(buf, &def); err != nil {
		return model.AgentDef{}, fmt.Errorf("parse agent def: %w", err)
	}
	if def.AgentID == "" {
		return model.AgentDef{}, fmt.Errorf("agent def %s carries no agent_id", rec.ID)
	}
	return def, nil
}

// hybridPointers is Step 2's pointer set: structural-filtered tag
// pointers unioned with cached entity_keywords, lower-cased and
// deduplicated.
func hybridPointers(rec *model.Record, stateVocab map[string]struct{}) []string {
	set := make(map[string]struct{})
	for _, t := range rec.PointerTags(stateVocab) {
		set[strings.ToLower(t)] = struct{}{}
	}
	for _, k := range rec.EntityKeywords {
		set[strings.ToLower(k)] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sessionTagOf(rec *model.Record) string {
	for _, tag := range rec.Tags {
		if strings.HasPrefix(tag, "session:") {
			return tag
		}
	}
	return ""
}

func systemIdentity(ownerID string) model.Identity {
	return model.Identity{Subject: systemSubject, OwnerID: ownerID, Roles: []string{"curator"}}
}

// tokenEstimate is the ceil(size/3) token floor used for the graph walk's
// per-node budget. The published context's token_estimate comes from
// Budgeter.EstimateTokens instead.
func tokenEstimate(sizeBytes int64) int64 {
	if sizeBytes <= 0 {
		return 0
	}
	return (sizeBytes + 2) / 3
}
