package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/rcrt/internal/model"
	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

type recordRow struct {
	ID             string
	OwnerID        string
	AuthorID       string
	SchemaName     sql.NullString
	Title          string
	Context        json.RawMessage
	Tags           json.RawMessage
	Visibility     string
	Sensitivity    string
	Embedding      json.RawMessage
	EntityKeywords json.RawMessage
	Version        int64
	CreatedAt      string
	UpdatedAt      string
	CreatedBy      string
	UpdatedBy      string
	Checksum       string
	SizeBytes      int64
	TTL            sql.NullString
}

var recordColumns = []any{
	"id", "owner_id", "author_id", "schema_name", "title", "context", "tags",
	"visibility", "sensitivity", "embedding", "entity_keywords", "version",
	"created_at", "updated_at", "created_by", "updated_by", "checksum",
	"size_bytes", "ttl",
}

func rowFromRecord(rec *model.Record) (goqu.Record, error) {
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	tagsJSON, err := json.Marshal([]string(rec.Tags))
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	var embJSON []byte
	if rec.Embedding != nil {
		embJSON, err = json.Marshal(rec.Embedding)
		if err != nil {
			return nil, fmt.Errorf("marshal embedding: %w", err)
		}
	}
	keywordsJSON, err := json.Marshal([]string(rec.EntityKeywords))
	if err != nil {
		return nil, fmt.Errorf("marshal entity_keywords: %w", err)
	}

	var ttl *string
	if rec.TTL.Valid {
		s := formatTime(rec.TTL.V.Time)
		ttl = &s
	}

	var schemaName *string
	if rec.SchemaName.Valid {
		schemaName = &rec.SchemaName.V
	}

	return goqu.Record{
		"id":              rec.ID,
		"owner_id":        rec.OwnerID,
		"author_id":       rec.AuthorID,
		"schema_name":     schemaName,
		"title":           rec.Title,
		"context":         string(ctxJSON),
		"tags":            string(tagsJSON),
		"visibility":      string(rec.Visibility),
		"sensitivity":     string(rec.Sensitivity),
		"embedding":       nullableJSON(embJSON),
		"entity_keywords": string(keywordsJSON),
		"version":         rec.Version,
		"created_at":      formatTime(rec.CreatedAt),
		"updated_at":      formatTime(rec.UpdatedAt),
		"created_by":      rec.CreatedBy,
		"updated_by":      rec.UpdatedBy,
		"checksum":        rec.Checksum,
		"size_bytes":      rec.SizeBytes,
		"ttl":             ttl,
	}, nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func scanRecord(scanner interface {
	Scan(dest ...any) error
}) (*model.Record, error) {
	var row recordRow
	if err := scanner.Scan(
		&row.ID, &row.OwnerID, &row.AuthorID, &row.SchemaName, &row.Title,
		&row.Context, &row.Tags, &row.Visibility, &row.Sensitivity,
		&row.Embedding, &row.EntityKeywords, &row.Version, &row.CreatedAt,
		&row.UpdatedAt, &row.CreatedBy, &row.UpdatedBy, &row.Checksum,
		&row.SizeBytes, &row.TTL,
	); err != nil {
		return nil, err
	}
	return recordFromRow(row)
}

func recordFromRow(row recordRow) (*model.Record, error) {
	createdAt, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", row.ID, err)
	}
	updatedAt, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", row.ID, err)
	}

	rec := &model.Record{
		ID:          row.ID,
		OwnerID:     row.OwnerID,
		AuthorID:    row.AuthorID,
		Title:       row.Title,
		Visibility:  model.Visibility(row.Visibility),
		Sensitivity: model.Sensitivity(row.Sensitivity),
		Version:     row.Version,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		CreatedBy:   row.CreatedBy,
		UpdatedBy:   row.UpdatedBy,
		Checksum:    row.Checksum,
		SizeBytes:   row.SizeBytes,
	}

	if row.SchemaName.Valid {
		rec.SchemaName = types.Null[string]{V: row.SchemaName.String, Valid: true}
	}
	if row.TTL.Valid {
		ttl, err := parseTime(row.TTL.String)
		if err != nil {
			return nil, fmt.Errorf("parse ttl for %s: %w", row.ID, err)
		}
		rec.TTL = types.Null[types.Time]{V: types.Time{Time: ttl}, Valid: true}
	}

	if len(row.Context) > 0 {
		if err := json.Unmarshal(row.Context, &rec.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context for %s: %w", row.ID, err)
		}
	}
	var tags []string
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags for %s: %w", row.ID, err)
		}
	}
	rec.Tags = tags

	var keywords []string
	if len(row.EntityKeywords) > 0 {
		if err := json.Unmarshal(row.EntityKeywords, &keywords); err != nil {
			return nil, fmt.Errorf("unmarshal entity_keywords for %s: %w", row.ID, err)
		}
	}
	rec.EntityKeywords = keywords

	if len(row.Embedding) > 0 {
		if err := json.Unmarshal(row.Embedding, &rec.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding for %s: %w", row.ID, err)
		}
	}

	return rec, nil
}

func (s *SQLite) CreateRecord(ctx context.Context, rec *model.Record) error {
	values, err := rowFromRecord(rec)
	if err != nil {
		return err
	}

	query, _, err := s.goqu.Insert(s.tableRecords).Rows(values).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert record query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLite) GetRecord(ctx context.Context, ownerID, recordID string) (*model.Record, error) {
	query, _, err := s.goqu.From(s.tableRecords).
		Select(recordColumns...).
		Where(goqu.I("id").Eq(recordID), goqu.I("owner_id").Eq(ownerID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get record query: %w", err)
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rcrterr.NotFound("record %s", recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", recordID, err)
	}
	return rec, nil
}

// GetRecordVisible applies the tenancy+visibility+ACL predicate: curator
// bypasses visibility but not tenancy; otherwise a private record is only
// visible to its author or a grantee with read_context/read_full.
func (s *SQLite) GetRecordVisible(ctx context.Context, ownerID, callerAgentID, recordID string, curator bool) (*model.Record, error) {
	rec, err := s.GetRecord(ctx, ownerID, recordID)
	if err != nil {
		return nil, err
	}
	if curator || rec.Visibility != model.VisibilityPrivate || rec.AuthorID == callerAgentID {
		return rec, nil
	}

	grants, err := s.ListACLGrants(ctx, recordID)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		if g.GranteeID == callerAgentID && (g.Action == model.ACLReadFull || g.Action == model.ACLReadContext) {
			return rec, nil
		}
	}
	return nil, rcrterr.Forbidden("record %s is private", recordID)
}

func (s *SQLite) UpdateRecord(ctx context.Context, rec *model.Record, ifMatchVersion int64) error {
	if ifMatchVersion <= 0 {
		return rcrterr.ErrPreconditionMissing
	}

	values, err := rowFromRecord(rec)
	if err != nil {
		return err
	}
	delete(values, "id")
	delete(values, "owner_id")
	delete(values, "created_at")
	delete(values, "created_by")

	query, _, err := s.goqu.Update(s.tableRecords).
		Set(values).
		Where(
			goqu.I("id").Eq(rec.ID),
			goqu.I("owner_id").Eq(rec.OwnerID),
			goqu.I("version").Eq(ifMatchVersion),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update record query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Either the record does not exist, or the version did not match;
		// disambiguate with a follow-up read so callers get 404 vs 412.
		if _, err := s.GetRecord(ctx, rec.OwnerID, rec.ID); err != nil {
			return err
		}
		return rcrterr.VersionConflict(rec.ID, ifMatchVersion, rec.Version)
	}
	return nil
}

func (s *SQLite) DeleteRecord(ctx context.Context, ownerID, recordID string) error {
	query, _, err := s.goqu.Delete(s.tableRecords).
		Where(goqu.I("id").Eq(recordID), goqu.I("owner_id").Eq(ownerID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete record query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", recordID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return rcrterr.NotFound("record %s", recordID)
	}
	return nil
}

func (s *SQLite) ListRecords(ctx context.Context, ownerID, callerAgentID string, curator bool, filter model.RecordFilter) ([]*model.Record, error) {
	sel := s.goqu.From(s.tableRecords).
		Select(recordColumns...).
		Where(goqu.I("owner_id").Eq(ownerID))

	if !curator {
		sel = sel.Where(goqu.Or(
			goqu.I("visibility").Neq(string(model.VisibilityPrivate)),
			goqu.I("author_id").Eq(callerAgentID),
			goqu.I("id").In(
				s.goqu.From(s.tableACLs).
					Select("record_id").
					Where(goqu.I("grantee_id").Eq(callerAgentID),
						goqu.I("action").In(string(model.ACLReadContext), string(model.ACLReadFull))),
			),
		))
	}
	if filter.SchemaName != "" {
		sel = sel.Where(goqu.I("schema_name").Eq(filter.SchemaName))
	}
	if filter.Tag != "" {
		// SQLite has no jsonb containment operator; tags are matched against
		// their JSON-array text encoding.
		sel = sel.Where(goqu.L("tags LIKE ?", "%"+mustJSON(filter.Tag)+"%"))
	}
	if !filter.UpdatedSince.IsZero() {
		sel = sel.Where(goqu.I("updated_at").Gt(formatTime(filter.UpdatedSince)))
	}

	sel = sel.Order(goqu.I("updated_at").Desc())
	if filter.Limit > 0 {
		sel = sel.Limit(uint(filter.Limit))
	}

	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list records query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// mustJSON renders v (a bare tag string) the way it would appear inside the
// JSON-encoded tags array, e.g. "a" -> `"a"`, for a LIKE substring match.
func mustJSON(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func (s *SQLite) ListHistory(ctx context.Context, ownerID, recordID string) ([]*model.HistoryRow, error) {
	query, _, err := s.goqu.From(s.tableHistory).
		Select("record_id", "version", "context", "updated_at", "updated_by", "checksum").
		Where(goqu.I("record_id").Eq(recordID)).
		Order(goqu.I("version").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list history query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", recordID, err)
	}
	defer rows.Close()

	_ = ownerID // history is keyed by record id; tenancy already enforced on the owning record fetch

	var out []*model.HistoryRow
	for rows.Next() {
		var h model.HistoryRow
		var ctxJSON json.RawMessage
		var updatedAt string
		if err := rows.Scan(&h.RecordID, &h.Version, &ctxJSON, &updatedAt, &h.UpdatedBy, &h.Checksum); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &h.Context); err != nil {
				return nil, fmt.Errorf("unmarshal history context: %w", err)
			}
		}
		t, err := parseTime(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse history updated_at: %w", err)
		}
		h.UpdatedAt = t
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendHistory(ctx context.Context, row *model.HistoryRow) error {
	ctxJSON, err := json.Marshal(row.Context)
	if err != nil {
		return fmt.Errorf("marshal history context: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableHistory).Rows(
		goqu.Record{
			"record_id":  row.RecordID,
			"version":    row.Version,
			"context":    string(ctxJSON),
			"updated_at": formatTime(row.UpdatedAt),
			"updated_by": row.UpdatedBy,
			"checksum":   row.Checksum,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert history query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("append history for %s v%d: %w", row.RecordID, row.Version, err)
	}
	return nil
}
