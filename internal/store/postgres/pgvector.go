package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/pgvector/pgvector-go"

	"github.com/rakunlabs/rcrt/internal/vector"
)

// vectorLiteral renders vec as a pgvector input literal ("[v1,v2,...]") via
// pgvector.Vector's own Value encoding. It's taken as a plain string rather
// than bound through database/sql, since this store's queries go through
// goqu's interpolated ToSQL rather than prepared placeholders (records.go,
// edges.go use the same ?-into-literal pattern for jsonb containment).
func vectorLiteral(vec []float32) (string, error) {
	val, err := pgvector.NewVector(vec).Value()
	if err != nil {
		return "", fmt.Errorf("encode pgvector literal: %w", err)
	}
	s, _ := val.(string)
	return s, nil
}

// PgVectorIndex is the Postgres-native ANN backend: it stores each record's
// embedding in a pgvector "vector" column on the records table and searches
// with the <=> cosine-distance operator, instead of keeping a second
// in-process or external index in sync.
type PgVectorIndex struct {
	db    *sql.DB
	goqu  *goqu.Database
	table string
}

// NewPgVectorIndex adapts an already-migrated Postgres store for vector.Index
// use, so the ANN index and the relational record share one database
// instead of needing a second store kept in sync.
func NewPgVectorIndex(p *Postgres) *PgVectorIndex {
	return &PgVectorIndex{db: p.db, goqu: p.goqu, table: p.recordsTableName}
}

func (idx *PgVectorIndex) Upsert(ctx context.Context, ownerID, recordID string, vec []float32) error {
	if vec == nil {
		return idx.Delete(ctx, ownerID, recordID)
	}

	lit, err := vectorLiteral(vec)
	if err != nil {
		return err
	}

	query, _, err := idx.goqu.Update(goqu.T(idx.table)).
		Set(goqu.Record{"embedding_ann": goqu.L("?::vector", lit)}).
		Where(goqu.I("id").Eq(recordID), goqu.I("owner_id").Eq(ownerID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build pgvector upsert query: %w", err)
	}
	if _, err := idx.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("pgvector upsert %s: %w", recordID, err)
	}
	return nil
}

func (idx *PgVectorIndex) Delete(ctx context.Context, ownerID, recordID string) error {
	query, _, err := idx.goqu.Update(goqu.T(idx.table)).
		Set(goqu.Record{"embedding_ann": nil}).
		Where(goqu.I("id").Eq(recordID), goqu.I("owner_id").Eq(ownerID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build pgvector delete query: %w", err)
	}
	if _, err := idx.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("pgvector delete %s: %w", recordID, err)
	}
	return nil
}

func (idx *PgVectorIndex) Search(ctx context.Context, ownerID string, query []float32, topK int, threshold float64) ([]vector.Candidate, error) {
	lit, err := vectorLiteral(query)
	if err != nil {
		return nil, err
	}

	sqlQuery, _, err := idx.goqu.From(goqu.T(idx.table)).
		Select("id", goqu.L("1 - (embedding_ann <=> ?::vector)", lit).As("score")).
		Where(
			goqu.I("owner_id").Eq(ownerID),
			goqu.I("embedding_ann").IsNotNull(),
		).
		Order(goqu.L("embedding_ann <=> ?::vector", lit).Asc()).
		Limit(uint(topK)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build pgvector search query: %w", err)
	}

	rows, err := idx.db.QueryContext(ctx, sqlQuery)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var out []vector.Candidate
	for rows.Next() {
		var c vector.Candidate
		if err := rows.Scan(&c.RecordID, &c.Score); err != nil {
			return nil, fmt.Errorf("scan pgvector search row: %w", err)
		}
		if c.Score < threshold {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
