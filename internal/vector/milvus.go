package vector

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/rakunlabs/rcrt/internal/config"
)

const (
	milvusFieldOwner    = "owner_id"
	milvusFieldRecordID = "record_id"
	milvusFieldVector   = "embedding"
)

// Milvus wires the optional external ANN backend — present in the pack's
// dependency surface but unused by any teacher source before this rewrite.
// It is kept to a single collection per process, partitioned logically by
// the owner_id scalar field rather than by physical Milvus partition, since
// tenant counts are expected to be large and dynamic.
type Milvus struct {
	c          client.Client
	collection string
}

func NewMilvus(cfg config.VectorMilvus) (*Milvus, error) {
	c, err := client.NewGrpcClient(context.Background(), cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("connect milvus at %s: %w", cfg.Address, err)
	}

	m := &Milvus{c: c, collection: cfg.CollectionName}

	ctx := context.Background()

	exists, err := c.HasCollection(ctx, m.collection)
	if err != nil {
		return nil, fmt.Errorf("check collection %s: %w", m.collection, err)
	}
	if !exists {
		if err := m.createCollection(ctx); err != nil {
			return nil, err
		}
	}

	if err := c.LoadCollection(ctx, m.collection, false); err != nil {
		return nil, fmt.Errorf("load collection %s: %w", m.collection, err)
	}

	return m, nil
}

func (m *Milvus) createCollection(ctx context.Context) error {
	schema := &entity.Schema{
		CollectionName: m.collection,
		Description:    "RCRT record embeddings",
		Fields: []*entity.Field{
			{Name: milvusFieldRecordID, DataType: entity.FieldTypeVarChar, PrimaryKey: true, TypeParams: map[string]string{"max_length": "32"}},
			{Name: milvusFieldOwner, DataType: entity.FieldTypeVarChar, TypeParams: map[string]string{"max_length": "64"}},
			{Name: milvusFieldVector, DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": "256"}},
		},
	}

	if err := m.c.CreateCollection(ctx, schema, 2); err != nil {
		return fmt.Errorf("create collection %s: %w", m.collection, err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 128)
	if err != nil {
		return fmt.Errorf("build ivf_flat index params: %w", err)
	}

	return m.c.CreateIndex(ctx, m.collection, milvusFieldVector, idx, false)
}

func (m *Milvus) Upsert(ctx context.Context, ownerID, recordID string, vec []float32) error {
	if vec == nil {
		return m.Delete(ctx, ownerID, recordID)
	}

	if err := m.Delete(ctx, ownerID, recordID); err != nil {
		return err
	}

	_, err := m.c.Insert(ctx, m.collection, "",
		entity.NewColumnVarChar(milvusFieldRecordID, []string{recordID}),
		entity.NewColumnVarChar(milvusFieldOwner, []string{ownerID}),
		entity.NewColumnFloatVector(milvusFieldVector, len(vec), [][]float32{vec}),
	)
	if err != nil {
		return fmt.Errorf("insert %s into milvus: %w", recordID, err)
	}

	return m.c.Flush(ctx, m.collection, false)
}

func (m *Milvus) Delete(ctx context.Context, _, recordID string) error {
	expr := fmt.Sprintf("%s == \"%s\"", milvusFieldRecordID, recordID)
	return m.c.Delete(ctx, m.collection, "", expr)
}

func (m *Milvus) Search(ctx context.Context, ownerID string, query []float32, topK int, threshold float64) ([]Candidate, error) {
	vectors := []entity.Vector{entity.FloatVector(query)}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("build search params: %w", err)
	}

	expr := fmt.Sprintf("%s == \"%s\"", milvusFieldOwner, ownerID)

	results, err := m.c.Search(ctx, m.collection, nil, expr, []string{milvusFieldRecordID}, vectors, milvusFieldVector, entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}

	var out []Candidate
	for _, r := range results {
		idCol, ok := r.IDs.(*entity.ColumnVarChar)
		if !ok {
			continue
		}
		for i, score := range r.Scores {
			if float64(score) < threshold {
				continue
			}
			out = append(out, Candidate{RecordID: idCol.Data()[i], Score: float64(score)})
		}
	}

	return out, nil
}
