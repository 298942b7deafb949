package substrate

import (
	"context"

	"github.com/rakunlabs/rcrt/internal/model"
)

// ListAllAgentDefs forwards to the store's cross-tenant agent.def.v1 scan.
// Used by the server's tenant-listing approximation and by nothing in C9
// itself (the assembler talks to the store directly, see its own narrow
// Store interface).
func (s *Substrate) ListAllAgentDefs(ctx context.Context) ([]*model.Record, error) {
	return s.store.ListAllAgentDefs(ctx)
}
