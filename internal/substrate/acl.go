package substrate

import (
	"context"
	"time"

	"github.com/rakunlabs/rcrt/internal/model"
)

// GrantACL adds a grant on top of the RLS predicate, letting granteeID
// perform action on recordID even when RLS alone would deny it.
func (s *Substrate) GrantACL(ctx context.Context, grantedBy, recordID, granteeID string, action model.ACLAction) (*model.ACLGrant, error) {
	grant := &model.ACLGrant{
		ID:        newULID(),
		RecordID:  recordID,
		GranteeID: granteeID,
		Action:    action,
		GrantedAt: time.Now().UTC(),
		GrantedBy: grantedBy,
	}

	if err := s.store.CreateACLGrant(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

func (s *Substrate) RevokeACL(ctx context.Context, ownerID, recordID, granteeID string, action model.ACLAction) error {
	return s.store.RevokeACLGrant(ctx, ownerID, recordID, granteeID, action)
}

func (s *Substrate) ListACLGrants(ctx context.Context, recordID string) ([]*model.ACLGrant, error) {
	return s.store.ListACLGrants(ctx, recordID)
}
