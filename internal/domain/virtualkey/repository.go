package virtualkey

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines persistence operations for virtual keys
type Repository interface {
	Create(ctx context.Context, key *VirtualKey) error
	GetByIDAndUser(ctx context.Context, id, userID uuid.UUID) (*VirtualKey, error)
	GetByUser(ctx context.Context, userID uuid.UUID) ([]*VirtualKey, error)
	Update(ctx context.Context, key *VirtualKey) error
	// TouchLastUsed updates last_used_at bookkeeping; callers treat failure
	// as non-fatal
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}
