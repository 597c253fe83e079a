package repository

import (
	"context"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/access"
)

// InTx adapts WithTx to the access.Store contract so the controller
// can run sponsorship grants transactionally.
func (s *Store) InTx(ctx context.Context, fn func(access.Store) error) error {
	return s.WithTx(ctx, func(tx *Store) error {
		return fn(tx)
	})
}
