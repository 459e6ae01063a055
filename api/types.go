package api

import (
	"context"

	"board-sync/authority"
	"board-sync/domain"
)

// Board is the authority as seen by the HTTP and socket handlers.
type Board interface {
	Pull(ctx context.Context) (domain.BoardState, error)
	Apply(ctx context.Context, origin string, op domain.Op) (bool, error)
	Attach(ctx context.Context, id string) (*authority.Subscription, error)
	Detach(ctx context.Context, id string) error
	Resync(ctx context.Context, id string) error
}

// Authenticator resolves an Authorization header to a caller id.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper remembers idempotency keys per caller.
type Deduper interface {
	Add(ctx context.Context, userID, key string) (bool, error)
	Remove(ctx context.Context, userID, key string) error
}
