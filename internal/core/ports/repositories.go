package ports

import (
	"context"

	"watchparty/internal/core/domain"
)

// PartyRepository is the single source of truth for room existence. All
// components resolve a *Party through it instead of caching references, so
// eviction is observed promptly.
type PartyRepository interface {
	// Create allocates a party under a freshly generated room code.
	Create(ctx context.Context) (*domain.Party, error)
	// CreateWithCode allocates a party under a fixed code (persistent room
	// mode). Fails if the code is already live.
	CreateWithCode(ctx context.Context, code domain.PartyCode) (*domain.Party, error)
	Get(ctx context.Context, code domain.PartyCode) (*domain.Party, error)
	Remove(ctx context.Context, code domain.PartyCode) error
	List(ctx context.Context) ([]*domain.Party, error)
	Count(ctx context.Context) (int, error)
}

// TokenRepository owns the stream-token table.
type TokenRepository interface {
	Put(ctx context.Context, token *domain.StreamToken) error
	Get(ctx context.Context, token string) (*domain.StreamToken, error)
	Delete(ctx context.Context, token string) error
	// FindForMember returns an existing token for the (party, session, item)
	// triple, if one is stored.
	FindForMember(ctx context.Context, code domain.PartyCode, session domain.SessionID, item domain.ItemID) (*domain.StreamToken, error)
	// DeleteExpired removes expired tokens and reports how many were dropped.
	DeleteExpired(ctx context.Context) (int, error)
}
