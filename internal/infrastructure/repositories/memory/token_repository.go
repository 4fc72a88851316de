package memory

import (
	"context"
	"sync"
	"time"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
)

// MemoryTokenRepository owns the stream-token table. Tokens are indexed both
// by token string and by owning member so issuance can reuse live tokens.
type MemoryTokenRepository struct {
	tokens   map[string]*domain.StreamToken
	byMember map[memberKey]string
	mu       sync.RWMutex
}

type memberKey struct {
	code    domain.PartyCode
	session domain.SessionID
	item    domain.ItemID
}

func NewMemoryTokenRepository() ports.TokenRepository {
	return &MemoryTokenRepository{
		tokens:   make(map[string]*domain.StreamToken),
		byMember: make(map[memberKey]string),
	}
}

func keyOf(t *domain.StreamToken) memberKey {
	return memberKey{code: t.PartyCode, session: t.SessionID, item: t.ItemID}
}

func (r *MemoryTokenRepository) Put(ctx context.Context, token *domain.StreamToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A member re-minting for the same item replaces its previous token.
	if old, exists := r.byMember[keyOf(token)]; exists {
		delete(r.tokens, old)
	}
	r.tokens[token.Token] = token
	r.byMember[keyOf(token)] = token.Token
	return nil
}

func (r *MemoryTokenRepository) Get(ctx context.Context, token string) (*domain.StreamToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, exists := r.tokens[token]
	if !exists {
		return nil, domain.ErrTokenInvalid
	}
	return st, nil
}

func (r *MemoryTokenRepository) Delete(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.tokens[token]
	if !exists {
		return domain.ErrTokenInvalid
	}
	delete(r.tokens, token)
	delete(r.byMember, keyOf(st))
	return nil
}

func (r *MemoryTokenRepository) FindForMember(ctx context.Context, code domain.PartyCode, session domain.SessionID, item domain.ItemID) (*domain.StreamToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	token, exists := r.byMember[memberKey{code: code, session: session, item: item}]
	if !exists {
		return nil, domain.ErrTokenInvalid
	}
	return r.tokens[token], nil
}

func (r *MemoryTokenRepository) DeleteExpired(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	removed := 0
	for token, st := range r.tokens {
		if st.Expired(now) {
			delete(r.tokens, token)
			delete(r.byMember, keyOf(st))
			removed++
		}
	}
	return removed, nil
}
