package memory

import (
	"context"
	"strings"
	"sync"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/utils"
)

// maxCodeAttempts bounds short-code generation before falling back to a
// longer random code that cannot realistically collide.
const maxCodeAttempts = 100

// MemoryPartyRepository keeps all live parties in process memory. Codes are
// stored uppercased; lookups are case-insensitive.
type MemoryPartyRepository struct {
	parties map[domain.PartyCode]*domain.Party
	mu      sync.RWMutex
}

func NewMemoryPartyRepository() ports.PartyRepository {
	return &MemoryPartyRepository{
		parties: make(map[domain.PartyCode]*domain.Party),
	}
}

func normalize(code domain.PartyCode) domain.PartyCode {
	return domain.PartyCode(strings.ToUpper(strings.TrimSpace(string(code))))
}

func (r *MemoryPartyRepository) Create(ctx context.Context) (*domain.Party, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var code domain.PartyCode
	for i := 0; i < maxCodeAttempts; i++ {
		candidate := domain.PartyCode(utils.GeneratePartyCode())
		if _, taken := r.parties[candidate]; !taken {
			code = candidate
			break
		}
	}
	if code == "" {
		code = normalize(domain.PartyCode(utils.GenerateLongCode()))
	}

	party := domain.NewParty(code)
	r.parties[code] = party
	return party, nil
}

func (r *MemoryPartyRepository) CreateWithCode(ctx context.Context, code domain.PartyCode) (*domain.Party, error) {
	code = normalize(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.parties[code]; taken {
		return nil, domain.ErrPartyExists
	}
	party := domain.NewParty(code)
	r.parties[code] = party
	return party, nil
}

func (r *MemoryPartyRepository) Get(ctx context.Context, code domain.PartyCode) (*domain.Party, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	party, exists := r.parties[normalize(code)]
	if !exists {
		return nil, domain.ErrPartyNotFound
	}
	return party, nil
}

func (r *MemoryPartyRepository) Remove(ctx context.Context, code domain.PartyCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	code = normalize(code)
	if _, exists := r.parties[code]; !exists {
		return domain.ErrPartyNotFound
	}
	delete(r.parties, code)
	return nil
}

func (r *MemoryPartyRepository) List(ctx context.Context) ([]*domain.Party, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	parties := make([]*domain.Party, 0, len(r.parties))
	for _, p := range r.parties {
		parties = append(parties, p)
	}
	return parties, nil
}

func (r *MemoryPartyRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.parties), nil
}
