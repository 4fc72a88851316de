package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/utils"
)

type tokenService struct {
	tokenRepo ports.TokenRepository
	partyRepo ports.PartyRepository
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	enabled   bool
	ttl       time.Duration
}

func NewTokenService(
	tokenRepo ports.TokenRepository,
	partyRepo ports.PartyRepository,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
	enabled bool,
	ttl time.Duration,
) ports.TokenService {
	return &tokenService{
		tokenRepo: tokenRepo,
		partyRepo: partyRepo,
		metrics:   metrics,
		logger:    logger,
		enabled:   enabled,
		ttl:       ttl,
	}
}

func (s *tokenService) Enabled() bool { return s.enabled }

func (s *tokenService) Issue(ctx context.Context, code domain.PartyCode, session domain.SessionID, item domain.ItemID) (string, error) {
	if existing, err := s.tokenRepo.FindForMember(ctx, code, session, item); err == nil && !existing.Expired(time.Now()) {
		return existing.Token, nil
	}

	token := &domain.StreamToken{
		Token:     utils.GenerateStreamToken(),
		PartyCode: code,
		SessionID: session,
		ItemID:    item,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	if err := s.tokenRepo.Put(ctx, token); err != nil {
		return "", fmt.Errorf("failed to store stream token: %w", err)
	}
	return token.Token, nil
}

// Validate checks everything the proxy needs before serving media: the token
// is known and fresh, it is scoped to the requested item, its party is still
// live, the owning session is still a member and the item is still the one
// the party is watching. A stop or item switch revokes outstanding tokens.
func (s *tokenService) Validate(ctx context.Context, token string, item domain.ItemID) (domain.SessionID, error) {
	st, err := s.tokenRepo.Get(ctx, token)
	if err != nil {
		s.metrics.TokenValidation("unknown")
		return "", domain.ErrTokenInvalid
	}
	if st.Expired(time.Now()) {
		s.metrics.TokenValidation("expired")
		return "", domain.ErrTokenExpired
	}
	if st.ItemID != item {
		s.metrics.TokenValidation("item_mismatch")
		return "", domain.ErrItemMismatch
	}

	party, err := s.partyRepo.Get(ctx, st.PartyCode)
	if err != nil {
		s.metrics.TokenValidation("party_gone")
		return "", domain.ErrTokenInvalid
	}

	party.Lock()
	_, member := party.MemberBySession(st.SessionID)
	itemCurrent := party.CurrentVideo != nil && party.CurrentVideo.ItemID == st.ItemID
	party.Unlock()
	if !member {
		s.metrics.TokenValidation("session_gone")
		return "", domain.ErrTokenInvalid
	}
	if !itemCurrent {
		s.metrics.TokenValidation("item_stale")
		return "", domain.ErrTokenInvalid
	}

	s.metrics.TokenValidation("ok")
	return st.SessionID, nil
}

func (s *tokenService) Sweep(ctx context.Context) (int, error) {
	n, err := s.tokenRepo.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debugw("expired stream tokens swept", "count", n)
	}
	return n, nil
}
