package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/internal/infrastructure/repositories/memory"
)

type mockMediaClient struct {
	mock.Mock
}

func (m *mockMediaClient) StreamDescriptor(ctx context.Context, item domain.ItemID, audioIndex, subtitleIndex *int) (*domain.StreamDescriptor, error) {
	args := m.Called(ctx, item, audioIndex, subtitleIndex)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StreamDescriptor), args.Error(1)
}

func (m *mockMediaClient) StopActiveEncodings(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockMediaClient) Libraries(ctx context.Context) (json.RawMessage, error) {
	return nil, nil
}
func (m *mockMediaClient) Search(ctx context.Context, q string) (json.RawMessage, error) {
	return nil, nil
}
func (m *mockMediaClient) Items(ctx context.Context, parentID, itemType string, recursive bool) (json.RawMessage, error) {
	return nil, nil
}
func (m *mockMediaClient) ItemDetails(ctx context.Context, item domain.ItemID) (json.RawMessage, error) {
	return nil, nil
}
func (m *mockMediaClient) ItemStreams(ctx context.Context, item domain.ItemID) ([]domain.MediaStream, string, error) {
	return nil, "", nil
}
func (m *mockMediaClient) Intro(ctx context.Context, item domain.ItemID) (*domain.IntroInfo, error) {
	return nil, nil
}
func (m *mockMediaClient) Image(ctx context.Context, item domain.ItemID, imageType string) ([]byte, string, error) {
	return nil, "", nil
}
func (m *mockMediaClient) Subtitles(ctx context.Context, item domain.ItemID, mediaSourceID string, index int) ([]byte, error) {
	return nil, nil
}

type noopMetrics struct{}

func (noopMetrics) PartyCreated()               {}
func (noopMetrics) PartyRemoved()               {}
func (noopMetrics) MemberJoined()               {}
func (noopMetrics) MemberLeft()                 {}
func (noopMetrics) ControlMessage(string)       {}
func (noopMetrics) DuplicateDropped(string)     {}
func (noopMetrics) BroadcastSent(string, int)   {}
func (noopMetrics) TokenValidation(string)      {}
func (noopMetrics) ProxyRequest(string, string) {}
func (noopMetrics) SegmentDuration(float64)     {}

func newTestService(t *testing.T, media ports.MediaClient, cfg PartyServiceConfig) (ports.PartyService, ports.PartyRepository) {
	t.Helper()
	if cfg.DuplicateEpsilon == 0 {
		cfg.DuplicateEpsilon = 0.3
	}
	if cfg.SeekBufferDelay == 0 {
		cfg.SeekBufferDelay = 1500 * time.Millisecond
	}
	partyRepo := memory.NewMemoryPartyRepository()
	tokenRepo := memory.NewMemoryTokenRepository()
	tokens := NewTokenService(tokenRepo, partyRepo, noopMetrics{}, zap.NewNop().Sugar(), true, time.Hour)
	svc := NewPartyService(partyRepo, media, tokens, noopMetrics{}, zap.NewNop().Sugar(), cfg)
	return svc, partyRepo
}

func eventsOfType(events []ports.Event, eventType string) []ports.Event {
	var out []ports.Event
	for _, e := range events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func selectTestVideo(t *testing.T, svc ports.PartyService, media *mockMediaClient, code domain.PartyCode, session domain.SessionID) {
	t.Helper()
	media.On("StreamDescriptor", mock.Anything, domain.ItemID("item-1"), (*int)(nil), (*int)(nil)).
		Return(&domain.StreamDescriptor{
			URLBase:       "/hls/item-1/master.m3u8",
			MediaSourceID: "ms-1",
			PlaySessionID: "ps-1",
		}, nil).Maybe()
	media.On("StopActiveEncodings", mock.Anything).Return(nil).Maybe()

	_, err := svc.SelectVideo(context.Background(), code, session, ports.SelectVideoRequest{
		ItemID: "item-1", Title: "Test Movie",
	})
	require.NoError(t, err)
}

func TestJoin_GeneratesUsernameAndReturnsSnapshot(t *testing.T) {
	svc, _ := newTestService(t, &mockMediaClient{}, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)

	events, err := svc.Join(ctx, party.Code, "sess-1", "")
	require.NoError(t, err)

	sync := eventsOfType(events, ports.EventSyncState)
	require.Len(t, sync, 1)
	assert.Equal(t, []domain.SessionID{"sess-1"}, sync[0].To)

	payload := sync[0].Payload.(syncStatePayload)
	assert.False(t, payload.Playing)
	assert.Zero(t, payload.Time)
	assert.Nil(t, payload.Video)
	require.Len(t, payload.Users, 1)
	assert.NotEmpty(t, payload.Users[0], "blank username must be generated server-side")
}

func TestJoin_BroadcastsToExistingMembers(t *testing.T) {
	svc, _ := newTestService(t, &mockMediaClient{}, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)

	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)

	events, err := svc.Join(ctx, party.Code, "sess-2", "bob")
	require.NoError(t, err)

	joined := eventsOfType(events, ports.EventUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, []domain.SessionID{"sess-1"}, joined[0].To)
	payload := joined[0].Payload.(userJoinedPayload)
	assert.Equal(t, "bob", payload.Username)
	assert.Equal(t, []string{"alice", "bob"}, payload.Users)
}

func TestJoin_CompensatesClockWhilePlaying(t *testing.T) {
	media := &mockMediaClient{}
	svc, repo := newTestService(t, media, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	selectTestVideo(t, svc, media, party.Code, "sess-1")

	// Playback started at 100s, five seconds of wall time ago.
	stored, err := repo.Get(ctx, party.Code)
	require.NoError(t, err)
	stored.Lock()
	stored.Clock = domain.PlaybackClock{
		Time:       100,
		Playing:    true,
		LastUpdate: time.Now().Add(-5 * time.Second),
	}
	stored.Unlock()

	events, err := svc.Join(ctx, party.Code, "sess-2", "bob")
	require.NoError(t, err)

	sync := eventsOfType(events, ports.EventSyncState)
	require.Len(t, sync, 1)
	payload := sync[0].Payload.(syncStatePayload)
	assert.True(t, payload.Playing)
	assert.InDelta(t, 105, payload.Time, 0.5, "joiner must land on the live position")
}

func TestJoin_UsernameCollisionEvictsStaleSessionAndTransfersSelector(t *testing.T) {
	media := &mockMediaClient{}
	svc, repo := newTestService(t, media, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-old", "alice")
	require.NoError(t, err)
	selectTestVideo(t, svc, media, party.Code, "sess-old")

	// The same viewer reconnects under a new session before the old one
	// is cleaned up.
	events, err := svc.Join(ctx, party.Code, "sess-new", "alice")
	require.NoError(t, err)

	evicted := eventsOfType(events, ports.EventEvicted)
	require.Len(t, evicted, 1)
	assert.Equal(t, []domain.SessionID{"sess-old"}, evicted[0].To)

	stored, err := repo.Get(ctx, party.Code)
	require.NoError(t, err)
	stored.Lock()
	defer stored.Unlock()
	_, oldAlive := stored.MemberBySession("sess-old")
	assert.False(t, oldAlive, "stale session must be removed")
	_, newAlive := stored.MemberBySession("sess-new")
	assert.True(t, newAlive)
	assert.Equal(t, domain.SessionID("sess-new"), stored.CurrentVideo.SelectedBy,
		"selector rights must follow the username")
}

func TestJoin_PartyFull(t *testing.T) {
	svc, _ := newTestService(t, &mockMediaClient{}, PartyServiceConfig{MaxUsers: 1})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)

	_, err = svc.Join(ctx, party.Code, "sess-2", "bob")
	assert.ErrorIs(t, err, domain.ErrPartyFull)
}

func TestPlay_RequiresMembership(t *testing.T) {
	media := &mockMediaClient{}
	svc, _ := newTestService(t, media, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	selectTestVideo(t, svc, media, party.Code, "sess-1")

	_, err = svc.Play(ctx, party.Code, "stranger", 10)
	assert.ErrorIs(t, err, domain.ErrNotMember)
}

func TestPlay_RequiresVideo(t *testing.T) {
	svc, _ := newTestService(t, &mockMediaClient{}, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)

	_, err = svc.Play(ctx, party.Code, "sess-1", 10)
	assert.ErrorIs(t, err, domain.ErrNoVideo)
}

func TestPlayPause_DuplicateWithinEpsilonIsDropped(t *testing.T) {
	media := &mockMediaClient{}
	svc, repo := newTestService(t, media, PartyServiceConfig{DuplicateEpsilon: 0.3})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-2", "bob")
	require.NoError(t, err)
	selectTestVideo(t, svc, media, party.Code, "sess-1")

	events, err := svc.Play(ctx, party.Code, "sess-1", 10.0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []domain.SessionID{"sess-2"}, events[0].To)

	// bob's client re-emits the play it just applied, slightly off.
	events, err = svc.Play(ctx, party.Code, "sess-2", 10.2)
	require.NoError(t, err)
	assert.Empty(t, events, "echo within epsilon must be dropped silently")

	stored, err := repo.Get(ctx, party.Code)
	require.NoError(t, err)
	stored.Lock()
	clockTime := stored.Clock.Time
	stored.Unlock()
	assert.Equal(t, 10.0, clockTime, "dropped duplicate must not touch the clock")

	// A genuinely new play outside epsilon goes through.
	events, err = svc.Play(ctx, party.Code, "sess-2", 11.0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPause_DifferentTypeIsNotADuplicate(t *testing.T) {
	media := &mockMediaClient{}
	svc, _ := newTestService(t, media, PartyServiceConfig{DuplicateEpsilon: 0.3})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	selectTestVideo(t, svc, media, party.Code, "sess-1")

	_, err = svc.Play(ctx, party.Code, "sess-1", 10.0)
	require.NoError(t, err)

	// A pause at the same position is a real state change, not an echo.
	events, err := svc.Pause(ctx, party.Code, "sess-1", 10.1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSelectVideo_ResetsClock(t *testing.T) {
	media := &mockMediaClient{}
	svc, repo := newTestService(t, media, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	selectTestVideo(t, svc, media, party.Code, "sess-1")

	_, err = svc.Play(ctx, party.Code, "sess-1", 42)
	require.NoError(t, err)

	media.On("StreamDescriptor", mock.Anything, domain.ItemID("item-2"), (*int)(nil), (*int)(nil)).
		Return(&domain.StreamDescriptor{URLBase: "/hls/item-2/master.m3u8", MediaSourceID: "ms-2"}, nil)
	events, err := svc.SelectVideo(ctx, party.Code, "sess-1", ports.SelectVideoRequest{
		ItemID: "item-2", Title: "Another Movie",
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ports.EventVideoSelected, events[0].Type)

	stored, err := repo.Get(ctx, party.Code)
	require.NoError(t, err)
	stored.Lock()
	defer stored.Unlock()
	assert.Zero(t, stored.Clock.Time)
	assert.False(t, stored.Clock.Playing)
	assert.Equal(t, domain.ItemID("item-2"), stored.CurrentVideo.ItemID)
}

func TestSelectVideo_PerMemberTokens(t *testing.T) {
	media := &mockMediaClient{}
	svc, _ := newTestService(t, media, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-2", "bob")
	require.NoError(t, err)

	media.On("StreamDescriptor", mock.Anything, domain.ItemID("item-1"), (*int)(nil), (*int)(nil)).
		Return(&domain.StreamDescriptor{URLBase: "/hls/item-1/master.m3u8", MediaSourceID: "ms-1"}, nil)
	events, err := svc.SelectVideo(ctx, party.Code, "sess-1", ports.SelectVideoRequest{
		ItemID: "item-1", Title: "Test Movie",
	})
	require.NoError(t, err)
	require.Len(t, events, 2)

	urls := map[string]bool{}
	for _, e := range events {
		require.Len(t, e.To, 1)
		payload := e.Payload.(*videoPayload)
		assert.Contains(t, payload.StreamURL, "token=")
		urls[payload.StreamURL] = true
	}
	assert.Len(t, urls, 2, "each member gets its own token")
}

func TestSeek_WhilePlayingForcesPauseThenSeekToEveryone(t *testing.T) {
	media := &mockMediaClient{}
	svc, _ := newTestService(t, media, PartyServiceConfig{SeekBufferDelay: 1500 * time.Millisecond})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-2", "bob")
	require.NoError(t, err)
	selectTestVideo(t, svc, media, party.Code, "sess-1")

	_, err = svc.Play(ctx, party.Code, "sess-1", 10)
	require.NoError(t, err)

	events, err := svc.Seek(ctx, party.Code, "sess-1", 300)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, ports.EventForcePauseBeforeSeek, events[0].Type)
	assert.Len(t, events[0].To, 2, "seeker included")

	assert.Equal(t, ports.EventSeek, events[1].Type)
	assert.Len(t, events[1].To, 2)
	payload := events[1].Payload.(seekPayload)
	assert.Equal(t, 300.0, payload.Time)
	assert.True(t, payload.Playing)
	assert.Equal(t, int64(1500), payload.BufferDelay)
}

func TestSeek_WhilePausedGoesToOthersOnly(t *testing.T) {
	media := &mockMediaClient{}
	svc, _ := newTestService(t, media, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-2", "bob")
	require.NoError(t, err)
	selectTestVideo(t, svc, media, party.Code, "sess-1")

	events, err := svc.Seek(ctx, party.Code, "sess-1", 120)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ports.EventSeek, events[0].Type)
	assert.Equal(t, []domain.SessionID{"sess-2"}, events[0].To)
	payload := events[0].Payload.(seekPayload)
	assert.False(t, payload.Playing)
	assert.Zero(t, payload.BufferDelay)
}

func TestStopVideo_SelectorOnly(t *testing.T) {
	media := &mockMediaClient{}
	svc, repo := newTestService(t, media, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-2", "bob")
	require.NoError(t, err)
	selectTestVideo(t, svc, media, party.Code, "sess-1")

	_, err = svc.StopVideo(ctx, party.Code, "sess-2")
	assert.ErrorIs(t, err, domain.ErrNotSelector)

	events, err := svc.StopVideo(ctx, party.Code, "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ports.EventVideoStopped, events[0].Type)
	assert.Len(t, events[0].To, 2)

	stored, err := repo.Get(ctx, party.Code)
	require.NoError(t, err)
	stored.Lock()
	defer stored.Unlock()
	assert.Nil(t, stored.CurrentVideo)
	assert.Zero(t, stored.Clock.Time)
	assert.False(t, stored.Clock.Playing)
}

func TestVideoEnded_ResetsClockAndClearsSelector(t *testing.T) {
	media := &mockMediaClient{}
	svc, repo := newTestService(t, media, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	selectTestVideo(t, svc, media, party.Code, "sess-1")
	_, err = svc.Play(ctx, party.Code, "sess-1", 5000)
	require.NoError(t, err)

	_, err = svc.VideoEnded(ctx, party.Code, "sess-1")
	require.NoError(t, err)

	stored, err := repo.Get(ctx, party.Code)
	require.NoError(t, err)
	stored.Lock()
	defer stored.Unlock()
	assert.Zero(t, stored.Clock.Time)
	assert.False(t, stored.Clock.Playing)
	require.NotNil(t, stored.CurrentVideo, "video stays selected for replay")
	assert.Empty(t, stored.CurrentVideo.SelectedBy)
}

func TestLeave_LastMemberRemovesParty(t *testing.T) {
	svc, repo := newTestService(t, &mockMediaClient{}, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)

	events, err := svc.Leave(ctx, party.Code, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = repo.Get(ctx, party.Code)
	assert.ErrorIs(t, err, domain.ErrPartyNotFound)
}

func TestPersistentRoom_SurvivesEmptyAndRecreates(t *testing.T) {
	svc, repo := newTestService(t, &mockMediaClient{}, PartyServiceConfig{PersistentRoom: "MOVIE"})
	ctx := context.Background()

	// First join lazily creates the room.
	_, err := svc.Join(ctx, "movie", "sess-1", "alice")
	require.NoError(t, err)

	_, err = svc.Leave(ctx, "MOVIE", "sess-1")
	require.NoError(t, err)

	// Empty persistent room is kept.
	_, err = repo.Get(ctx, "MOVIE")
	assert.NoError(t, err)

	// Even if it disappears, a join recreates it.
	require.NoError(t, repo.Remove(ctx, "MOVIE"))
	_, err = svc.Join(ctx, "MOVIE", "sess-2", "bob")
	assert.NoError(t, err)
}

func TestDisconnect_CleansUpWithoutRoomCode(t *testing.T) {
	svc, repo := newTestService(t, &mockMediaClient{}, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-2", "bob")
	require.NoError(t, err)

	events := svc.Disconnect(ctx, "sess-1")
	require.Len(t, events, 1)
	assert.Equal(t, ports.EventUserLeft, events[0].Type)

	stored, err := repo.Get(ctx, party.Code)
	require.NoError(t, err)
	stored.Lock()
	defer stored.Unlock()
	assert.Len(t, stored.Members, 1)
}

func TestChat_BroadcastsToEveryoneWithUsername(t *testing.T) {
	svc, _ := newTestService(t, &mockMediaClient{}, PartyServiceConfig{})
	ctx := context.Background()

	party, err := svc.CreateParty(ctx)
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-1", "alice")
	require.NoError(t, err)
	_, err = svc.Join(ctx, party.Code, "sess-2", "bob")
	require.NoError(t, err)

	events, err := svc.Chat(ctx, party.Code, "sess-1", "hello")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Len(t, events[0].To, 2, "sender sees its own message echoed")
	payload := events[0].Payload.(chatMessagePayload)
	assert.Equal(t, "alice", payload.Username)
	assert.Equal(t, "hello", payload.Message)

	_, err = svc.Chat(ctx, party.Code, "stranger", "hi")
	assert.ErrorIs(t, err, domain.ErrNotMember)
}
