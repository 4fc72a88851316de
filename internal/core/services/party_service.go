package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/utils"
)

// Outbound payload shapes. Field names are part of the client protocol.

type userJoinedPayload struct {
	Username string   `json:"username"`
	Users    []string `json:"users"`
}

type userLeftPayload struct {
	Username string   `json:"username"`
	Users    []string `json:"users"`
}

type videoPayload struct {
	ItemID        domain.ItemID `json:"item_id"`
	Title         string        `json:"title"`
	Overview      string        `json:"overview,omitempty"`
	StreamURL     string        `json:"stream_url"`
	AudioIndex    *int          `json:"audio_index"`
	SubtitleIndex *int          `json:"subtitle_index"`
	MediaSourceID string        `json:"media_source_id"`
	SelectedBy    string        `json:"selected_by"`
}

type syncStatePayload struct {
	Time    float64       `json:"time"`
	Playing bool          `json:"playing"`
	Video   *videoPayload `json:"video"`
	Users   []string      `json:"users"`
}

type playbackPayload struct {
	Time     float64 `json:"time"`
	Username string  `json:"username"`
}

type seekPayload struct {
	Time        float64 `json:"time"`
	Playing     bool    `json:"playing"`
	BufferDelay int64   `json:"buffer_delay,omitempty"`
}

type streamsChangedPayload struct {
	Video      *videoPayload `json:"video"`
	ResumeTime float64       `json:"resume_time"`
}

type videoStoppedPayload struct {
	Message string `json:"message"`
}

type toggleLibraryPayload struct {
	Show     bool   `json:"show"`
	Username string `json:"username"`
}

type chatMessagePayload struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type evictedPayload struct {
	Reason string `json:"reason"`
}

// PartyServiceConfig carries the sync-protocol tunables.
type PartyServiceConfig struct {
	MaxUsers         int
	PersistentRoom   domain.PartyCode
	DuplicateEpsilon float64
	SeekBufferDelay  time.Duration
}

type partyService struct {
	partyRepo ports.PartyRepository
	media     ports.MediaClient
	tokens    ports.TokenService
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	cfg       PartyServiceConfig

	// sessions maps a control-channel session to the party it joined, so
	// Disconnect can clean up without the client naming its room.
	mu       sync.RWMutex
	sessions map[domain.SessionID]domain.PartyCode
}

func NewPartyService(
	partyRepo ports.PartyRepository,
	media ports.MediaClient,
	tokens ports.TokenService,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
	cfg PartyServiceConfig,
) ports.PartyService {
	return &partyService{
		partyRepo: partyRepo,
		media:     media,
		tokens:    tokens,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		sessions:  make(map[domain.SessionID]domain.PartyCode),
	}
}

func (s *partyService) CreateParty(ctx context.Context) (*domain.Party, error) {
	party, err := s.partyRepo.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create party: %w", err)
	}
	s.metrics.PartyCreated()
	s.logger.Infow("party created", "code", party.Code)
	return party, nil
}

func (s *partyService) PartyInfo(ctx context.Context, code domain.PartyCode) (*ports.PartyInfo, error) {
	party, err := s.getParty(ctx, code)
	if err != nil {
		return nil, err
	}

	party.Lock()
	defer party.Unlock()
	return &ports.PartyInfo{
		Code:      party.Code,
		Users:     party.Usernames(),
		Video:     party.CurrentVideo,
		Clock:     party.CompensatedClock(time.Now()),
		CreatedAt: party.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

// getParty resolves a room, lazily recreating the configured persistent room.
func (s *partyService) getParty(ctx context.Context, code domain.PartyCode) (*domain.Party, error) {
	party, err := s.partyRepo.Get(ctx, code)
	if err == nil {
		return party, nil
	}
	if errors.Is(err, domain.ErrPartyNotFound) && s.isPersistentRoom(code) {
		party, createErr := s.partyRepo.CreateWithCode(ctx, s.cfg.PersistentRoom)
		if createErr == nil {
			s.metrics.PartyCreated()
			s.logger.Infow("persistent room recreated", "code", party.Code)
			return party, nil
		}
		// Lost a recreate race; the other caller's party is live now.
		return s.partyRepo.Get(ctx, code)
	}
	return nil, err
}

func (s *partyService) isPersistentRoom(code domain.PartyCode) bool {
	return s.cfg.PersistentRoom != "" &&
		strings.EqualFold(string(code), string(s.cfg.PersistentRoom))
}

func (s *partyService) Join(ctx context.Context, code domain.PartyCode, session domain.SessionID, username string) ([]ports.Event, error) {
	party, err := s.getParty(ctx, code)
	if err != nil {
		return nil, err
	}

	username = strings.TrimSpace(username)
	if username == "" {
		username = utils.GenerateUsername()
	}

	party.Lock()
	defer party.Unlock()

	var events []ports.Event

	if existing, ok := party.MemberByUsername(username); ok && existing.SessionID != session {
		// A reconnecting client gets a fresh session before the old one times
		// out. The name owner is the live connection; the stale session is
		// evicted and selector rights follow the name.
		delete(party.Members, existing.SessionID)
		if party.CurrentVideo != nil && party.CurrentVideo.SelectedBy == existing.SessionID {
			party.CurrentVideo.SelectedBy = session
		}
		s.forget(existing.SessionID)
		events = append(events, ports.Event{
			Type:    ports.EventEvicted,
			To:      []domain.SessionID{existing.SessionID},
			Payload: evictedPayload{Reason: "username taken over by a new connection"},
		})
		s.logger.Infow("stale session evicted on rejoin",
			"party", party.Code, "username", username, "old_session", existing.SessionID)
	}

	if _, rejoining := party.MemberBySession(session); !rejoining {
		if s.cfg.MaxUsers > 0 && len(party.Members) >= s.cfg.MaxUsers {
			return nil, domain.ErrPartyFull
		}
		party.Members[session] = &domain.Member{
			SessionID: session,
			Username:  username,
			JoinedAt:  time.Now(),
		}
		s.metrics.MemberJoined()
	}

	s.remember(session, party.Code)

	users := party.Usernames()
	if others := party.SessionIDs(session); len(others) > 0 {
		events = append(events, ports.Event{
			Type:    ports.EventUserJoined,
			To:      others,
			Payload: userJoinedPayload{Username: username, Users: users},
		})
	}
	events = append(events, ports.Event{
		Type:    ports.EventSyncState,
		To:      []domain.SessionID{session},
		Payload: s.snapshotLocked(ctx, party, session, users),
	})

	s.logger.Infow("member joined", "party", party.Code, "username", username, "session", session)
	return events, nil
}

// snapshotLocked builds the joiner's sync_state with wall-clock compensation
// so a mid-playback join lands on the live position. Callers hold the lock.
func (s *partyService) snapshotLocked(ctx context.Context, party *domain.Party, session domain.SessionID, users []string) syncStatePayload {
	clock := party.CompensatedClock(time.Now())
	return syncStatePayload{
		Time:    clock.Time,
		Playing: clock.Playing,
		Video:   s.videoPayloadLocked(ctx, party, session),
		Users:   users,
	}
}

// videoPayloadLocked renders the current video for one member, with that
// member's personal stream token appended. Callers hold the lock.
func (s *partyService) videoPayloadLocked(ctx context.Context, party *domain.Party, session domain.SessionID) *videoPayload {
	v := party.CurrentVideo
	if v == nil {
		return nil
	}

	streamURL := v.StreamURLBase
	if s.tokens.Enabled() {
		token, err := s.tokens.Issue(ctx, party.Code, session, v.ItemID)
		if err != nil {
			s.logger.Errorw("failed to issue stream token",
				"party", party.Code, "session", session, "error", err)
		} else {
			streamURL = appendQueryParam(streamURL, "token", token)
		}
	}

	selectedBy := ""
	if m, ok := party.MemberBySession(v.SelectedBy); ok {
		selectedBy = m.Username
	}

	return &videoPayload{
		ItemID:        v.ItemID,
		Title:         v.Title,
		Overview:      v.Overview,
		StreamURL:     streamURL,
		AudioIndex:    v.AudioIndex,
		SubtitleIndex: v.SubtitleIndex,
		MediaSourceID: v.MediaSourceID,
		SelectedBy:    selectedBy,
	}
}

func (s *partyService) Leave(ctx context.Context, code domain.PartyCode, session domain.SessionID) ([]ports.Event, error) {
	party, err := s.partyRepo.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.removeMember(ctx, party, session), nil
}

func (s *partyService) Disconnect(ctx context.Context, session domain.SessionID) []ports.Event {
	s.mu.RLock()
	code, ok := s.sessions[session]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	party, err := s.partyRepo.Get(ctx, code)
	if err != nil {
		s.forget(session)
		return nil
	}
	return s.removeMember(ctx, party, session)
}

func (s *partyService) removeMember(ctx context.Context, party *domain.Party, session domain.SessionID) []ports.Event {
	party.Lock()
	defer party.Unlock()

	member, ok := party.MemberBySession(session)
	if !ok {
		s.forget(session)
		return nil
	}

	delete(party.Members, session)
	s.forget(session)
	s.metrics.MemberLeft()
	s.logger.Infow("member left", "party", party.Code, "username", member.Username)

	if len(party.Members) == 0 {
		if !s.isPersistentRoom(party.Code) {
			if err := s.partyRepo.Remove(ctx, party.Code); err == nil {
				s.metrics.PartyRemoved()
				s.logger.Infow("empty party removed", "code", party.Code)
			}
		}
		if party.CurrentVideo != nil {
			s.stopEncodingsAsync(party.Code)
		}
		return nil
	}

	return []ports.Event{{
		Type:    ports.EventUserLeft,
		To:      party.SessionIDs(""),
		Payload: userLeftPayload{Username: member.Username, Users: party.Usernames()},
	}}
}

func (s *partyService) SelectVideo(ctx context.Context, code domain.PartyCode, session domain.SessionID, req ports.SelectVideoRequest) ([]ports.Event, error) {
	party, err := s.partyRepo.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	// Upstream I/O stays outside the party lock; only the commit below is
	// serialized.
	desc, err := s.media.StreamDescriptor(ctx, req.ItemID, req.AudioIndex, req.SubtitleIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve stream: %w", err)
	}

	party.Lock()
	defer party.Unlock()

	if _, ok := party.MemberBySession(session); !ok {
		return nil, domain.ErrNotMember
	}

	if party.CurrentVideo != nil {
		s.stopEncodingsAsync(party.Code)
	}

	party.CurrentVideo = &domain.Video{
		ItemID:        req.ItemID,
		Title:         req.Title,
		Overview:      req.Overview,
		StreamURLBase: desc.URLBase,
		AudioIndex:    desc.AudioIndex,
		SubtitleIndex: desc.SubtitleIndex,
		MediaSourceID: desc.MediaSourceID,
		SelectedBy:    session,
	}
	party.ResetClock()

	s.logger.Infow("video selected",
		"party", party.Code, "item", req.ItemID, "title", req.Title, "session", session)

	// Tokens are per member, so each viewer gets its own payload.
	events := make([]ports.Event, 0, len(party.Members))
	for id := range party.Members {
		events = append(events, ports.Event{
			Type:    ports.EventVideoSelected,
			To:      []domain.SessionID{id},
			Payload: s.videoPayloadLocked(ctx, party, id),
		})
	}
	return events, nil
}

func (s *partyService) Play(ctx context.Context, code domain.PartyCode, session domain.SessionID, t float64) ([]ports.Event, error) {
	return s.applyPlayback(ctx, code, session, t, true)
}

func (s *partyService) Pause(ctx context.Context, code domain.PartyCode, session domain.SessionID, t float64) ([]ports.Event, error) {
	return s.applyPlayback(ctx, code, session, t, false)
}

func (s *partyService) applyPlayback(ctx context.Context, code domain.PartyCode, session domain.SessionID, t float64, playing bool) ([]ports.Event, error) {
	cmd := ports.EventPause
	if playing {
		cmd = ports.EventPlay
	}

	party, err := s.partyRepo.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	party.Lock()
	defer party.Unlock()

	member, ok := party.MemberBySession(session)
	if !ok {
		return nil, domain.ErrNotMember
	}
	if party.CurrentVideo == nil {
		return nil, domain.ErrNoVideo
	}

	// Clients re-emit commands they just received; a same-type command within
	// epsilon of the last applied one is an echo and is dropped whole, with
	// no clock write and no broadcast.
	if party.IsDuplicate(cmd, t, s.cfg.DuplicateEpsilon) {
		s.metrics.DuplicateDropped(cmd)
		s.logger.Debugw("duplicate command dropped", "party", party.Code, "type", cmd, "time", t)
		return nil, nil
	}

	party.Clock = domain.PlaybackClock{Time: t, Playing: playing, LastUpdate: time.Now()}
	party.RecordCommand(cmd, t)

	return []ports.Event{{
		Type:    cmd,
		To:      party.SessionIDs(session),
		Payload: playbackPayload{Time: t, Username: member.Username},
	}}, nil
}

func (s *partyService) Seek(ctx context.Context, code domain.PartyCode, session domain.SessionID, t float64) ([]ports.Event, error) {
	party, err := s.partyRepo.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	party.Lock()
	defer party.Unlock()

	if _, ok := party.MemberBySession(session); !ok {
		return nil, domain.ErrNotMember
	}
	if party.CurrentVideo == nil {
		return nil, domain.ErrNoVideo
	}

	wasPlaying := party.Clock.Playing
	party.Clock = domain.PlaybackClock{Time: t, Playing: wasPlaying, LastUpdate: time.Now()}
	party.RecordCommand(ports.EventSeek, t)

	if wasPlaying {
		// Seeking during playback needs everyone, seeker included, to pause,
		// buffer at the new position and resume together.
		all := party.SessionIDs("")
		return []ports.Event{
			{Type: ports.EventForcePauseBeforeSeek, To: all, Payload: struct{}{}},
			{Type: ports.EventSeek, To: all, Payload: seekPayload{
				Time:        t,
				Playing:     true,
				BufferDelay: s.cfg.SeekBufferDelay.Milliseconds(),
			}},
		}, nil
	}

	return []ports.Event{{
		Type:    ports.EventSeek,
		To:      party.SessionIDs(session),
		Payload: seekPayload{Time: t, Playing: false},
	}}, nil
}

func (s *partyService) ChangeStreams(ctx context.Context, code domain.PartyCode, session domain.SessionID, audioIndex, subtitleIndex *int) ([]ports.Event, error) {
	party, err := s.partyRepo.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	party.Lock()
	if _, ok := party.MemberBySession(session); !ok {
		party.Unlock()
		return nil, domain.ErrNotMember
	}
	if party.CurrentVideo == nil {
		party.Unlock()
		return nil, domain.ErrNoVideo
	}
	item := party.CurrentVideo.ItemID
	party.Unlock()

	// Descriptor resolution is upstream I/O; the lock is dropped for it and
	// the item is re-checked on commit in case the video changed meanwhile.
	desc, err := s.media.StreamDescriptor(ctx, item, audioIndex, subtitleIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve stream: %w", err)
	}

	party.Lock()
	defer party.Unlock()

	if party.CurrentVideo == nil || party.CurrentVideo.ItemID != item {
		return nil, domain.ErrNoVideo
	}

	s.stopEncodingsAsync(party.Code)

	party.CurrentVideo.StreamURLBase = desc.URLBase
	party.CurrentVideo.AudioIndex = desc.AudioIndex
	party.CurrentVideo.SubtitleIndex = desc.SubtitleIndex
	party.CurrentVideo.MediaSourceID = desc.MediaSourceID

	resume := party.CompensatedClock(time.Now()).Time
	s.logger.Infow("streams changed",
		"party", party.Code, "item", item, "resume_time", resume)

	events := make([]ports.Event, 0, len(party.Members))
	for id := range party.Members {
		events = append(events, ports.Event{
			Type: ports.EventStreamsChanged,
			To:   []domain.SessionID{id},
			Payload: streamsChangedPayload{
				Video:      s.videoPayloadLocked(ctx, party, id),
				ResumeTime: resume,
			},
		})
	}
	return events, nil
}

func (s *partyService) StopVideo(ctx context.Context, code domain.PartyCode, session domain.SessionID) ([]ports.Event, error) {
	party, err := s.partyRepo.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	party.Lock()
	defer party.Unlock()

	member, ok := party.MemberBySession(session)
	if !ok {
		return nil, domain.ErrNotMember
	}
	if party.CurrentVideo == nil {
		return nil, domain.ErrNoVideo
	}
	if party.CurrentVideo.SelectedBy != session {
		return nil, domain.ErrNotSelector
	}

	s.stopEncodingsAsync(party.Code)
	party.CurrentVideo = nil
	party.ResetClock()

	s.logger.Infow("video stopped", "party", party.Code, "by", member.Username)

	return []ports.Event{{
		Type:    ports.EventVideoStopped,
		To:      party.SessionIDs(""),
		Payload: videoStoppedPayload{Message: fmt.Sprintf("%s stopped the video", member.Username)},
	}}, nil
}

func (s *partyService) VideoEnded(ctx context.Context, code domain.PartyCode, session domain.SessionID) ([]ports.Event, error) {
	party, err := s.partyRepo.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	party.Lock()
	defer party.Unlock()

	if _, ok := party.MemberBySession(session); !ok {
		return nil, domain.ErrNotMember
	}
	if party.CurrentVideo == nil {
		return nil, domain.ErrNoVideo
	}

	// The video stays selected so the room can replay it; only the clock and
	// the selector linkage reset.
	party.CurrentVideo.SelectedBy = ""
	party.ResetClock()

	return []ports.Event{{
		Type:    ports.EventVideoEnded,
		To:      party.SessionIDs(session),
		Payload: struct{}{},
	}}, nil
}

func (s *partyService) ToggleLibrary(ctx context.Context, code domain.PartyCode, session domain.SessionID, show bool) ([]ports.Event, error) {
	party, err := s.partyRepo.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	party.Lock()
	defer party.Unlock()

	member, ok := party.MemberBySession(session)
	if !ok {
		return nil, domain.ErrNotMember
	}

	return []ports.Event{{
		Type:    ports.EventToggleLibrary,
		To:      party.SessionIDs(session),
		Payload: toggleLibraryPayload{Show: show, Username: member.Username},
	}}, nil
}

func (s *partyService) Chat(ctx context.Context, code domain.PartyCode, session domain.SessionID, message string) ([]ports.Event, error) {
	party, err := s.partyRepo.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	party.Lock()
	defer party.Unlock()

	member, ok := party.MemberBySession(session)
	if !ok {
		return nil, domain.ErrNotMember
	}

	return []ports.Event{{
		Type: ports.EventChatMessage,
		To:   party.SessionIDs(""),
		Payload: chatMessagePayload{
			Username:  member.Username,
			Message:   message,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}}, nil
}

// stopEncodingsAsync tears down upstream transcode sessions without holding
// up the state transition that triggered it.
func (s *partyService) stopEncodingsAsync(code domain.PartyCode) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.media.StopActiveEncodings(ctx); err != nil {
			s.logger.Warnw("failed to stop active encodings", "party", code, "error", err)
		}
	}()
}

func (s *partyService) remember(session domain.SessionID, code domain.PartyCode) {
	s.mu.Lock()
	s.sessions[session] = code
	s.mu.Unlock()
}

func (s *partyService) forget(session domain.SessionID) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
}

func appendQueryParam(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + key + "=" + value
}
