package ports

import (
	"context"
	"encoding/json"

	"watchparty/internal/core/domain"
)

// Outbound event types delivered over the control channel.
const (
	EventConnected            = "connected"
	EventUserJoined           = "user_joined"
	EventUserLeft             = "user_left"
	EventSyncState            = "sync_state"
	EventVideoSelected        = "video_selected"
	EventStreamsChanged       = "streams_changed"
	EventPlay                 = "play"
	EventPause                = "pause"
	EventForcePauseBeforeSeek = "force_pause_before_seek"
	EventSeek                 = "seek"
	EventVideoStopped         = "video_stopped"
	EventVideoEnded           = "video_ended"
	EventToggleLibrary        = "toggle_library"
	EventChatMessage          = "chat_message"
	EventEvicted              = "evicted"
	EventError                = "error"
)

// Event is one outbound control-channel message addressed to a fixed set of
// sessions. Recipients are resolved while the party lock is held, so the
// delivery layer never needs to re-read party membership; delivery itself is
// fire-and-forget.
type Event struct {
	Type    string
	To      []domain.SessionID
	Payload interface{}
}

// SelectVideoRequest carries the client's item choice into the state machine.
type SelectVideoRequest struct {
	ItemID        domain.ItemID
	Title         string
	Overview      string
	AudioIndex    *int
	SubtitleIndex *int
}

// PartyInfo is the REST-facing snapshot of a room.
type PartyInfo struct {
	Code      domain.PartyCode     `json:"id"`
	Users     []string             `json:"users"`
	Video     *domain.Video        `json:"current_video"`
	Clock     domain.PlaybackClock `json:"playback_state"`
	CreatedAt string               `json:"created_at"`
}

// PartyService is the serialized mutation path for all party state. Every
// method resolves the party through the registry, holds the party lock for
// the whole transition, and returns the broadcasts the transition produced.
// Errors are reported to the initiating session only, never broadcast.
type PartyService interface {
	CreateParty(ctx context.Context) (*domain.Party, error)
	PartyInfo(ctx context.Context, code domain.PartyCode) (*PartyInfo, error)

	Join(ctx context.Context, code domain.PartyCode, session domain.SessionID, username string) ([]Event, error)
	Leave(ctx context.Context, code domain.PartyCode, session domain.SessionID) ([]Event, error)
	Disconnect(ctx context.Context, session domain.SessionID) []Event

	SelectVideo(ctx context.Context, code domain.PartyCode, session domain.SessionID, req SelectVideoRequest) ([]Event, error)
	Play(ctx context.Context, code domain.PartyCode, session domain.SessionID, t float64) ([]Event, error)
	Pause(ctx context.Context, code domain.PartyCode, session domain.SessionID, t float64) ([]Event, error)
	Seek(ctx context.Context, code domain.PartyCode, session domain.SessionID, t float64) ([]Event, error)
	ChangeStreams(ctx context.Context, code domain.PartyCode, session domain.SessionID, audioIndex, subtitleIndex *int) ([]Event, error)
	StopVideo(ctx context.Context, code domain.PartyCode, session domain.SessionID) ([]Event, error)
	VideoEnded(ctx context.Context, code domain.PartyCode, session domain.SessionID) ([]Event, error)
	ToggleLibrary(ctx context.Context, code domain.PartyCode, session domain.SessionID, show bool) ([]Event, error)
	Chat(ctx context.Context, code domain.PartyCode, session domain.SessionID, message string) ([]Event, error)
}

// TokenService gates stream proxy access.
type TokenService interface {
	// Issue returns a valid token for the (party, session, item) triple,
	// reusing an unexpired stored one when possible.
	Issue(ctx context.Context, code domain.PartyCode, session domain.SessionID, item domain.ItemID) (string, error)
	// Validate returns the owning session when the token is known, unexpired,
	// scoped to the item, and its session is still a member of a live party
	// whose current video matches.
	Validate(ctx context.Context, token string, item domain.ItemID) (domain.SessionID, error)
	// Sweep removes expired tokens. Advisory memory hygiene only; expiry is
	// enforced at validation time regardless.
	Sweep(ctx context.Context) (int, error)
	Enabled() bool
}

// MetricsRecorder receives operational counters from the core services and
// transports. Implemented by the prometheus collector; a no-op implementation
// is fine for tests.
type MetricsRecorder interface {
	PartyCreated()
	PartyRemoved()
	MemberJoined()
	MemberLeft()
	ControlMessage(msgType string)
	DuplicateDropped(cmdType string)
	BroadcastSent(eventType string, recipients int)
	TokenValidation(outcome string)
	ProxyRequest(kind, status string)
	SegmentDuration(seconds float64)
}

// MediaClient is the upstream media-server collaborator: stream descriptor
// resolution, transcode teardown and catalog browsing.
type MediaClient interface {
	StreamDescriptor(ctx context.Context, item domain.ItemID, audioIndex, subtitleIndex *int) (*domain.StreamDescriptor, error)
	StopActiveEncodings(ctx context.Context) error

	Libraries(ctx context.Context) (json.RawMessage, error)
	Items(ctx context.Context, parentID, itemType string, recursive bool) (json.RawMessage, error)
	Search(ctx context.Context, query string) (json.RawMessage, error)
	ItemDetails(ctx context.Context, item domain.ItemID) (json.RawMessage, error)
	ItemStreams(ctx context.Context, item domain.ItemID) ([]domain.MediaStream, string, error)
	Intro(ctx context.Context, item domain.ItemID) (*domain.IntroInfo, error)
	Image(ctx context.Context, item domain.ItemID, imageType string) ([]byte, string, error)
	Subtitles(ctx context.Context, item domain.ItemID, mediaSourceID string, index int) ([]byte, error)
}
