package domain

import (
	"sync"
	"time"
)

type PartyCode string
type SessionID string
type ItemID string

// Member is one connected viewer inside a party, keyed by its
// control-channel session.
type Member struct {
	SessionID SessionID `json:"session_id"`
	Username  string    `json:"username"`
	JoinedAt  time.Time `json:"joined_at"`
}

// PlaybackClock is the server-authoritative playback position for a
// party's current video. Time is in seconds. LastUpdate stamps the moment
// the clock was last written, so join-time compensation can extrapolate
// the real position while Playing is true.
type PlaybackClock struct {
	Time       float64   `json:"time"`
	Playing    bool      `json:"playing"`
	LastUpdate time.Time `json:"last_update"`
}

// Video describes the item a party is currently watching. StreamURLBase is
// the proxy-relative HLS URL without any access token; per-member tokens
// are appended when the URL is handed to a specific viewer.
type Video struct {
	ItemID        ItemID    `json:"item_id"`
	Title         string    `json:"title"`
	Overview      string    `json:"overview"`
	StreamURLBase string    `json:"-"`
	AudioIndex    *int      `json:"audio_index"`
	SubtitleIndex *int      `json:"subtitle_index"`
	MediaSourceID string    `json:"media_source_id"`
	SelectedBy    SessionID `json:"-"`
}

// lastCommand remembers the most recent applied control command of a given
// type, for duplicate/echo suppression.
type lastCommand struct {
	Time      float64
	AppliedAt time.Time
}

// duplicateWindow bounds how long an applied command keeps absorbing echoes.
// An echo arrives within a round trip; a matching command long after that is
// a viewer genuinely repeating the action.
const duplicateWindow = 5 * time.Second

// Party is one watch-party room. All mutation of Members, CurrentVideo and
// Clock must happen while holding the party mutex; two control events for
// the same room must never interleave their read-modify-write.
type Party struct {
	Code         PartyCode
	CreatedAt    time.Time
	Members      map[SessionID]*Member
	CurrentVideo *Video
	Clock        PlaybackClock

	mu       sync.Mutex
	lastCmds map[string]lastCommand
}

func NewParty(code PartyCode) *Party {
	return &Party{
		Code:      code,
		CreatedAt: time.Now(),
		Members:   make(map[SessionID]*Member),
		Clock:     PlaybackClock{Playing: false, Time: 0, LastUpdate: time.Now()},
		lastCmds:  make(map[string]lastCommand),
	}
}

// Lock serializes state transitions for this party.
func (p *Party) Lock() { p.mu.Lock() }

func (p *Party) Unlock() { p.mu.Unlock() }

// ResetClock puts the playback clock back to {0, paused}. Callers must hold
// the party lock.
func (p *Party) ResetClock() {
	p.Clock = PlaybackClock{Time: 0, Playing: false, LastUpdate: time.Now()}
	p.lastCmds = make(map[string]lastCommand)
}

// IsDuplicate reports whether a command of the given type at the given time
// is within epsilon of the previously applied command of that type. Used to
// absorb echoes from clients re-emitting a change they just received; old
// records age out so a repeated command at the same position goes through.
// Callers must hold the party lock.
func (p *Party) IsDuplicate(cmdType string, t float64, epsilon float64) bool {
	last, ok := p.lastCmds[cmdType]
	if !ok || time.Since(last.AppliedAt) > duplicateWindow {
		return false
	}
	diff := t - last.Time
	if diff < 0 {
		diff = -diff
	}
	return diff <= epsilon
}

// RecordCommand stamps the command as the most recent of its type.
// Callers must hold the party lock.
func (p *Party) RecordCommand(cmdType string, t float64) {
	p.lastCmds[cmdType] = lastCommand{Time: t, AppliedAt: time.Now()}
}

// MemberBySession returns the member owning the session, if any. Callers
// must hold the party lock.
func (p *Party) MemberBySession(id SessionID) (*Member, bool) {
	m, ok := p.Members[id]
	return m, ok
}

// MemberByUsername returns the member currently holding the username, if
// any. Callers must hold the party lock.
func (p *Party) MemberByUsername(username string) (*Member, bool) {
	for _, m := range p.Members {
		if m.Username == username {
			return m, true
		}
	}
	return nil, false
}

// Usernames lists member names in join order. Callers must hold the party
// lock.
func (p *Party) Usernames() []string {
	members := make([]*Member, 0, len(p.Members))
	for _, m := range p.Members {
		members = append(members, m)
	}
	// Stable order keeps member lists deterministic for clients.
	for i := 1; i < len(members); i++ {
		for j := i; j > 0 && members[j].JoinedAt.Before(members[j-1].JoinedAt); j-- {
			members[j], members[j-1] = members[j-1], members[j]
		}
	}
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Username
	}
	return names
}

// SessionIDs returns every member session, optionally excluding one.
// Callers must hold the party lock.
func (p *Party) SessionIDs(exclude SessionID) []SessionID {
	ids := make([]SessionID, 0, len(p.Members))
	for id := range p.Members {
		if id == exclude {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// CompensatedClock returns a copy of the clock with elapsed wall time added
// while playing, so a viewer joining mid-playback starts at the live
// position instead of the last stored one. Callers must hold the party lock.
func (p *Party) CompensatedClock(now time.Time) PlaybackClock {
	clock := p.Clock
	if clock.Playing && !clock.LastUpdate.IsZero() {
		clock.Time += now.Sub(clock.LastUpdate).Seconds()
	}
	return clock
}
