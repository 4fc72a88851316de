package domain

import "time"

// StreamToken is a capability granting one session proxy access to the HLS
// segments of one item. It is only valid for the (session, item) pair it was
// minted for and only before ExpiresAt; validation additionally requires the
// owning session to still be a member of its party and the item to still be
// the party's current video.
type StreamToken struct {
	Token     string
	PartyCode PartyCode
	SessionID SessionID
	ItemID    ItemID
	ExpiresAt time.Time
}

func (t *StreamToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
