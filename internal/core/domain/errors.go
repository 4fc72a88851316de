package domain

import "errors"

var (
	ErrPartyNotFound       = errors.New("party not found")
	ErrPartyExists         = errors.New("party code already in use")
	ErrPartyFull           = errors.New("party is full")
	ErrNotMember           = errors.New("session is not a member of the party")
	ErrNoVideo             = errors.New("no video is currently playing")
	ErrNotSelector         = errors.New("only the member who selected the video can stop it")
	ErrTokenInvalid        = errors.New("invalid stream token")
	ErrTokenExpired        = errors.New("stream token expired")
	ErrItemMismatch        = errors.New("token was issued for a different item")
	ErrUpstreamUnreachable = errors.New("upstream media server unreachable")
)
