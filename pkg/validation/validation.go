package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"watchparty/pkg/utils"
)

var (
	// PartyCodeRegex matches short generated codes and the longer url-safe
	// fallback codes.
	PartyCodeRegex = regexp.MustCompile(`^[` + utils.PartyCodeAlphabet + `A-Za-z0-9_-]{4,16}$`)

	// ItemIDRegex validates upstream media item identifiers.
	ItemIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidatePartyCode validates a room code as received from a client.
func ValidatePartyCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("party code is required")
	}
	if !PartyCodeRegex.MatchString(code) {
		return fmt.Errorf("invalid party code format")
	}
	return nil
}

// ValidateUsername validates a viewer display name. Empty is allowed; the
// server generates a guest name in that case.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil
	}
	if utf8.RuneCountInString(username) > 32 {
		return fmt.Errorf("username is too long (max 32 characters)")
	}
	if !utf8.ValidString(username) {
		return fmt.Errorf("username contains invalid characters")
	}
	return nil
}

// ValidateItemID validates an upstream item identifier.
func ValidateItemID(itemID string) error {
	if itemID == "" {
		return fmt.Errorf("item ID is required")
	}
	if len(itemID) > 100 {
		return fmt.Errorf("item ID is too long (max 100 characters)")
	}
	if !ItemIDRegex.MatchString(itemID) {
		return fmt.Errorf("invalid item ID format")
	}
	return nil
}

// ValidateChatMessage bounds chat payloads.
func ValidateChatMessage(message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message is required")
	}
	if utf8.RuneCountInString(message) > 2000 {
		return fmt.Errorf("message is too long (max 2000 characters)")
	}
	return nil
}

// ValidatePlaybackTime rejects NaN-free nonsensical positions.
func ValidatePlaybackTime(t float64) error {
	if t != t { // NaN
		return fmt.Errorf("playback time is not a number")
	}
	if t < 0 {
		return fmt.Errorf("playback time must be >= 0")
	}
	return nil
}
