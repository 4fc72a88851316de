package utils

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
)

// PartyCodeAlphabet excludes visually ambiguous characters (0, O, 1, I, L)
// so codes stay shareable over voice chat and handwriting.
const PartyCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// PartyCodeLength is 5, giving 31^5 ≈ 28.6M codes. With the expected party
// population (tens, not thousands) a collision on a single draw is below
// 1e-5, so the bounded retry in the registry practically never exhausts.
const PartyCodeLength = 5

// GeneratePartyCode returns one random candidate room code. Uniqueness
// against live parties is the registry's job.
func GeneratePartyCode() string {
	b := make([]byte, PartyCodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(PartyCodeAlphabet))))
		if err != nil {
			// crypto/rand only fails when the platform entropy source is
			// broken; there is no sane recovery.
			panic(err)
		}
		b[i] = PartyCodeAlphabet[n.Int64()]
	}
	return string(b)
}

// GenerateLongCode returns a url-safe random code used as a fallback when
// short-code generation keeps colliding.
func GenerateLongCode() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateStreamToken returns an unguessable opaque capability token.
func GenerateStreamToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
