// Package room implements the authoritative state of one drawing/guessing game:
// its players, the current round, the stroke history, and the transports
// attached to it. All mutation is serialized by a per-room lock and every
// outbound send happens after that lock is released.
package room

import (
	"strings"
	"time"
	"unicode/utf8"
)

// HintGlyph masks one character of the secret word.
const HintGlyph = "_"

// Player is a participant known to a room. Players are keyed by username and
// persist until the lobby is reset, independent of any transport.
type Player struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
}

// Round is the single guessing challenge a room can run at a time.
type Round struct {
	Word      string
	Hint      string
	Active    bool
	StartTime time.Time
	Duration  time.Duration
}

// Seconds returns the round length in whole seconds as announced on the wire.
func (r Round) Seconds() int {
	return int(r.Duration / time.Second)
}

// Remaining returns the time left at now, floored at zero.
func (r Round) Remaining(now time.Time) time.Duration {
	left := r.Duration - now.Sub(r.StartTime)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the round has run for at least its full duration.
func (r Round) Expired(now time.Time) bool {
	return now.Sub(r.StartTime) >= r.Duration
}

// MaskWord returns one HintGlyph per character of word.
//
// Postcondition: utf8.RuneCountInString(result) == utf8.RuneCountInString(word).
func MaskWord(word string) string {
	return strings.Repeat(HintGlyph, utf8.RuneCountInString(word))
}
