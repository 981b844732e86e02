// Package engine defines the game engine the controller drives. Engines are opaque to the
// controller: it only starts them, feeds them command tokens and moves their state in and out of
// the session store as bytes.
package engine

import (
	"strings"
)

// State is an engine-specific game state. Only the engine that produced it may interpret it.
type State any

type Engine interface {
	// Start creates a fresh game and returns its opening output.
	Start() (State, string, error)
	// Apply runs one command against st, mutating it, and returns the output text.
	Apply(st State, tokens []string) (string, error)
	Serialize(st State) ([]byte, error)
	Deserialize(b []byte) (State, error)
}

// Tokenize turns the text of an inbound message into command tokens. Leading @mentions are
// addressing, not input, and #hashtags are dropped wherever they appear.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	leading := true
	for _, f := range fields {
		if leading && strings.HasPrefix(f, "@") {
			continue
		}
		leading = false
		if strings.HasPrefix(f, "#") {
			continue
		}
		out = append(out, f)
	}
	return out
}
