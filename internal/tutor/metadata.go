package tutor

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/Snehasis4321/language-learning-backend/internal/prompt"
)

// Metadata is the session configuration carried in a participant's join
// metadata JSON. Only the first joining participant's metadata configures the
// session.
type Metadata struct {
	Difficulty prompt.Difficulty
	Topic      string
}

// ParseMetadata parses the raw join metadata into a [Metadata], falling back
// to defaults on any problem. The parse-or-default contract is deliberate:
// a learner with a broken client still gets a working beginner session, and
// the failure is logged rather than surfaced.
//
// Recognised keys: "difficulty" and "topic". An absent or empty difficulty
// defaults to beginner; unrecognised values are passed through unchanged and
// resolved by the prompt builder. Invalid JSON yields the full defaults.
func ParseMetadata(raw string) Metadata {
	md := Metadata{Difficulty: prompt.DifficultyBeginner}
	if strings.TrimSpace(raw) == "" {
		return md
	}

	var wire struct {
		Difficulty string `json:"difficulty"`
		Topic      string `json:"topic"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		slog.Debug("tutor: invalid participant metadata, using defaults", "error", err)
		return md
	}

	if wire.Difficulty != "" {
		md.Difficulty = prompt.Difficulty(wire.Difficulty)
	}
	md.Topic = wire.Topic
	return md
}
