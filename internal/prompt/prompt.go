// Package prompt builds the tutor's system instruction from the session
// configuration. Building is pure and deterministic so the same difficulty
// and topic always seed identical conversations.
package prompt

// Difficulty identifies the learner's proficiency level.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// basePrompt is the level-independent tutor instruction.
const basePrompt = `You are a patient and encouraging language teacher. Your role is to:
- Help students practice speaking naturally
- Correct mistakes gently and constructively
- Ask follow-up questions to keep conversation flowing
- Provide clear explanations when needed
- Adjust your language to the student's level

Keep responses conversational, concise, and encouraging.`

// Difficulty-specific clauses appended to the base instruction.
const (
	beginnerClause     = "Use simple vocabulary and short sentences. Speak slowly and clearly."
	intermediateClause = "Use moderately complex language. Introduce new vocabulary in context."
	advancedClause     = "Use natural, complex language. Discuss nuanced topics."
)

// BuildSystemPrompt returns the system instruction for a session with the
// given difficulty and topic. The topic clause is appended only when topic is
// non-empty.
//
// An unrecognized difficulty value selects the advanced clause. That is the
// most permissive level, not the safest one; callers that want a conservative
// default should normalise their input to DifficultyBeginner first (as the
// metadata parser does for absent values).
func BuildSystemPrompt(difficulty Difficulty, topic string) string {
	out := basePrompt

	switch difficulty {
	case DifficultyBeginner:
		out += "\n\n" + beginnerClause
	case DifficultyIntermediate:
		out += "\n\n" + intermediateClause
	default:
		out += "\n\n" + advancedClause
	}

	if topic != "" {
		out += "\n\nCurrent topic: " + topic
	}

	return out
}
