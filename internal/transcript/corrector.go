// Package transcript rewrites final STT transcripts so that mispronounced
// session vocabulary still reaches the tutor intact. The single correction
// stage is phonetic: low-confidence words are aligned against the topic
// vocabulary by a [Matcher].
package transcript

import (
	"strings"

	"github.com/Snehasis4321/language-learning-backend/pkg/provider/stt"
)

// defaultConfidenceGate is the per-word STT confidence below which a word is
// eligible for correction. Words the provider is confident about are left
// alone even when they resemble vocabulary terms — the learner may simply
// have said a similar word.
const defaultConfidenceGate = 0.75

// Matcher aligns a word (or space-separated n-gram) against a vocabulary
// list. Implemented by [phonetic.Matcher].
type Matcher interface {
	Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool)
}

// Correction records a single replacement applied to a transcript.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Result is the outcome of correcting one transcript.
type Result struct {
	// Original is the transcript as delivered by the STT provider.
	Original stt.Transcript

	// Corrected is the rewritten text. Equals the original text when no
	// correction applied.
	Corrected string

	// Corrections lists every replacement, in text order.
	Corrections []Correction
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithConfidenceGate overrides the per-word confidence ceiling for correction
// eligibility. Transcripts without word detail ignore the gate.
func WithConfidenceGate(threshold float64) Option {
	return func(c *Corrector) {
		c.confidenceGate = threshold
	}
}

// Corrector applies vocabulary correction to final transcripts. It is
// read-only after construction and safe for concurrent use.
type Corrector struct {
	matcher        Matcher
	vocabulary     []string
	confidenceGate float64
	maxTermWords   int
}

// NewCorrector builds a Corrector over the given session vocabulary. A nil
// matcher or empty vocabulary yields a pass-through corrector.
func NewCorrector(matcher Matcher, vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		matcher:        matcher,
		vocabulary:     vocabulary,
		confidenceGate: defaultConfidenceGate,
		maxTermWords:   maxWordCount(vocabulary),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct rewrites t against the vocabulary and returns the result.
//
// The text is tokenised into whitespace-separated words. At each position,
// n-gram windows from the longest vocabulary term length down to one token
// are tested; the longest matching window wins so multi-word terms take
// precedence over partial single-word matches. A window is only eligible
// when at least one of its words carries an STT confidence below the gate,
// or when the transcript has no per-word confidence data at all.
func (c *Corrector) Correct(t stt.Transcript) Result {
	result := Result{Original: t, Corrected: t.Text}
	if c.matcher == nil || len(c.vocabulary) == 0 || c.maxTermWords == 0 {
		return result
	}

	tokens := strings.Fields(t.Text)
	if len(tokens) == 0 {
		return result
	}

	lowConf := lowConfidenceWords(t.Words, c.confidenceGate)

	var output []string
	i := 0
	for i < len(tokens) {
		maxN := c.maxTermWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			if !windowEligible(tokens[i:i+n], lowConf) {
				continue
			}
			term, conf, ok := c.matcher.Match(window, c.vocabulary)
			if !ok || term == window {
				continue
			}

			output = append(output, strings.Fields(term)...)
			result.Corrections = append(result.Corrections, Correction{
				Original:   window,
				Corrected:  term,
				Confidence: conf,
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	result.Corrected = strings.Join(output, " ")
	return result
}

// CorrectText is a shorthand for Correct when the caller only needs the
// rewritten text, not the list of replacements.
func (c *Corrector) CorrectText(t stt.Transcript) string {
	return c.Correct(t).Corrected
}

// lowConfidenceWords returns the lowercased words whose STT confidence falls
// below gate. A nil return (no word detail) means every word is eligible.
func lowConfidenceWords(words []stt.WordDetail, gate float64) map[string]struct{} {
	if len(words) == 0 {
		return nil
	}
	low := make(map[string]struct{})
	for _, w := range words {
		if w.Confidence < gate {
			low[strings.ToLower(w.Word)] = struct{}{}
		}
	}
	return low
}

// windowEligible reports whether any token in the window is low-confidence.
// Without confidence data (nil set) every window is eligible.
func windowEligible(tokens []string, lowConf map[string]struct{}) bool {
	if lowConf == nil {
		return true
	}
	for _, t := range tokens {
		if _, ok := lowConf[strings.ToLower(t)]; ok {
			return true
		}
	}
	return false
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any vocabulary term, or zero for an empty vocabulary.
func maxWordCount(vocabulary []string) int {
	max := 0
	for _, v := range vocabulary {
		if n := len(strings.Fields(v)); n > max {
			max = n
		}
	}
	return max
}
