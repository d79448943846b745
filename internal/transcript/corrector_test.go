package transcript_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/Snehasis4321/language-learning-backend/internal/transcript"
	"github.com/Snehasis4321/language-learning-backend/internal/transcript/phonetic"
	"github.com/Snehasis4321/language-learning-backend/pkg/provider/stt"
)

// fakeMatcher matches any window that appears as a key in replacements.
type fakeMatcher struct {
	mu           sync.Mutex
	replacements map[string]string
	calls        []string
}

func (f *fakeMatcher) Match(word string, _ []string) (string, float64, bool) {
	f.mu.Lock()
	f.calls = append(f.calls, word)
	f.mu.Unlock()
	if term, ok := f.replacements[strings.ToLower(word)]; ok {
		return term, 0.9, true
	}
	return word, 0, false
}

func TestCorrector_RewritesVocabularyWords(t *testing.T) {
	t.Parallel()

	m := &fakeMatcher{replacements: map[string]string{"boulangeree": "boulangerie"}}
	c := transcript.NewCorrector(m, []string{"boulangerie"})

	res := c.Correct(stt.Transcript{Text: "I went to the boulangeree today"})
	if res.Corrected != "I went to the boulangerie today" {
		t.Errorf("Corrected = %q", res.Corrected)
	}
	if len(res.Corrections) != 1 {
		t.Fatalf("Corrections = %d, want 1", len(res.Corrections))
	}
	got := res.Corrections[0]
	if got.Original != "boulangeree" || got.Corrected != "boulangerie" {
		t.Errorf("correction = %+v", got)
	}
}

func TestCorrector_MultiWordTermsTakePrecedence(t *testing.T) {
	t.Parallel()

	m := &fakeMatcher{replacements: map[string]string{
		"efel tower": "Eiffel Tower",
		"efel":       "Eiffel", // should never win: the 2-gram matches first
	}}
	c := transcript.NewCorrector(m, []string{"Eiffel Tower"})

	res := c.Correct(stt.Transcript{Text: "we saw the efel tower yesterday"})
	if res.Corrected != "we saw the Eiffel Tower yesterday" {
		t.Errorf("Corrected = %q", res.Corrected)
	}
	if len(res.Corrections) != 1 || res.Corrections[0].Original != "efel tower" {
		t.Errorf("corrections = %+v", res.Corrections)
	}
}

func TestCorrector_ConfidenceGate(t *testing.T) {
	t.Parallel()

	m := &fakeMatcher{replacements: map[string]string{"paris": "Paris"}}
	c := transcript.NewCorrector(m, []string{"Paris"})

	// "paris" was transcribed confidently: no correction attempted on it.
	res := c.Correct(stt.Transcript{
		Text: "I love paris",
		Words: []stt.WordDetail{
			{Word: "I", Confidence: 0.99},
			{Word: "love", Confidence: 0.99},
			{Word: "paris", Confidence: 0.98},
		},
	})
	if res.Corrected != "I love paris" {
		t.Errorf("Corrected = %q, want unchanged text", res.Corrected)
	}
	if len(res.Corrections) != 0 {
		t.Errorf("corrections = %+v, want none", res.Corrections)
	}

	// The same word below the gate is eligible.
	res = c.Correct(stt.Transcript{
		Text: "I love paris",
		Words: []stt.WordDetail{
			{Word: "I", Confidence: 0.99},
			{Word: "love", Confidence: 0.99},
			{Word: "paris", Confidence: 0.4},
		},
	})
	if res.Corrected != "I love Paris" {
		t.Errorf("Corrected = %q, want %q", res.Corrected, "I love Paris")
	}
}

func TestCorrector_NoWordDetailCorrectsEverything(t *testing.T) {
	t.Parallel()

	m := &fakeMatcher{replacements: map[string]string{"fromage": "fromage"}}
	c := transcript.NewCorrector(m, []string{"fromage"})

	// Whisper-style transcripts carry no per-word confidence; every window
	// is eligible.
	c.Correct(stt.Transcript{Text: "du fromage"})
	if len(m.calls) == 0 {
		t.Error("matcher never consulted without word detail")
	}
}

func TestCorrector_PassThrough(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		c    *transcript.Corrector
	}{
		{"nil matcher", transcript.NewCorrector(nil, []string{"Paris"})},
		{"empty vocabulary", transcript.NewCorrector(&fakeMatcher{}, nil)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := tc.c.Correct(stt.Transcript{Text: "bonjour tout le monde"})
			if res.Corrected != "bonjour tout le monde" {
				t.Errorf("Corrected = %q, want unchanged", res.Corrected)
			}
		})
	}
}

func TestCorrector_WithPhoneticMatcher(t *testing.T) {
	t.Parallel()

	c := transcript.NewCorrector(phonetic.New(), []string{"boulangerie", "croissant"})

	got := c.CorrectText(stt.Transcript{Text: "I bought a crossant at the boulangeree"})
	if !strings.Contains(got, "croissant") || !strings.Contains(got, "boulangerie") {
		t.Errorf("CorrectText = %q, want both vocabulary terms recovered", got)
	}
}
