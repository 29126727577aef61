package memory

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	DefaultConfusionThreshold  = 2
	DefaultConfusionWindowSize = 4
)

// DefaultUncertaintyPhrases are agent-side markers of a failed understanding.
// Matching is case and accent insensitive.
var DefaultUncertaintyPhrases = []string{
	"nao consegui identificar",
	"nao entendi",
	"nao compreendi",
	"pode informar o nome",
	"pode repetir",
	"could not identify",
	"couldn't identify",
	"i didn't understand",
	"i did not understand",
	"not sure what you mean",
	"could you rephrase",
	"can you clarify",
}

// Classifier decides whether an agent turn signals uncertainty.
type Classifier interface {
	Uncertain(content string) bool
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(content string) bool

func (f ClassifierFunc) Uncertain(content string) bool { return f(content) }

// PhraseClassifier flags content containing any of its phrases.
type PhraseClassifier struct {
	phrases []string
}

func NewPhraseClassifier(phrases []string) *PhraseClassifier {
	c := &PhraseClassifier{}
	for _, p := range phrases {
		p = foldText(p)
		if p != "" {
			c.phrases = append(c.phrases, p)
		}
	}
	return c
}

func (c *PhraseClassifier) Uncertain(content string) bool {
	folded := foldText(content)
	if folded == "" {
		return false
	}
	for _, p := range c.phrases {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}

// DetectConfusion is a best-effort signal, not a gate: it reports true when at least
// threshold agent turns among the last windowSize turns are uncertain.
func DetectConfusion(window []Message, threshold, windowSize int, classifier Classifier) bool {
	if classifier == nil || threshold <= 0 || windowSize <= 0 {
		return false
	}
	if len(window) > windowSize {
		window = window[len(window)-windowSize:]
	}
	uncertain := 0
	for _, msg := range window {
		if msg.Role != RoleAgent {
			continue
		}
		if classifier.Uncertain(msg.Content) {
			uncertain++
			if uncertain >= threshold {
				return true
			}
		}
	}
	return false
}

// foldText lowercases, strips diacritics and collapses whitespace.
func foldText(s string) string {
	decomposed := norm.NFD.String(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(decomposed))
	space := false
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case unicode.IsSpace(r):
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = true
			continue
		}
		space = false
		b.WriteRune(r)
	}
	return strings.TrimRight(b.String(), " ")
}
