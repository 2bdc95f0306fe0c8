package interpret

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/earmark/pkg/memory"
)

const (
	phoneticThreshold = 0.88
	fuzzyThreshold    = 0.95

	// Tokens shorter than this only match exactly.
	minFuzzyLen = 4
)

// intentKeywords are checked in order; the first intent with a matching
// keyword wins.
var intentKeywords = []struct {
	intent   memory.Intent
	keywords []string
}{
	{memory.IntentShopping, []string{"buy", "buying", "shopping", "groceries", "grocery", "purchase"}},
	{memory.IntentTodo, []string{"call", "calling", "todo", "remind", "reminder", "appointment", "schedule"}},
}

var fillers = map[string]bool{
	"um": true, "uh": true, "hmm": true, "mm": true, "er": true, "ah": true,
	"okay": true, "ok": true,
}

// PredictIntent tags a transcript before interpretation. Keywords tolerate
// ASR misspellings: a token matches when it shares a Double Metaphone code
// with the keyword and is Jaro-Winkler close, or when it is very close by
// spelling alone. Empty and filler-only text is ignored.
func PredictIntent(text string) memory.Intent {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return memory.IntentIgnore
	}
	onlyFillers := true
	for _, t := range tokens {
		if !fillers[t] {
			onlyFillers = false
			break
		}
	}
	if onlyFillers {
		return memory.IntentIgnore
	}

	for _, group := range intentKeywords {
		for _, kw := range group.keywords {
			for _, t := range tokens {
				if keywordMatch(t, kw) {
					return group.intent
				}
			}
		}
	}
	return memory.IntentMemory
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func keywordMatch(token, keyword string) bool {
	if token == keyword {
		return true
	}
	if len(token) < minFuzzyLen || len(keyword) < minFuzzyLen {
		return false
	}
	score := matchr.JaroWinkler(token, keyword, false)
	if score >= fuzzyThreshold {
		return true
	}
	return score >= phoneticThreshold && codesOverlap(token, keyword)
}

func codesOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || x == bs {
			return true
		}
	}
	return false
}
