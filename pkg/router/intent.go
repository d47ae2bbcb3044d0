package router

import (
	"strings"
	"unicode"
)

// Intent labels a user turn.
type Intent string

const (
	Information Intent = "information"
	Itinerary   Intent = "itinerary"
	TravelPlan  Intent = "travel_plan"
	SupportTrip Intent = "support_trip"
)

// Intents lists the closed label set.
var Intents = []Intent{Information, Itinerary, TravelPlan, SupportTrip}

// maxLabelSentence bounds how many words a reply may have when the label is
// embedded in a sentence.
const maxLabelSentence = 12

// ParseIntent returns the intent named s.
func ParseIntent(s string) (Intent, bool) {
	for _, in := range Intents {
		if string(in) == s {
			return in, true
		}
	}
	return "", false
}

// Normalize maps raw model output to an intent. The output may be a bare
// label with stray case, quotes or punctuation, or a short sentence naming
// exactly one label.
func Normalize(raw string) (Intent, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
			return unicode.ToLower(r)
		case r == '-':
			return '_'
		case unicode.IsSpace(r):
			return ' '
		}
		return ' '
	}, raw)

	words := strings.Fields(cleaned)
	if len(words) == 0 {
		return "", false
	}
	if len(words) == 1 {
		return ParseIntent(words[0])
	}
	if len(words) > maxLabelSentence {
		return "", false
	}

	var found Intent
	for _, w := range words {
		in, ok := ParseIntent(w)
		if !ok {
			continue
		}
		if found != "" && found != in {
			return "", false
		}
		found = in
	}
	return found, found != ""
}
