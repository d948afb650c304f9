package tts

import (
	"strings"
	"unicode"
)

// Common abbreviations that end with a period mid-sentence.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "vs": {}, "etc": {}, "inc": {}, "ltd": {}, "co": {},
	"approx": {}, "dept": {}, "est": {}, "min": {}, "max": {}, "no": {},
	"e.g": {}, "i.e": {}, "a.m": {}, "p.m": {}, "u.s": {}, "u.k": {},
}

// Segment splits reply text into sentence-like speakable units. A boundary
// is sentence-ending punctuation followed by whitespace and a capital
// letter, or end of string. Periods inside decimals, known abbreviations
// and single-letter initials do not split.
func Segment(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	var units []string
	start := 0

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}

		// swallow a run of closing punctuation (e.g. "?!" or "...")
		end := i
		for end+1 < len(runes) && isClosing(runes[end+1]) {
			end++
		}

		if end == len(runes)-1 {
			i = end
			continue // end of string closes the last unit below
		}

		if r == '.' && !isBoundaryPeriod(runes, i) {
			continue
		}

		// require whitespace then a capital letter after the punctuation
		j := end + 1
		if !unicode.IsSpace(runes[j]) {
			continue
		}
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j >= len(runes) || !unicode.IsUpper(runes[j]) {
			continue
		}

		unit := strings.TrimSpace(string(runes[start : end+1]))
		if unit != "" {
			units = append(units, unit)
		}
		start = j
		i = j - 1
	}

	if last := strings.TrimSpace(string(runes[start:])); last != "" {
		units = append(units, last)
	}
	return units
}

func isClosing(r rune) bool {
	switch r {
	case '.', '!', '?', '"', '\'', ')', ']':
		return true
	}
	return false
}

// isBoundaryPeriod rejects periods that belong to decimals, abbreviations
// or initials rather than ending a sentence.
func isBoundaryPeriod(runes []rune, i int) bool {
	// decimal: digit on both sides
	if i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
		return false
	}

	// word immediately before the period
	w := i - 1
	for w >= 0 && (unicode.IsLetter(runes[w]) || runes[w] == '.') {
		w--
	}
	word := strings.ToLower(strings.TrimSuffix(string(runes[w+1:i]), "."))
	if word == "" {
		return true
	}

	// single-letter initial, e.g. "J. Smith"
	if len([]rune(word)) == 1 {
		return false
	}
	if _, ok := abbreviations[word]; ok {
		return false
	}
	return true
}
