// Package orderref finds the short numeric order reference a user speaks or
// types while identifying themselves to the assistant.
package orderref

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	minDigits = 1
	maxDigits = 6
)

var (
	intentPattern = regexp.MustCompile(`\b(numero|number|num|codigo|code|pedido|orden|order|id|identificador|identifier|soy|i am|i'm|im)\b`)

	// A digit group optionally followed by more groups split by spoken-style
	// separators ("4, 2", "12 34", "1-2-3").
	digitSequencePattern = regexp.MustCompile(`\d+(?:[\s,.;:/\-]+\d+)*`)
	nonDigitPattern      = regexp.MustCompile(`\D+`)
	wordPattern          = regexp.MustCompile(`[a-z0-9']+`)
)

var numberWords = map[string]byte{
	"cero": '0', "zero": '0',
	"uno": '1', "one": '1',
	"dos": '2', "two": '2',
	"tres": '3', "three": '3',
	"cuatro": '4', "four": '4',
	"cinco": '5', "five": '5',
	"seis": '6', "six": '6',
	"siete": '7', "seven": '7',
	"ocho": '8', "eight": '8',
	"nueve": '9', "nine": '9',
}

// Words that may sit between spoken digits without ending the run.
var fillerWords = map[string]struct{}{
	"y": {}, "and": {}, "e": {}, "eh": {}, "em": {}, "um": {}, "uh": {},
	"coma": {}, "comma": {}, "guion": {}, "dash": {},
}

var spokenDigitPattern = func() *regexp.Regexp {
	words := make([]string, 0, len(numberWords))
	for w := range numberWords {
		words = append(words, w)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(words, "|") + `)\b|\d`)
}()

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lower-cases text and strips diacritics ("Número" -> "numero").
func Normalize(text string) string {
	folded, _, err := transform.String(foldTransformer, text)
	if err != nil {
		folded = text
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

// Redact replaces every digit and spoken digit word in text with "#", so a
// transcript can be logged without the order reference it may carry.
func Redact(text string) string {
	return spokenDigitPattern.ReplaceAllString(text, "#")
}

// HasIntent reports whether normalized text mentions one of the identification
// keywords.
func HasIntent(normalized string) bool {
	return intentPattern.MatchString(normalized)
}

// Extract returns the order reference found in text as a digit string, keeping
// leading zeros. Text without an identification keyword never yields a match.
//
// Candidates are tried in order across the whole text: a standalone run of
// 1-6 digits, then 2-6 digits split by spaces or punctuation, then a run of
// spoken number words. The first candidate that fits wins; longer runs are
// skipped.
func Extract(text string) (string, bool) {
	normalized := Normalize(text)
	if normalized == "" || !HasIntent(normalized) {
		return "", false
	}
	if ref, ok := fromDigits(normalized); ok {
		return ref, true
	}
	return fromWords(normalized)
}

// fromDigits looks for a standalone run of digits first; only when none fits
// does it accept digits split by separators, so "4 2 ... 123" yields "123".
func fromDigits(normalized string) (string, bool) {
	seqs := digitSequencePattern.FindAllString(normalized, -1)
	for _, seq := range seqs {
		if nonDigitPattern.MatchString(seq) {
			continue
		}
		if len(seq) >= minDigits && len(seq) <= maxDigits {
			return seq, true
		}
	}
	for _, seq := range seqs {
		if !nonDigitPattern.MatchString(seq) {
			continue
		}
		digits := nonDigitPattern.ReplaceAllString(seq, "")
		if len(digits) >= 2 && len(digits) <= maxDigits {
			return digits, true
		}
	}
	return "", false
}

func fromWords(normalized string) (string, bool) {
	var run []byte
	pendingFillers := 0

	flush := func() (string, bool) {
		defer func() { run = run[:0] }()
		if len(run) >= minDigits && len(run) <= maxDigits {
			return string(run), true
		}
		return "", false
	}

	for _, w := range wordPattern.FindAllString(normalized, -1) {
		if d, ok := numberWords[w]; ok {
			run = append(run, d)
			pendingFillers = 0
			continue
		}
		if _, ok := fillerWords[w]; ok && len(run) > 0 && pendingFillers == 0 {
			pendingFillers++
			continue
		}
		pendingFillers = 0
		if len(run) > 0 {
			if ref, ok := flush(); ok {
				return ref, true
			}
		}
	}
	if len(run) > 0 {
		return flush()
	}
	return "", false
}
