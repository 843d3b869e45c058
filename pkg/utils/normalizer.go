package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// obfuscations maps common evasive spellings to the wording the classifier
// was trained on. Keys are matched against whole normalized tokens.
var obfuscations = map[string]string{
	"kys":  "kill yourself",
	"kyss": "kill yourself",
	"k1ll": "kill",
	"k1l":  "kill",
	"d1e":  "die",
	"h8":   "hate",
	"h8er": "hater",
	"stfu": "shut the fuck up",
	"gtfo": "get the fuck out",
}

// newNormalizeChain builds the transformer used by Normalize.
// Transformers carry state between calls, so each call gets its own chain.
func newNormalizeChain() transform.Transformer {
	return transform.Chain(
		norm.NFKD,                          // Decompose with compatibility decomposition
		runes.Remove(runes.In(unicode.Mn)), // Remove non-spacing marks
		runes.Map(unicode.ToLower),         // Lowercase so substitutions match
		runes.Map(letterOrNumber),          // Everything else becomes a separator
		norm.NFC,                           // Recompose what is left
	)
}

// letterOrNumber keeps runes in the Unicode L and N categories and turns
// every other rune into a space.
func letterOrNumber(r rune) rune {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return r
	}
	return ' '
}

// Normalize canonicalizes message text before classification.
// The result only contains lowercase letters, numbers and single spaces.
// It never fails; unprocessable input yields an empty string.
func Normalize(s string) string {
	if s == "" {
		return ""
	}

	result, _, err := transform.String(newNormalizeChain(), s)
	if err != nil {
		return ""
	}

	// Replace obfuscated tokens, collapsing whitespace on the way
	words := strings.Fields(result)
	for i, word := range words {
		if replacement, ok := obfuscations[word]; ok {
			words[i] = replacement
		}
	}

	return strings.Join(words, " ")
}
