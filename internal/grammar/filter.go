package grammar

import (
	"regexp"
	"strings"
)

// MaxTokenRunes bounds the candidate length tried at each scan position.
const MaxTokenRunes = 10

var controlTag = regexp.MustCompile(`<\|.*?\|>`)

var sentencePunctuation = strings.NewReplacer("。", "", "，", "", "？", "", "！", "")

// Clean strips engine tags such as <|zh|><|NEUTRAL|> and full-width
// sentence punctuation, then trims surrounding whitespace.
func Clean(raw string) string {
	text := controlTag.ReplaceAllString(raw, "")
	text = sentencePunctuation.Replace(text)
	return strings.TrimSpace(text)
}

// Constrain rewrites text as the space-joined grammar tokens found by a
// left-to-right greedy scan: at each position the longest candidate of at
// most MaxTokenRunes runes that is in set wins and the scan jumps past it.
// Positions that match nothing are skipped.
func Constrain(text string, set *Set) string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); {
		longest := len(runes) - i
		if longest > MaxTokenRunes {
			longest = MaxTokenRunes
		}
		matched := 0
		for n := longest; n > 0; n-- {
			if token, ok := set.Lookup(string(runes[i : i+n])); ok {
				out = append(out, token)
				matched = n
				break
			}
		}
		if matched == 0 {
			i++
			continue
		}
		i += matched
	}
	return strings.Join(out, " ")
}

// Filter cleans raw decoder output and applies set when it is non-empty.
func Filter(raw string, set *Set) string {
	text := Clean(raw)
	if set.Len() == 0 || text == "" {
		return text
	}
	return Constrain(text, set)
}
