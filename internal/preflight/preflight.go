// Package preflight validates and triages content before it is sent to a
// paid provider: length and binary checks, a spam/skip heuristic, token
// estimation, and sentence-aware truncation. It runs ahead of the provider
// dispatcher for any call whose cost scales with input size.
package preflight

import (
	"math"
	"strings"
	"unicode"
)

// Limits configures the bounds applied to one content kind.
type Limits struct {
	MinWords int
	MaxWords int
	MinChars int
	MaxChars int
}

// Config holds the per-content-kind limits and the global floors. All
// values are overridable by config/env; these mirror the reference
// preflight service's defaults.
type Config struct {
	MinWords      int
	MinChars      int
	MaxChars      int
	ByContentType map[string]Limits
	SpamPhrases   []string
}

// DefaultConfig returns the documented defaults: a 3-word global floor,
// tweets capped at 280 words, articles requiring 100+ words, video and
// caption content requiring 5 and 3 words respectively, and a 1..50000
// character window.
func DefaultConfig() Config {
	return Config{
		MinWords: 3,
		MinChars: 1,
		MaxChars: 50000,
		ByContentType: map[string]Limits{
			"tweet":      {MaxWords: 280},
			"article":    {MinWords: 100},
			"video":      {MinWords: 5},
			"transcript": {MinWords: 5},
			"caption":    {MinWords: 3},
			"tiktok":     {MinWords: 3},
		},
		SpamPhrases: []string{
			"click here to win",
			"limited time offer",
			"subscribe now",
			"buy followers",
		},
	}
}

// ContentInfo is the result of validating a piece of text.
type ContentInfo struct {
	Valid            bool
	Errors           []string
	WordCount        int
	CharCount        int
	EstimatedTokens  int
	ContentType      string
	Language         string
}

// Validate checks text against the limits for contentType (falling back to
// the global floor/ceiling when contentType is unknown or has a zero bound),
// rejecting binary content and degenerate input (fewer than 5 unique
// words). It never fails on a missing language detector: Language is left
// empty rather than treated as an error.
func Validate(cfg Config, text, contentType string) ContentInfo {
	info := ContentInfo{ContentType: contentType}

	if strings.TrimSpace(text) == "" {
		info.Errors = append(info.Errors, "content is empty")
		return finalize(info, text)
	}

	if containsBinary(text) {
		info.Errors = append(info.Errors, "content contains binary/control characters")
		return finalize(info, text)
	}

	info.CharCount = len([]rune(text))
	words := strings.Fields(text)
	info.WordCount = len(words)

	limits := cfg.ByContentType[contentType]
	minWords := cfg.MinWords
	if limits.MinWords > minWords {
		minWords = limits.MinWords
	}
	maxWords := limits.MaxWords

	minChars := cfg.MinChars
	if limits.MinChars > minChars {
		minChars = limits.MinChars
	}
	maxChars := cfg.MaxChars
	if limits.MaxChars > 0 && limits.MaxChars < maxChars {
		maxChars = limits.MaxChars
	}

	if info.WordCount < minWords {
		info.Errors = append(info.Errors, "content is too short")
	}
	if maxWords > 0 && info.WordCount > maxWords {
		info.Errors = append(info.Errors, "content exceeds maximum word count")
	}
	if info.CharCount < minChars {
		info.Errors = append(info.Errors, "content is shorter than the minimum character count")
	}
	if info.CharCount > maxChars {
		info.Errors = append(info.Errors, "content exceeds the maximum character count")
	}
	if uniqueWordCount(words) < 5 {
		info.Errors = append(info.Errors, "content has too few unique words")
	}

	return finalize(info, text)
}

func finalize(info ContentInfo, text string) ContentInfo {
	info.EstimatedTokens = EstimateTokens(text)
	info.Valid = len(info.Errors) == 0
	return info
}

// EstimateTokens approximates the token count of text as the average of
// chars/4 and words*0.75, rounded up, plus one.
func EstimateTokens(text string) int {
	chars := float64(len([]rune(text)))
	words := float64(len(strings.Fields(text)))
	avg := (chars/4 + words*0.75) / 2
	return int(math.Ceil(avg)) + 1
}

func containsBinary(text string) bool {
	for _, r := range text {
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if r < 0x20 {
			return true
		}
	}
	return false
}

func uniqueWordCount(words []string) int {
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[strings.ToLower(w)] = struct{}{}
	}
	return len(seen)
}

// ShouldSkip reports whether text is terminal-skip content: all URLs,
// all mentions/hashtags, or matching one of the spam heuristics (an
// all-caps ratio above 0.7 for text over 20 characters, a non-alphanumeric
// ratio above 0.5, or a configured literal spam phrase). Skip is distinct
// from a validation failure: it is a non-error terminal outcome recording
// "no work to do".
func ShouldSkip(cfg Config, text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}

	if isAllURLsOrMentions(trimmed) {
		return true
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range cfg.SpamPhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}

	if len(trimmed) > 20 && allCapsRatio(trimmed) > 0.7 {
		return true
	}
	if nonAlphanumericRatio(trimmed) > 0.5 {
		return true
	}
	return false
}

func isAllURLsOrMentions(text string) bool {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return true
	}
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "http://"), strings.HasPrefix(tok, "https://"):
		case strings.HasPrefix(tok, "@"), strings.HasPrefix(tok, "#"):
		default:
			return false
		}
	}
	return true
}

func allCapsRatio(text string) float64 {
	var letters, caps int
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				caps++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(caps) / float64(letters)
}

func nonAlphanumericRatio(text string) float64 {
	var total, nonAlnum int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			nonAlnum++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(nonAlnum) / float64(total)
}

// Truncate shortens text to fit within targetTokens, preferring to cut at
// the last sentence boundary past 80% of the cut point, falling back to the
// last newline past 80%, and otherwise a hard cut. It reports whether any
// truncation occurred.
func Truncate(text string, targetTokens int) (string, bool) {
	estimated := EstimateTokens(text)
	if estimated <= targetTokens || targetTokens <= 0 {
		return text, false
	}

	runes := []rune(text)
	targetChars := int(math.Floor(float64(len(runes)) * float64(targetTokens) / float64(estimated) * 0.95))
	if targetChars <= 0 {
		targetChars = 1
	}
	if targetChars >= len(runes) {
		return text, false
	}

	cut := runes[:targetChars]
	threshold := int(float64(targetChars) * 0.8)

	if idx := lastIndexRune(cut, '.', threshold); idx >= 0 {
		return string(cut[:idx+1]), true
	}
	if idx := lastIndexRune(cut, '\n', threshold); idx >= 0 {
		return string(cut[:idx]), true
	}
	return string(cut), true
}

func lastIndexRune(runes []rune, target rune, minIdx int) int {
	for i := len(runes) - 1; i >= minIdx && i >= 0; i-- {
		if runes[i] == target {
			return i
		}
	}
	return -1
}
