package options

import (
	"regexp"
	"strings"

	"qbank/internal/model"
)

// MaxSplitOptions caps the number of options DelimiterSplit produces.
const MaxSplitOptions = 5

var inlineMarker = regexp.MustCompile(`(?i)\(([A-E])\)`)

// splitDelimiters are tried in order.
var splitDelimiters = []string{"\n", ";", "|"}

// InlinePattern extracts "(A) text (B) text" alternatives from a string.
// Each option's text runs up to the next marker.
func InlinePattern(raw any) ([]model.Option, bool) {
	s, ok := raw.(string)
	if !ok {
		return nil, false
	}
	locs := inlineMarker.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return nil, false
	}

	var ka keyAssigner
	out := make([]model.Option, 0, len(locs))
	for i, loc := range locs {
		end := len(s)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		text := strings.TrimSpace(s[loc[1]:end])
		if text == "" {
			continue
		}
		label := s[loc[2]:loc[3]]
		out = append(out, model.Option{Key: ka.assign(label, len(out)), Text: text})
	}
	return out, len(out) > 0
}

// DelimiterSplit splits a string on newline, then semicolon, then pipe. The
// first delimiter yielding at least two non-empty parts wins.
func DelimiterSplit(raw any) ([]model.Option, bool) {
	s, ok := raw.(string)
	if !ok {
		return nil, false
	}
	for _, d := range splitDelimiters {
		if !strings.Contains(s, d) {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, d) {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) < 2 {
			continue
		}
		if len(parts) > MaxSplitOptions {
			parts = parts[:MaxSplitOptions]
		}
		out := make([]model.Option, len(parts))
		for i, p := range parts {
			out[i] = model.Option{Key: string(rune('A' + i)), Text: p}
		}
		return out, true
	}
	return nil, false
}
