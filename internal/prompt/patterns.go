// Package prompt detects when a hosted agent has become ready for input.
package prompt

import "regexp"

// Pattern is a named readiness pattern matched against ANSI-stripped output.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
}

// copilotInputHint is the footer Copilot CLI and Codex render once their input
// widget accepts keystrokes.
const copilotInputHint = `\s*enter\s*@\s*to\s*mention\s*files\s*or\s*/\s*for\s*commands\s*`

// DefaultPatterns returns the built-in readiness patterns.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:  "copilot_input_hint",
			Regex: regexp.MustCompile(`(?i)` + copilotInputHint),
		},
	}
}

// CompilePattern compiles expr as a readiness pattern. Matching is
// case-insensitive; an inline (?-i) in expr turns that off.
func CompilePattern(name, expr string) (Pattern, error) {
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{Name: name, Regex: re}, nil
}
