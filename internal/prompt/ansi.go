package prompt

import "regexp"

var (
	ansiOSC    = regexp.MustCompile(`\x1b\][^\x07]*?(?:\x07|\x1b\\)`)
	ansiDCS    = regexp.MustCompile(`(?s)\x1bP.*?\x1b\\`)
	ansiCSI    = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	ansiSingle = regexp.MustCompile(`\x1b[@-Z\\-_]`)
)

// StripANSI removes OSC, DCS, CSI and two-byte ESC sequences from s.
// Plain control characters such as CR and LF are kept.
func StripANSI(s string) string {
	s = ansiOSC.ReplaceAllString(s, "")
	s = ansiDCS.ReplaceAllString(s, "")
	s = ansiCSI.ReplaceAllString(s, "")
	s = ansiSingle.ReplaceAllString(s, "")
	return s
}
