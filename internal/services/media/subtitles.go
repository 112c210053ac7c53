package media

import "strings"

// ParseTranscript strips VTT/SRT framing down to readable text. Cue
// timestamps are kept as section markers; repeated lines, common in
// auto-generated subtitles, are dropped.
func ParseTranscript(content string) string {
	var cleaned []string
	seen := make(map[string]struct{})

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isDigits(line) ||
			strings.HasPrefix(line, "WEBVTT") ||
			strings.HasPrefix(line, "X-TIMESTAMP") ||
			strings.HasPrefix(line, "NOTE") {
			continue
		}
		if strings.Contains(line, "-->") {
			cleaned = append(cleaned, "\n"+line)
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		cleaned = append(cleaned, line)
	}

	return strings.Join(cleaned, "\n")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
