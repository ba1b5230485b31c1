package job

import "strings"

const (
	headerLineSep  = "\r\n"
	headerBlockSep = "\r\n\r\n"
)

// ParseHeaders splits an HTTP-like preamble off the front of output. The
// preamble ends at the first blank line. Each "Name: value" line becomes a map
// entry with both sides trimmed; lines without a colon are ignored. When no
// blank line is present output is returned unchanged and ok is false.
func ParseHeaders(output string) (headers map[string]string, body string, ok bool) {
	head, body, found := strings.Cut(output, headerBlockSep)
	if !found {
		return nil, output, false
	}

	headers = make(map[string]string)
	for _, line := range strings.Split(head, headerLineSep) {
		name, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			continue
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, body, true
}
