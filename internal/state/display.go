// Package state separates narration from the embedded state block in
// game-master output and merges decoded state patches into characters.
package state

import (
	"strings"

	"github.com/dlclark/regexp2"
)

const (
	openTag  = "<state_update>"
	closeTag = "</state_update>"
)

var blockPattern = regexp2.MustCompile(`<state_update>([\s\S]*?)</state_update>`, regexp2.ECMAScript)

// ExtractBlock returns the trimmed inner text of the first complete state
// block in raw.
func ExtractBlock(raw string) (string, bool) {
	m, err := blockPattern.FindStringMatch(raw)
	if err != nil || m == nil {
		return "", false
	}
	return strings.TrimSpace(m.GroupByNumber(1).String()), true
}

// DisplayText returns the part of raw that may be shown to the user. Complete
// state blocks are removed and the text is cut at the first opening tag that
// has no closing tag yet. While a stream is still running (final is false) a
// trailing fragment that could grow into an opening tag is held back too.
func DisplayText(raw string, final bool) string {
	var b strings.Builder
	rest := raw
	for {
		start := strings.Index(rest, openTag)
		if start < 0 {
			break
		}
		b.WriteString(rest[:start])
		end := strings.Index(rest[start+len(openTag):], closeTag)
		if end < 0 {
			return b.String()
		}
		rest = rest[start+len(openTag)+end+len(closeTag):]
	}
	if !final {
		rest = rest[:len(rest)-partialOpenTag(rest)]
	}
	b.WriteString(rest)
	return b.String()
}

// partialOpenTag returns the length of the longest proper prefix of openTag
// that s ends with.
func partialOpenTag(s string) int {
	for n := min(len(openTag)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, openTag[:n]) {
			return n
		}
	}
	return 0
}
