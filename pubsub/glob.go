// File: pubsub/glob.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Default channel pattern matcher. Channels are dot-separated name paths;
// a `*` wildcard stays within one segment while `**` spans any number of
// segments. Within a segment the usual glob forms apply (`?`, character
// classes).

package pubsub

import (
	"path"
	"strings"

	"github.com/tidwall/match"
)

// MatchFunc tests a channel name against a subscription pattern.
type MatchFunc func(pattern, channel []byte) bool

// MatchGlob is the default matcher: segment-scoped globbing over
// dot-separated channel names.
func MatchGlob(pattern, channel []byte) bool {
	pat := strings.Split(string(pattern), ".")
	ch := strings.Split(string(channel), ".")
	return matchSegments(pat, ch)
}

func matchSegments(pat, ch []string) bool {
	if len(pat) == 0 {
		return len(ch) == 0
	}
	if pat[0] == "**" {
		for i := 0; i <= len(ch); i++ {
			if matchSegments(pat[1:], ch[i:]) {
				return true
			}
		}
		return false
	}
	if len(ch) == 0 {
		return false
	}
	if strings.ContainsRune(pat[0], '[') {
		// match.Match has no character classes; path.Match provides them.
		if ok, err := path.Match(pat[0], ch[0]); err != nil || !ok {
			return false
		}
	} else if !match.Match(ch[0], pat[0]) {
		return false
	}
	return matchSegments(pat[1:], ch[1:])
}

// ValidPattern rejects patterns the matcher cannot evaluate, currently
// unterminated character classes.
func ValidPattern(pattern []byte) bool {
	depth := 0
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '[':
			if depth > 0 {
				return false
			}
			depth++
		case ']':
			if depth == 0 {
				return false
			}
			depth--
		}
	}
	return depth == 0
}
