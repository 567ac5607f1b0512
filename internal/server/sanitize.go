package server

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxContentLen = 4000
	maxNameLen    = 32
	maxRoomLen    = 128
)

// Messages and names are shown in terminals, so no markup survives.
var textPolicy = bluemonday.StrictPolicy()

// sanitizeText strips markup from message text and trims it to maxContentLen runes.
func sanitizeText(body string) string {
	if body == "" {
		return ""
	}
	clean := strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(html.UnescapeString(body))))
	return truncateRunes(clean, maxContentLen)
}

// SanitizeName cleans a display name the way the relay records senders;
// empty means the name is unusable.
func SanitizeName(name string) string {
	clean := strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(html.UnescapeString(name))))
	clean = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, clean)
	return truncateRunes(clean, maxNameLen)
}

func validRoomID(id string) bool {
	if id == "" || len(id) > maxRoomLen || !utf8.ValidString(id) {
		return false
	}
	return !strings.ContainsAny(id, "\x00/")
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
