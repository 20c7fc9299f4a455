package core

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NewID mints a document id. Hex ObjectIDs keep Mongo's natural insertion
// ordering while staying plain strings end to end.
func NewID() string {
	return primitive.NewObjectID().Hex()
}

// Now is the single clock for persisted timestamps, truncated to
// millisecond precision to match BSON datetime resolution.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Slugify lowercases and hyphenates a display name into a stable
// identifier. Non-alphanumeric runs collapse to a single hyphen.
func Slugify(name string) string {
	var b strings.Builder
	prev := byte('-')
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prev = byte(r)
		} else if prev != '-' {
			b.WriteByte('-')
			prev = '-'
		}
	}
	return strings.Trim(b.String(), "-")
}
