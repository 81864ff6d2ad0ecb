package record

import (
	"strings"

	"github.com/google/uuid"
)

// TempIDPrefix marks ids minted on this device. The remote store never
// issues ids with this prefix.
const TempIDPrefix = "local-"

// NewTempID returns a collision-resistant temporary id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id was minted locally.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
