package ingest

import (
	"crypto/rand"
	"fmt"
	"regexp"

	"github.com/oklog/ulid/v2"
)

// hwIDPattern is the device hardware id shape: an uppercase 12-hex-character
// MAC, validated by the router on every inbound topic (§4.1).
var hwIDPattern = regexp.MustCompile(`^[0-9A-F]{12}$`)

// ValidHardwareID reports whether hw matches the required
// ^[0-9A-F]{12}$ shape.
func ValidHardwareID(hw string) bool {
	return hwIDPattern.MatchString(hw)
}

// NewCaptureID mints a server-side opaque capture identifier (§3 Capture:
// "Identity: a server-minted opaque id"). ULIDs are lexicographically sortable
// by creation time, which makes operator queries ("most recent captures")
// cheap without a secondary index.
func NewCaptureID() string {
	return "cap_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewCommandID mints an operator command identifier in the same family as
// NewCaptureID, used when a caller injects a command without supplying its
// own id.
func NewCommandID() string {
	return "cmd_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// BlobPath returns the deterministic object-storage path for a capture's
// JPEG, per §4.3 step 5: captures/{hw}/{YYYY}/{MM}/{DD}/{image_name}.
func BlobPath(hwID string, year int, month, day int, imageName string) string {
	return fmt.Sprintf("captures/%s/%04d/%02d/%02d/%s", hwID, year, month, day, imageName)
}
