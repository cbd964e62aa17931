package pool

import (
	"fmt"
	"time"
)

// Pool is one lifecycle stage directory under the accounts root
type Pool string

const (
	Fresh        Pool = "fresh"
	Uploaded     Pool = "uploaded"
	Exhausted300 Pool = "exhausted_300" // pending activation
	Activated    Pool = "activated"
	Exhausted100 Pool = "exhausted_100" // exhausted after activation
	Archive      Pool = "archive"
)

// All lists every pool in lifecycle order
var All = []Pool{Fresh, Uploaded, Exhausted300, Activated, Exhausted100, Archive}

// GroupSize is the number of files that make up one account group
const GroupSize = 3

// Marker segments appended to member names by lifecycle moves
const (
	ActivatedMarker = "actived"
	ArchivedMarker  = "used"
)

// Parse validates a pool name
func Parse(name string) (Pool, error) {
	for _, p := range All {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown pool %q", name)
}

// AccountFile is one credential document inside a pool
type AccountFile struct {
	Name       string    `json:"name"` // file stem, also the channel name
	Pool       Pool      `json:"pool"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size"`
	ModifiedAt time.Time `json:"modified"`
}

// FileName returns the on-disk name of the file
func (f AccountFile) FileName() string {
	return f.Name + ".json"
}

// Group is a derived view of files sharing a prefix
type Group struct {
	Prefix string        `json:"prefix"`
	Pool   Pool          `json:"pool"`
	Files  []AccountFile `json:"files"`
}

// Complete reports whether the group has exactly GroupSize members
func (g Group) Complete() bool {
	return len(g.Files) == GroupSize
}

// MemberName returns the canonical stem of the n-th member (1-based)
func MemberName(prefix string, n int) string {
	return fmt.Sprintf("%s-%02d", prefix, n)
}

// WithMarker appends a marker segment to a stem
func WithMarker(stem, marker string) string {
	return stem + "-" + marker
}
