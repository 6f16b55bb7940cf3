package syncer

import "time"

// State is the position of one overlay in the sync state machine:
// Idle → ResolvingManifest → Diffing → Downloading(i of N) → Completed.
type State int

const (
	StateIdle State = iota
	StateResolvingManifest
	StateInspectingCache
	StateDiffing
	StateDownloading
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolvingManifest:
		return "resolving_manifest"
	case StateInspectingCache:
		return "inspecting_cache"
	case StateDiffing:
		return "diffing"
	case StateDownloading:
		return "downloading"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}

	return "unknown"
}

// MarshalText makes states render as their names in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the live position of one overlay's sync. While downloading,
// Done of Total reports progress; Result carries the last finished pass.
type Status struct {
	State   State     `json:"state"`
	Done    int       `json:"done"`
	Total   int       `json:"total"`
	Result  *Result   `json:"result,omitempty"`
	Updated time.Time `json:"updated"`
}
