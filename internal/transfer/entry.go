package transfer

import (
	"bytes"
	"time"

	"github.com/italolelis/assetfetch/internal/transport"
)

// State is the lifecycle position of a transfer. A transfer with no entry in the
// registry is idle.
type State int

const (
	StateDownloading State = iota + 1
	StatePaused
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Entry is the per-asset record held by the Registry.
//
// Handle is set only while State is StateDownloading and Token only while State
// is StatePaused. Progress is a fraction in [0, 1] and stays at zero until the
// transport reports an expected size.
type Entry struct {
	ID            string
	URL           string
	State         State
	Progress      float64
	BytesWritten  int64
	BytesExpected int64
	Token         []byte
	Handle        transport.Handle
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PausedAt      time.Time

	// episode counts Downloading episodes. Late callbacks carrying an older
	// episode are discarded.
	episode uint64
	// reported is set once the current episode delivered its first progress.
	reported bool
}

func (e *Entry) clone() Entry {
	c := *e
	c.Token = bytes.Clone(e.Token)

	return c
}

// beginEpisode moves the entry into StateDownloading with h as its handle.
func (e *Entry) beginEpisode(h transport.Handle) {
	e.State = StateDownloading
	e.Handle = h
	e.Token = nil
	e.PausedAt = time.Time{}
	e.reported = false
	e.episode++
}
