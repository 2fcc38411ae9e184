package transfer

// Progress is emitted every time the transport reports bytes for a transfer.
type Progress struct {
	ID             string
	Fraction       float64
	TotalSizeLabel string // e.g. "4.2 MiB"; empty while the size is unknown
	BytesWritten   int64
	BytesExpected  int64
}

// Completed is emitted once per finished transfer, whether or not the artifact
// could be placed in the local store.
type Completed struct {
	ID     string
	URL    string
	Path   string
	Placed bool // false when the artifact could not be moved into the store
}

// Failed is emitted once per transfer the transport gave up on.
type Failed struct {
	ID     string
	Reason string
	Err    error
}

// Sink receives transfer notifications. Implementations must be safe for
// concurrent use; delivery happens on whatever context the Dispatcher picks.
type Sink interface {
	OnProgress(p Progress)
	OnCompleted(c Completed)
	OnFailed(f Failed)
}

// Dispatcher decides on which execution context sink notifications run.
type Dispatcher func(fn func())

// Synchronous runs notifications on the transport callback goroutine.
func Synchronous(fn func()) { fn() }

// ChannelSink forwards notifications to channels. Progress is best-effort and
// dropped when nobody is listening; completions and failures block until read.
type ChannelSink struct {
	OnProgressed chan Progress
	OnFinished   chan Completed
	OnFailure    chan Failed
}

// NewChannelSink creates a ChannelSink whose progress channel holds up to buffer
// pending notifications.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{
		OnProgressed: make(chan Progress, buffer),
		OnFinished:   make(chan Completed),
		OnFailure:    make(chan Failed),
	}
}

func (s *ChannelSink) OnProgress(p Progress) {
	select {
	case s.OnProgressed <- p:
	default:
	}
}

func (s *ChannelSink) OnCompleted(c Completed) {
	s.OnFinished <- c
}

func (s *ChannelSink) OnFailed(f Failed) {
	s.OnFailure <- f
}

// Close closes every channel. No notification may be delivered afterwards.
func (s *ChannelSink) Close() {
	close(s.OnProgressed)
	close(s.OnFinished)
	close(s.OnFailure)
}

type nopSink struct{}

func (nopSink) OnProgress(Progress)   {}
func (nopSink) OnCompleted(Completed) {}
func (nopSink) OnFailed(Failed)       {}
