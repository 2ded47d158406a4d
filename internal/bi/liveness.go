package bi

import (
	"sync"
	"time"
)

// LivenessTimeout is the longest gap between valid frames tolerated while
// the load is engaged.
const LivenessTimeout = time.Second

// Liveness holds the time of the last valid frame from the host.
type Liveness struct {
	mu   sync.Mutex
	last time.Time
}

func NewLiveness(now time.Time) *Liveness {
	return &Liveness{last: now}
}

func (l *Liveness) Touch(now time.Time) {
	l.mu.Lock()
	l.last = now
	l.mu.Unlock()
}

func (l *Liveness) Last() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Expired reports whether more than LivenessTimeout has passed since the
// last frame.
func (l *Liveness) Expired(now time.Time) bool {
	return now.Sub(l.Last()) > LivenessTimeout
}
