package bi

import (
	"math"
	"sync"

	"codeberg.org/mutker/battester/internal/domain"
)

// WindowSize is the number of samples averaged.
const WindowSize = 10

// Averager keeps the last WindowSize samples in a ring and publishes their
// mean current alongside the latest raw voltage.
type Averager struct {
	mu     sync.RWMutex
	window [WindowSize]domain.MilliAmps
	next   int
	count  int
	sum    int64
	latest domain.MilliVolts
}

func NewAverager() *Averager {
	return &Averager{}
}

// Add pushes s, overwriting the oldest sample once the window is full.
func (a *Averager) Add(s domain.Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == WindowSize {
		a.sum -= int64(a.window[a.next])
	} else {
		a.count++
	}
	a.window[a.next] = s.Current
	a.sum += int64(s.Current)
	a.next = (a.next + 1) % WindowSize
	a.latest = s.Voltage
}

// Reset empties the window and clears the latest voltage.
func (a *Averager) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.next, a.count, a.sum, a.latest = 0, 0, 0, 0
}

// Mean returns the mean current in mA over the held samples, or 0 if empty.
func (a *Averager) Mean() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.count == 0 {
		return 0
	}
	return float64(a.sum) / float64(a.count)
}

// Len returns how many samples are held.
func (a *Averager) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// Reading returns the current AveragedReading.
func (a *Averager) Reading() domain.AveragedReading {
	mean := a.Mean()

	a.mu.RLock()
	defer a.mu.RUnlock()

	return domain.AveragedReading{
		CurrentAvg:    domain.MilliAmps(math.Round(mean)),
		VoltageLatest: a.latest,
	}
}
