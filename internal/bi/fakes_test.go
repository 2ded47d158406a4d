package bi_test

import (
	"sync"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeBattery struct {
	mu      sync.Mutex
	present bool
	current domain.MilliAmps
	voltage domain.MilliVolts
	readErr error
	reads   int
}

func newFakeBattery() *fakeBattery {
	return &fakeBattery{present: true, current: 10000, voltage: 12600}
}

func (b *fakeBattery) Read() (domain.MilliAmps, domain.MilliVolts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	return b.current, b.voltage, b.readErr
}

func (b *fakeBattery) BatteryPresent() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.present, nil
}

func (b *fakeBattery) set(fn func(b *fakeBattery)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

type fakeLoad struct {
	mu     sync.Mutex
	duties []uint8
}

func (l *fakeLoad) SetDuty(d uint8) error {
	l.mu.Lock()
	l.duties = append(l.duties, d)
	l.mu.Unlock()
	return nil
}

func (l *fakeLoad) last() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.duties) == 0 {
		return 0
	}
	return l.duties[len(l.duties)-1]
}
