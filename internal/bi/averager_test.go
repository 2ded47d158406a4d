package bi_test

import (
	"testing"

	"codeberg.org/mutker/battester/internal/bi"
	"codeberg.org/mutker/battester/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestAveragerMeanOfMostRecentWindow(t *testing.T) {
	seq := []domain.MilliAmps{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000, 1100, 1200, 1300, 1400, 1500}

	for n := 1; n <= len(seq); n++ {
		a := bi.NewAverager()
		for _, c := range seq[:n] {
			a.Add(domain.Sample{Current: c})
		}

		from := 0
		if n > bi.WindowSize {
			from = n - bi.WindowSize
		}
		var sum float64
		for _, c := range seq[from:n] {
			sum += float64(c)
		}
		want := sum / float64(n-from)

		assert.InDelta(t, want, a.Mean(), 1e-9, "after %d samples", n)
		assert.Equal(t, n-from, a.Len())
	}
}

func TestAveragerEmpty(t *testing.T) {
	a := bi.NewAverager()
	assert.Zero(t, a.Mean())
	assert.Equal(t, domain.AveragedReading{}, a.Reading())
}

func TestAveragerVoltageIsLatestRaw(t *testing.T) {
	a := bi.NewAverager()
	a.Add(domain.Sample{Current: 9999, Voltage: 12800})
	a.Add(domain.Sample{Current: 10002, Voltage: 12100})

	r := a.Reading()
	assert.Equal(t, domain.MilliVolts(12100), r.VoltageLatest)
	assert.Equal(t, domain.MilliAmps(10001), r.CurrentAvg, "rounded mean")
}

func TestAveragerReset(t *testing.T) {
	a := bi.NewAverager()
	a.Add(domain.Sample{Current: 10000, Voltage: 12000})
	a.Reset()

	assert.Zero(t, a.Len())
	assert.Equal(t, domain.AveragedReading{}, a.Reading())

	a.Add(domain.Sample{Current: 500, Voltage: 11000})
	assert.InDelta(t, 500.0, a.Mean(), 1e-9)
}
