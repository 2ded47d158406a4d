package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"codeberg.org/mutker/battester/internal/records"
	"codeberg.org/mutker/battester/internal/tester"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func completedRecord() *domain.TestRecord {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := domain.NewTestRecord("PACK-1", start)
	rec.Samples = []domain.Sample{
		{Timestamp: start.Add(500 * time.Millisecond), Current: 10010, Voltage: 12650},
		{Timestamp: start.Add(time.Second), Current: 9990, Voltage: 12640},
	}
	result := domain.ComputeAmpHours(rec.StartTime, rec.Samples)
	rec.Status = domain.StatusCompleted
	rec.Result = &result
	return rec
}

func TestWriteTSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeTSV(&buf, completedRecord()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp\telapsed_ms\tmillivolts\tmilliamps", lines[0])
	assert.Equal(t, "2024-05-01T12:00:00.5Z\t500\t12650\t10010", lines[1])
	assert.Equal(t, "2024-05-01T12:00:01Z\t1000\t12640\t9990", lines[2])
}

func TestWriteYAML(t *testing.T) {
	rec := completedRecord()

	var buf bytes.Buffer
	require.NoError(t, writeYAML(&buf, rec))

	var view recordView
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &view))
	assert.Equal(t, rec.ID.String(), view.ID)
	assert.Equal(t, "PACK-1", view.BatteryID)
	assert.Equal(t, "completed", view.Status)
	assert.Equal(t, 2, view.Samples)
	require.NotNil(t, view.Result)
	assert.Equal(t, "1s", view.Result.Duration)
	require.NotNil(t, view.Voltage)
	assert.InDelta(t, 12.65, view.Voltage.Start, 1e-9)
	assert.InDelta(t, 12.64, view.Voltage.End, 1e-9)
}

func TestWriteSummaries(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSummaries(&buf, nil))
	assert.Equal(t, "no records\n", buf.String())

	buf.Reset()
	rec := completedRecord()
	require.NoError(t, writeSummaries(&buf, []records.Summary{{
		ID:        rec.ID,
		BatteryID: rec.BatteryID,
		StartTime: rec.StartTime,
		AmpHours:  7.25,
		Duration:  42 * time.Minute,
	}}))
	assert.Contains(t, buf.String(), "PACK-1")
	assert.Contains(t, buf.String(), "7.25Ah")
	assert.Contains(t, buf.String(), "42m0s")
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, tester.Status{
		State:     "BatteryDisconnect",
		BatteryID: "PACK-1",
		Fault:     "bi: CurrentOutOfRange",
		Cutoff:    11000,
	})

	out := buf.String()
	assert.Contains(t, out, "state:   BatteryDisconnect")
	assert.Contains(t, out, "fault:   bi: CurrentOutOfRange")
	assert.Contains(t, out, "cutoff:  11.000V")
	assert.NotContains(t, out, "reading:")
	assert.NotContains(t, out, "unsaved:")

	buf.Reset()
	printStatus(&buf, tester.Status{State: "WaitForID", RecordsFailed: 2})
	assert.Contains(t, buf.String(), "unsaved: 2 completed record(s)")
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"serve"}, {"id"}, {"start"}, {"pause"}, {"cancel"}, {"ack"}, {"cutoff"}, {"status"},
		{"records", "list"}, {"records", "show"}, {"records", "export"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
