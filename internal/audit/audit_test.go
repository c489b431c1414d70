package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"label-print-service/internal/domain"
)

func fixedClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		now := current
		current = current.Add(step)
		return now
	}
}

func TestTrace_Lifecycle(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tr := startAt("print", "10.17.1.2", fixedClock(start, 100*time.Millisecond))
	require.NotEmpty(t, tr.ID())

	tr.Add(EventProductFound, "code", "7927", "dangling")
	tr.SetTarget("17", "10.17.30.119", domain.LabelFlower, 2)
	rec := tr.Finish(domain.TraceOK)

	assert.Equal(t, tr.ID(), rec.TraceID)
	assert.Equal(t, "print", rec.Action)
	assert.Equal(t, domain.TraceOK, rec.Status)
	assert.Equal(t, "17", rec.StoreID)
	assert.Equal(t, 2, rec.Copies)
	require.Len(t, rec.Events, 2)
	assert.Equal(t, EventStart, rec.Events[0].Event)
	assert.Equal(t, "10.17.1.2", rec.Events[0].Fields["ip"])
	assert.Equal(t, "7927", rec.Events[1].Fields["code"])
	assert.Contains(t, rec.Events[1].Fields, "dangling")
	assert.Equal(t, start, rec.StartedAt)
	assert.Greater(t, rec.Duration, time.Duration(0))
}

func TestTrace_IDsAreUnique(t *testing.T) {
	assert.NotEqual(t, Start("print", "").ID(), Start("print", "").ID())
}

func TestRecorder_RecordAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	r := NewRecorder(path, nil)

	traces, err := r.Read(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, traces)

	old := domain.PrintTrace{TraceID: "a", Action: "print", Status: domain.TraceOK, StartedAt: time.Now().Add(-48 * time.Hour)}
	recent := domain.PrintTrace{TraceID: "b", Action: "load", Status: domain.TraceFailed, StartedAt: time.Now()}
	require.NoError(t, r.Record(old))
	require.NoError(t, r.Record(recent))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	traces, err = r.Read(time.Time{})
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "a", traces[0].TraceID)

	traces, err = r.Read(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "b", traces[0].TraceID)
	assert.Equal(t, domain.TraceFailed, traces[0].Status)
}

func TestCompute(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	day := func(d int) time.Time { return time.Date(2025, 3, d, 9, 0, 0, 0, time.UTC) }
	traces := []domain.PrintTrace{
		{Action: "print", Status: domain.TraceOK, StoreID: "17", Copies: 3, StartedAt: day(9)},
		{Action: "print", Status: domain.TraceOK, StoreID: "17", Copies: 2, StartedAt: day(10)},
		{Action: "print", Status: domain.TraceOK, ClientIP: "10.5.1.1", Copies: 0, StartedAt: day(10)},
		{Action: "print", Status: domain.TraceOK, ClientIP: "192.168.0.9", Copies: 1, StartedAt: day(10)},
		{Action: "print", Status: domain.TraceFailed, StoreID: "17", Copies: 9, StartedAt: day(10)},
		{Action: "load", Status: domain.TraceOK, StoreID: "17", StartedAt: day(10)},
		{Action: "print", Status: domain.TraceOK, StoreID: "17", Copies: 50, StartedAt: day(1)},
	}

	stats := Compute(traces, now, 7, "", nil)
	assert.Equal(t, 7, stats.Total)
	assert.Equal(t, []string{"17", "5", UnknownStore}, stats.Stores)
	assert.Equal(t, map[string]int{"17": 5, "5": 1, UnknownStore: 1}, stats.ByStore)
	assert.Equal(t, map[string]int{"09/03": 3, "10/03": 4}, stats.ByDay)
	assert.Equal(t, 1.0, stats.DailyAverage)

	filtered := Compute(traces, now, 7, "17", nil)
	assert.Equal(t, 5, filtered.Total)
	assert.Len(t, filtered.Stores, 3)
	assert.Equal(t, 0.7, filtered.DailyAverage)

	mapped := Compute(traces, now, 0, "", func(ip string) string {
		if ip == "192.168.0.9" {
			return "99"
		}
		return ""
	})
	assert.Equal(t, 4, mapped.Total, "zero days counts as a single day")
	assert.Equal(t, 1, mapped.ByStore["99"])
	assert.Equal(t, 4.0, mapped.DailyAverage)
}
