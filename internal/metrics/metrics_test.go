package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRecordHit(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := New(Config{Now: fixedClock(now)})

	m.RecordHit("b")
	m.RecordHit("a")
	m.RecordHit("b")

	snap := m.Snapshot()
	require.Len(t, snap, 2)

	assert.Equal(t, "a", snap[0].RouteID)
	assert.Equal(t, int64(1), snap[0].Hits)
	assert.Equal(t, "b", snap[1].RouteID)
	assert.Equal(t, int64(2), snap[1].Hits)
	require.NotNil(t, snap[1].LastHit)
	assert.Equal(t, "2026-03-01T10:00:00Z", *snap[1].LastHit)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.hitsTotal.WithLabelValues("b")))
}

func TestSnapshotEmpty(t *testing.T) {
	m := New(DefaultConfig())

	snap := m.Snapshot()
	assert.NotNil(t, snap)
	assert.Empty(t, snap)

	b, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))
}

func TestConcurrentHitsAndSnapshots(t *testing.T) {
	m := New(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			route := "route-" + string(rune('a'+i%4))
			for j := 0; j < 500; j++ {
				m.RecordHit(route)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			m.Snapshot()
		}
	}()

	wg.Wait()
	<-done

	var total int64
	for _, row := range m.Snapshot() {
		total += row.Hits
	}
	assert.Equal(t, int64(20*500), total)
}

func TestRecordOutcome(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordOutcome("r1", "rate_limited")
	m.RecordOutcome("r1", "rate_limited")
	m.RecordOutcome("", "no_route")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.outcomesTotal.WithLabelValues("r1", "rate_limited")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.outcomesTotal.WithLabelValues("", "no_route")))
}

func TestInFlight(t *testing.T) {
	m := New(DefaultConfig())

	done := m.InFlight("r1")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.inFlight.WithLabelValues("r1")))
	done()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.inFlight.WithLabelValues("r1")))
}

func TestHandler(t *testing.T) {
	m := New(Config{Namespace: "test"})
	m.RecordHit("users")
	m.ObserveUpstream("users", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `test_route_hits_total{route="users"} 1`), body)
	assert.Contains(t, body, `test_upstream_duration_seconds_count{route="users"} 1`)
}

func TestJSONHandler(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordHit("r1")

	rec := httptest.NewRecorder()
	m.JSONHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var rows []RouteHits
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "r1", rows[0].RouteID)
}
