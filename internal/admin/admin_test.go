package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/rulegate/internal/metrics"
	"github.com/relaypoint/rulegate/internal/rules"
)

// flakyStorage wraps a real storage and fails saves on demand.
type flakyStorage struct {
	rules.Storage
	failSave atomic.Bool
}

func (f *flakyStorage) Save(ctx context.Context, s *rules.Snapshot) error {
	if f.failSave.Load() {
		return errors.New("disk full")
	}
	return f.Storage.Save(ctx, s)
}

type fixture struct {
	store   *rules.Store
	storage *flakyStorage
	metrics *metrics.Registry
	handler http.Handler
	proxied atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := &flakyStorage{Storage: rules.NewFileStorage(filepath.Join(t.TempDir(), "routes.json"))}
	store, err := rules.Open(context.Background(), fs, rules.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, storage: fs, metrics: metrics.New(metrics.DefaultConfig())}
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.proxied.Add(1)
		w.WriteHeader(http.StatusTeapot)
	})
	f.handler = NewRouter(New(store, f.metrics, "/admin", nil), fallback)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateRoute(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/admin/routes", `{"path":"/api/**","target":"http://backend:8080","stripPrefix":1,"group":"core"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decodeInto[rules.Rule](t, rec)
	assert.NotEmpty(t, created.ID)
	require.NotNil(t, created.Enabled)
	assert.True(t, *created.Enabled)
	assert.NotEmpty(t, created.CreatedAt)

	list := decodeInto[rules.Snapshot](t, f.do(http.MethodGet, "/admin/routes", ""))
	require.Len(t, list.Routes, 1)
	assert.Equal(t, created.ID, list.Routes[0].ID)
}

func TestCreateRoute_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing path", `{"target":"http://b"}`, http.StatusBadRequest},
		{"missing target", `{"path":"/x"}`, http.StatusBadRequest},
		{"bad target", `{"path":"/x","target":"ftp://b"}`, http.StatusBadRequest},
		{"malformed json", `{"path":`, http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, f.do(http.MethodPost, "/admin/routes", tc.body).Code)
		})
	}
	assert.Empty(t, f.store.Get().Routes)
}

func TestCreateRoute_DuplicateID(t *testing.T) {
	f := newFixture(t)

	body := `{"id":"r1","path":"/x","target":"http://b"}`
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/admin/routes", body).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/admin/routes", body).Code)
}

func TestUpdateRoute(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/admin/routes", `{"id":"r1","path":"/x","target":"http://b"}`).Code)

	rec := f.do(http.MethodPut, "/admin/routes/r1", `{"enabled":false,"rateLimitQps":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updated := decodeInto[rules.Rule](t, rec)
	assert.Equal(t, "/x", updated.Path)
	assert.False(t, updated.IsEnabled())
	assert.Equal(t, 5, updated.QPS())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/admin/routes/nope", `{}`).Code)
}

func TestDeleteRoute(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/admin/routes", `{"id":"r1","path":"/x","target":"http://b"}`).Code)

	rec := f.do(http.MethodDelete, "/admin/routes/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/admin/routes/r1", "").Code)
}

func TestReplaceRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/admin/routes", `{"version":"v7","routes":[
		{"id":"a","path":"/a/**","target":"http://a"},
		{"path":"/b","target":"http://b","authType":"apiKey","apiKey":"k"}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored := decodeInto[rules.Snapshot](t, rec)
	assert.Equal(t, "v7", stored.Version)
	require.Len(t, stored.Routes, 2)
	assert.NotEmpty(t, stored.Routes[1].ID)

	dup := f.do(http.MethodPut, "/admin/routes", `{"routes":[
		{"id":"a","path":"/a","target":"http://a"},
		{"id":"a","path":"/b","target":"http://b"}
	]}`)
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, "v7", f.store.Get().Version)
}

func TestPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.storage.failSave.Store(true)

	rec := f.do(http.MethodPost, "/admin/routes", `{"path":"/x","target":"http://b"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, f.store.Get().Routes, "failed writes must not be installed")
}

func TestSummaryMetricsHealth(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPut, "/admin/routes", `{"version":"v1","routes":[
		{"id":"a","path":"/a","target":"http://a","group":"g1","rateLimitQps":3},
		{"id":"b","path":"/b","target":"http://b","group":"g1","enabled":false,"authType":"apiKey","apiKey":"k"},
		{"id":"c","path":"/c","target":"http://c"}
	]}`)
	f.metrics.RecordHit("a")

	sum := decodeInto[rules.Summary](t, f.do(http.MethodGet, "/admin/summary", ""))
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Enabled)
	assert.Equal(t, 1, sum.Disabled)
	assert.Equal(t, 1, sum.WithAuth)
	assert.Equal(t, 1, sum.RateLimited)
	assert.Equal(t, map[string]int{"g1": 2}, sum.Groups)

	rows := decodeInto[[]metrics.RouteHits](t, f.do(http.MethodGet, "/admin/metrics", ""))
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].RouteID)

	health := decodeInto[map[string]string](t, f.do(http.MethodGet, "/admin/health", ""))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "v1", health["version"])
}

func TestFallbackReceivesEverythingElse(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusTeapot, f.do(http.MethodGet, "/api/users", "").Code)
	assert.Equal(t, http.StatusTeapot, f.do(http.MethodPatch, "/admin/routes", "").Code)
	assert.Equal(t, int64(2), f.proxied.Load())
}
