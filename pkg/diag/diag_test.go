package diag

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hubmakerlabs/feedr/pkg/connection"
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/metrics"
	"github.com/Hubmakerlabs/feedr/pkg/pool"
	"github.com/Hubmakerlabs/feedr/pkg/query"
)

type source struct {
	conns   []pool.Snapshot
	queries []query.Snapshot
	err     error
	m       []metrics.Snapshot
}

func (s source) ConnectionSnapshot() []pool.Snapshot { return s.conns }
func (s source) Snapshot() ([]query.Snapshot, error) { return s.queries, s.err }
func (s source) Metrics() []metrics.Snapshot         { return s.m }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	h.ServeHTTP(w, req)
	return w
}

func TestRoutes(t *testing.T) {
	src := source{
		conns: []pool.Snapshot{{Snapshot: connection.Snapshot{URL: "wss://a", State: "ready"},
			Metrics: metrics.Snapshot{URL: "wss://a", Connects: 2}}},
		queries: []query.Snapshot{{ID: "feed", Progress: 0.5}, {ID: "thread", Progress: 1}},
		m:       []metrics.Snapshot{{URL: "wss://a", Events: 7}},
	}
	s := New(src)

	w := get(t, s, "/connections")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	var conns []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conns))
	require.Len(t, conns, 1)
	assert.Equal(t, "wss://a", conns[0]["url"])
	assert.Equal(t, "ready", conns[0]["state"])

	w = get(t, s, "/queries")
	require.Equal(t, http.StatusOK, w.Code)
	var qs []query.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &qs))
	assert.Len(t, qs, 2)

	w = get(t, s, "/queries/thread")
	require.Equal(t, http.StatusOK, w.Code)
	var q query.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	assert.Equal(t, 1.0, q.Progress)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/queries/nope").Code)

	w = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	var m []metrics.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	require.Len(t, m, 1)
	assert.Equal(t, int64(7), m[0].Events)
}

func TestEmptyAndStopped(t *testing.T) {
	s := New(source{err: errors.New("system stopped")})
	w := get(t, s, "/connections")
	assert.Equal(t, "[]\n", w.Body.String())
	assert.Equal(t, "[]\n", get(t, s, "/metrics").Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/queries").Code)
}

func TestStartServesWithCORS(t *testing.T) {
	s := New(source{})
	started := make(chan bool)
	errs := make(chan error, 1)
	go func() { errs <- s.Start("127.0.0.1", 0, started) }()
	select {
	case <-started:
	case err := <-errs:
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodGet, "http://"+s.Addr+"/connections", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.com")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))

	c, cancel := context.Timeout(context.Bg(), time.Second)
	defer cancel()
	s.Shutdown(c)
	assert.NoError(t, <-errs)
}
