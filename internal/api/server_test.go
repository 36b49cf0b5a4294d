package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edusync/harvester/internal/core"
)

type fakeSessions struct {
	active  *core.Session
	started core.Session
	start   error
	cancel  error
	history []core.Session
}

func (f *fakeSessions) Start(context.Context) (core.Session, error) {
	if f.start != nil {
		return core.Session{}, f.start
	}
	return f.started, nil
}

func (f *fakeSessions) Cancel() (core.Session, error) {
	if f.cancel != nil {
		return core.Session{}, f.cancel
	}
	return f.started, nil
}

func (f *fakeSessions) Active() (core.Session, bool) {
	if f.active == nil {
		return core.Session{}, false
	}
	return *f.active, true
}

func (f *fakeSessions) History() []core.Session { return f.history }

type fakeQueueReader struct {
	stats  core.QueueStats
	errors []core.TaskFailure
}

func (f *fakeQueueReader) Stats() core.QueueStats { return f.stats }

func (f *fakeQueueReader) RecentErrors() []core.TaskFailure { return f.errors }

type fakeCacheReader struct {
	targets []core.RecrawlTarget
	signals map[string][]core.ChangeSignal
	tracked int
}

func (f *fakeCacheReader) PlanTargetedRecrawl() []core.RecrawlTarget { return f.targets }

func (f *fakeCacheReader) Changes(url string) []core.ChangeSignal { return f.signals[url] }

func (f *fakeCacheReader) Len() int { return f.tracked }

func newTestServer(sessions *fakeSessions, queue *fakeQueueReader, cache *fakeCacheReader) *httptest.Server {
	if sessions == nil {
		sessions = &fakeSessions{}
	}
	if queue == nil {
		queue = &fakeQueueReader{}
	}
	if cache == nil {
		cache = &fakeCacheReader{}
	}
	server := NewServer(sessions, queue, cache, zap.NewNop())
	return httptest.NewServer(server.Handler())
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(nil, nil, nil)
	defer ts.Close()

	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &health))
	require.Equal(t, "ok", health["status"])

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/readyz", nil))
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/metrics", nil))
}

func TestGetSession(t *testing.T) {
	active := core.Session{ID: "s1", Status: core.SessionRunning, StartedAt: time.Now().UTC()}
	ts := newTestServer(&fakeSessions{active: &active}, nil, nil)
	defer ts.Close()

	var body struct {
		Active  bool         `json:"active"`
		Session core.Session `json:"session"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/session/", &body))
	require.True(t, body.Active)
	require.Equal(t, "s1", body.Session.ID)
}

func TestStartSession(t *testing.T) {
	started := core.Session{ID: "s2", Status: core.SessionRunning}
	ts := newTestServer(&fakeSessions{started: started}, nil, nil)
	defer ts.Close()

	var body struct {
		Session core.Session `json:"session"`
	}
	require.Equal(t, http.StatusAccepted, postJSON(t, ts.URL+"/v1/session/start", &body))
	require.Equal(t, "s2", body.Session.ID)
}

func TestStartSessionConflict(t *testing.T) {
	ts := newTestServer(&fakeSessions{start: core.ErrSessionRunning}, nil, nil)
	defer ts.Close()

	var body map[string]string
	require.Equal(t, http.StatusConflict, postJSON(t, ts.URL+"/v1/session/start", &body))
	require.NotEmpty(t, body["error"])
}

func TestQueueStats(t *testing.T) {
	queue := &fakeQueueReader{
		stats: core.QueueStats{Total: 5, Pending: 3, InFlight: 2, Completed: 7},
		errors: []core.TaskFailure{
			{TaskID: "t1", Kind: core.KindFile, URL: "https://campus.test/file/1", Attempts: 3, Error: "boom"},
		},
	}
	ts := newTestServer(nil, queue, nil)
	defer ts.Close()

	var stats core.QueueStats
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/queue/stats", &stats))
	require.Equal(t, 5, stats.Total)
	require.Equal(t, 2, stats.InFlight)

	var errBody struct {
		Errors []core.TaskFailure `json:"errors"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/queue/errors", &errBody))
	require.Len(t, errBody.Errors, 1)
	require.Equal(t, "t1", errBody.Errors[0].TaskID)
}

func TestCacheEndpoints(t *testing.T) {
	cache := &fakeCacheReader{
		targets: []core.RecrawlTarget{{URL: "https://campus.test/c/1", Priority: 10, Reason: "recent change"}},
		signals: map[string][]core.ChangeSignal{
			"https://campus.test/c/1": {{URL: "https://campus.test/c/1", Kind: core.ChangeModified}},
		},
		tracked: 42,
	}
	ts := newTestServer(nil, nil, cache)
	defer ts.Close()

	var plan struct {
		Targets []core.RecrawlTarget `json:"targets"`
		Tracked int                  `json:"tracked"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/cache/plan", &plan))
	require.Len(t, plan.Targets, 1)
	require.Equal(t, 42, plan.Tracked)

	var changes struct {
		Signals []core.ChangeSignal `json:"signals"`
	}
	status := getJSON(t, ts.URL+"/v1/cache/changes?url=https%3A%2F%2Fcampus.test%2Fc%2F1", &changes)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, changes.Signals, 1)

	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/cache/changes", nil))
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(nil, nil, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
