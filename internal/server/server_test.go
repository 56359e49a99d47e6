package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x3EF8/Micro-Downloader/internal/config"
	"github.com/0x3EF8/Micro-Downloader/internal/database"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/process"
	"github.com/0x3EF8/Micro-Downloader/internal/history"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeEngine records submissions and plays scripted events to subscribers
type fakeEngine struct {
	mu        sync.Mutex
	jobs      map[string]downloader.Job
	submitted []downloader.JobRequest
	canceled  []string
	submitErr error
	script    []downloader.Event
	unsubbed  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{jobs: make(map[string]downloader.Job)}
}

func (e *fakeEngine) Submit(_ context.Context, req downloader.JobRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitErr != nil {
		return "", e.submitErr
	}
	id := fmt.Sprintf("job-%d", len(e.submitted)+1)
	e.submitted = append(e.submitted, req)
	e.jobs[id] = downloader.Job{ID: id, Request: req, State: downloader.StateQueued}
	return id, nil
}

func (e *fakeEngine) Cancel(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.jobs[id]; !ok {
		return downloader.ErrJobNotFound
	}
	e.canceled = append(e.canceled, id)
	return nil
}

func (e *fakeEngine) Subscribe(id string, handler downloader.Handler) (func(), error) {
	e.mu.Lock()
	_, ok := e.jobs[id]
	script := e.script
	e.mu.Unlock()
	if !ok {
		return nil, downloader.ErrJobNotFound
	}
	go func() {
		for _, ev := range script {
			handler(ev)
		}
	}()
	return func() {
		e.mu.Lock()
		e.unsubbed++
		e.mu.Unlock()
	}, nil
}

func (e *fakeEngine) Unsubscribed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unsubbed
}

func (e *fakeEngine) Get(id string) (downloader.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return downloader.Job{}, downloader.ErrJobNotFound
	}
	return j, nil
}

func (e *fakeEngine) Active() []downloader.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []downloader.Job
	for _, j := range e.jobs {
		if !j.State.IsTerminal() {
			out = append(out, j)
		}
	}
	return out
}

func (e *fakeEngine) History() []downloader.Job { return nil }

func (e *fakeEngine) setSubmitErr(err error) {
	e.mu.Lock()
	e.submitErr = err
	e.mu.Unlock()
}

func (e *fakeEngine) setScript(events ...downloader.Event) {
	e.mu.Lock()
	e.script = events
	e.mu.Unlock()
}

func (e *fakeEngine) Submitted() []downloader.JobRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]downloader.JobRequest(nil), e.submitted...)
}

func (e *fakeEngine) Canceled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.canceled...)
}

// fakeStore serves one history record
type fakeStore struct {
	mu   sync.Mutex
	opts history.FilterOptions
}

func (s *fakeStore) lastOptions() history.FilterOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

func (s *fakeStore) List(_ context.Context, opts history.FilterOptions) ([]database.JobRecord, error) {
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
	return []database.JobRecord{{ID: "old", Title: "Concert", State: "completed"}}, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*database.JobRecord, error) {
	if id != "old" {
		return nil, history.ErrNotFound
	}
	return &database.JobRecord{ID: "old", Title: "Concert"}, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Downloads.Path = "/srv/media"
	cfg.Server.AllowedOrigins = nil
	return cfg
}

func newTestServer(t *testing.T, engine Engine, store HistoryStore) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(testConfig(), engine, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestSubmitAppliesDefaults(t *testing.T) {
	engine := newFakeEngine()
	_, ts := newTestServer(t, engine, nil)

	resp, body := postJSON(t, ts.URL+"/api/jobs", map[string]string{"url": "https://example.com/v"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "job-1", body["job_id"])
	assert.NotNil(t, body["job"])

	resp, _ = postJSON(t, ts.URL+"/api/jobs", map[string]string{"url": "https://example.com/a", "kind": "audio"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	submitted := engine.Submitted()
	require.Len(t, submitted, 2)
	assert.Equal(t, downloader.KindVideo, submitted[0].Kind)
	assert.Equal(t, "1080p", string(submitted[0].Quality))
	assert.Equal(t, "/srv/media", submitted[0].DestinationDir)

	assert.Equal(t, downloader.KindAudio, submitted[1].Kind)
	assert.Empty(t, submitted[1].Quality, "video quality does not carry over to audio")
}

// idleRunner holds every process until its context ends
type idleRunner struct{}

func (idleRunner) Run(ctx context.Context, _ process.Command, _ func(process.Line)) (int, error) {
	<-ctx.Done()
	return -1, process.ErrCanceled
}

func TestSubmitNormalizesQualityAlias(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MinFreeSpace = 0
	manager, err := downloader.NewManager(&cfg.Engine, idleRunner{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() { _ = manager.Stop() })

	srv := New(cfg, manager, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, body := postJSON(t, ts.URL+"/api/jobs", map[string]string{
		"url":             "https://example.com/v",
		"quality":         "720",
		"destination_dir": t.TempDir(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body["error"])

	job, err := manager.Get(body["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "720p", string(job.Request.Quality))

	resp, body = postJSON(t, ts.URL+"/api/jobs", map[string]string{"url": "https://example.com/v", "quality": "9000"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "tier")
}

func TestSubmitErrors(t *testing.T) {
	engine := newFakeEngine()
	_, ts := newTestServer(t, engine, nil)

	resp, _ := postJSON(t, ts.URL+"/api/jobs", map[string]string{"kind": "video"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "url is required")

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: url", downloader.ErrInvalidRequest), http.StatusBadRequest},
		{downloader.ErrInsufficientSpace, http.StatusInsufficientStorage},
		{downloader.ErrManagerStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		engine.setSubmitErr(tt.err)
		resp, body := postJSON(t, ts.URL+"/api/jobs", map[string]string{"url": "https://example.com/v"})
		assert.Equal(t, tt.want, resp.StatusCode, tt.err.Error())
		assert.Contains(t, body["error"], tt.err.Error())
	}
}

func TestGetAndCancelJob(t *testing.T) {
	engine := newFakeEngine()
	_, ts := newTestServer(t, engine, nil)

	_, body := postJSON(t, ts.URL+"/api/jobs", map[string]string{"url": "https://example.com/v"})
	id := body["job_id"].(string)

	resp, err := http.Get(ts.URL + "/api/jobs/" + id)
	require.NoError(t, err)
	var job downloader.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	resp.Body.Close()
	assert.Equal(t, id, job.ID)

	resp, err = http.Get(ts.URL + "/api/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, tc := range []struct {
		id   string
		want int
	}{{id, http.StatusAccepted}, {"missing", http.StatusNotFound}} {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/jobs/"+tc.id, nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.want, resp.StatusCode)
	}
	assert.Equal(t, []string{id}, engine.Canceled())

	resp, err = http.Get(ts.URL + "/api/jobs")
	require.NoError(t, err)
	var list struct {
		Active []downloader.Job `json:"active"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Len(t, list.Active, 1)
}

func TestHistoryRoutes(t *testing.T) {
	store := &fakeStore{}
	_, ts := newTestServer(t, newFakeEngine(), store)

	resp, err := http.Get(ts.URL + "/api/history?search=conc&state=completed&limit=5&offset=2")
	require.NoError(t, err)
	var body struct {
		Jobs  []database.JobRecord `json:"jobs"`
		Count int                  `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "Concert", body.Jobs[0].Title)
	opts := store.lastOptions()
	assert.Equal(t, "conc", opts.SearchQuery)
	assert.Equal(t, downloader.StateCompleted, opts.State)
	assert.Equal(t, 5, opts.Limit)
	assert.Equal(t, 2, opts.Offset)
	assert.Equal(t, history.SortRecentFirst, opts.SortBy)

	resp, err = http.Get(ts.URL + "/api/history?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/history/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryRoutesNeedStore(t *testing.T) {
	_, ts := newTestServer(t, newFakeEngine(), nil)

	resp, err := http.Get(ts.URL + "/api/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dialJob(t *testing.T, ts *httptest.Server, id string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/jobs/" + id
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestStreamJobUntilTerminal(t *testing.T) {
	engine := newFakeEngine()
	_, ts := newTestServer(t, engine, nil)

	id, err := engine.Submit(context.Background(), downloader.JobRequest{URL: "https://example.com/v"})
	require.NoError(t, err)

	done := downloader.Job{ID: id, State: downloader.StateCompleted}
	engine.setScript(
		downloader.Event{Type: downloader.EventState, JobID: id, State: downloader.StateRunning},
		downloader.Event{Type: downloader.EventProgress, JobID: id, Progress: &downloader.ProgressEvent{JobID: id, Percent: 42, AggregatePercent: 42}},
		downloader.Event{Type: downloader.EventTerminal, JobID: id, State: downloader.StateCompleted, Job: &done, Reason: "Completed"},
	)

	conn, _, err := dialJob(t, ts, id)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got []EventMessage
	for {
		var msg EventMessage
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, msg)
	}

	require.Len(t, got, 3)
	assert.Equal(t, "state", got[0].Type)
	assert.Equal(t, downloader.StateRunning, got[0].State)
	assert.Equal(t, "progress", got[1].Type)
	assert.InDelta(t, 42.0, got[1].Progress.Percent, 0.001)
	assert.Equal(t, "terminal", got[2].Type)
	assert.Equal(t, "Completed", got[2].Reason)
	require.NotNil(t, got[2].Job)
	assert.Equal(t, downloader.StateCompleted, got[2].Job.State)
}

func TestStreamUnknownJob(t *testing.T) {
	_, ts := newTestServer(t, newFakeEngine(), nil)

	_, resp, err := dialJob(t, ts, "missing")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// logBuffer collects handler output from concurrent goroutines
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStreamEndsWhenClientLeaves(t *testing.T) {
	engine := newFakeEngine()
	id, err := engine.Submit(context.Background(), downloader.JobRequest{URL: "https://example.com/v"})
	require.NoError(t, err)

	logs := &logBuffer{}
	srv := New(testConfig(), engine, nil, slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := dialJob(t, ts, id)
	require.NoError(t, err)
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))
	conn.Close()

	require.Eventually(t, func() bool { return engine.Unsubscribed() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "client disconnected")
	assert.NotContains(t, logs.String(), "server shutting down")
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{cfg: config.ServerConfig{AllowedOrigins: []string{"http://localhost:5173"}}}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, s.checkOrigin(req), "no origin header")

	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, s.checkOrigin(req))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	engine := newFakeEngine()
	id, err := engine.Submit(context.Background(), downloader.JobRequest{URL: "https://example.com/v"})
	require.NoError(t, err)

	srv := New(testConfig(), engine, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	// No events are scripted, so the stream stays open until shutdown
	url := "ws://" + ln.Addr().String() + "/api/ws/jobs/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
