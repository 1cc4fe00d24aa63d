package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/devflow-exec/internal/auth"
	"github.com/sakif/devflow-exec/internal/config"
	"github.com/sakif/devflow-exec/internal/executor"
)

// stubExecutor returns a fixed result for every request.
type stubExecutor struct{}

func (stubExecutor) Execute(_ context.Context, req executor.Request, obs executor.Observer) (*executor.Result, error) {
	obs.Emit(executor.LogEvent(req.RunID, executor.StreamStdout, "hi"))
	return &executor.Result{RunID: req.RunID, Stdout: "hi", DurationMS: 3}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DBPath = ":memory:"
	return &cfg
}

func newTestServer(t *testing.T, cfg *config.Config, exec executor.Executor) *httptest.Server {
	t.Helper()
	s, err := New(cfg, "test", testLogger(), exec)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return ts
}

func request(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNew_RequiresExecutor(t *testing.T) {
	_, err := New(testConfig(), "test", testLogger(), nil)
	assert.Error(t, err)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, testConfig(), stubExecutor{})

	resp := request(t, http.MethodGet, ts.URL+"/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))

	resp = request(t, http.MethodPost, ts.URL+"/api/runs", "", `{"command":"echo hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = request(t, http.MethodGet, ts.URL+"/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `devflow_run_total{outcome="success",profile="native"} 1`)
	assert.Contains(t, string(body), `devflow_http_requests_total{method="GET",status_code="200"}`)
}

func TestServer_AuthDisabled(t *testing.T) {
	ts := newTestServer(t, testConfig(), stubExecutor{})

	resp := request(t, http.MethodGet, ts.URL+"/api/presets", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = request(t, http.MethodPost, ts.URL+"/auth/token", "", `{"password":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_AuthEnabled(t *testing.T) {
	hash, err := auth.NewPasswordServiceWithCost(4).Hash("s3cret")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.JWTSecret = "server-test-secret-0123456789abcdef"
	cfg.AdminPasswordHash = hash
	ts := newTestServer(t, cfg, stubExecutor{})

	// Health and metrics stay open for probes and scrapers.
	assert.Equal(t, http.StatusOK, request(t, http.MethodGet, ts.URL+"/healthz", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, request(t, http.MethodGet, ts.URL+"/metrics", "", "").StatusCode)

	resp := request(t, http.MethodPost, ts.URL+"/api/runs", "", `{"command":"echo hi"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = request(t, http.MethodPost, ts.URL+"/auth/token", "", `{"password":"s3cret"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	require.NotEmpty(t, tok.Token)

	resp = request(t, http.MethodGet, ts.URL+"/api/me", tok.Token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = request(t, http.MethodPost, ts.URL+"/api/runs", tok.Token, `{"command":"echo hi"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_PresetLifecycle(t *testing.T) {
	ts := newTestServer(t, testConfig(), stubExecutor{})

	resp := request(t, http.MethodPost, ts.URL+"/api/presets", "", `{"name":"greet","command":"echo hi"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))

	resp = request(t, http.MethodPost, ts.URL+"/api/presets/"+p.ID+"/run", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res executor.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "hi", res.Stdout)

	resp = request(t, http.MethodDelete, ts.URL+"/api/presets/"+p.ID, "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// End to end through the real engine.
func TestServer_RealEngine(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell command")
	}
	cfg := testConfig()
	cfg.Shell = "sh"
	engine, cleanup := NewEngine(cfg, testLogger())
	defer cleanup()
	ts := newTestServer(t, cfg, engine)

	resp := request(t, http.MethodPost, ts.URL+"/api/runs", "", `{"command":"echo hello; echo oops >&2; exit 3","timeout_seconds":10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res executor.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "hello", strings.TrimSpace(res.Stdout))
	assert.Equal(t, "oops", strings.TrimSpace(res.Stderr))
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Port = freePort(t)
	s, err := New(cfg, "test", testLogger(), stubExecutor{})
	require.NoError(t, err)

	stop, done := startServer(t, s, cfg.Port)
	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

// returnWatcher records whether the wrapped executor has returned.
type returnWatcher struct {
	inner    executor.Executor
	returned atomic.Bool
}

func (w *returnWatcher) Execute(ctx context.Context, req executor.Request, obs executor.Observer) (*executor.Result, error) {
	defer w.returned.Store(true)
	return w.inner.Execute(ctx, req, obs)
}

// startServer runs s.ListenAndServe on a free port until the returned
// cancel is called, and waits for the listener to come up.
func startServer(t *testing.T, s *Server, port int) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return cancel, done
}

// A streamed run is a hijacked connection that Shutdown does not wait for.
// Stopping the server must still kill and reap its child before returning.
func TestListenAndServe_ReapsStreamedRunsOnShutdown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell command")
	}
	cfg := testConfig()
	cfg.Port = freePort(t)
	cfg.Shell = "sh"
	engine, cleanup := NewEngine(cfg, testLogger())
	defer cleanup()
	watcher := &returnWatcher{inner: engine}

	s, err := New(cfg, "test", testLogger(), watcher)
	require.NoError(t, err)
	stop, done := startServer(t, s, cfg.Port)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://127.0.0.1:"+strconv.Itoa(cfg.Port)+"/api/runs/stream", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, wsjson.Write(ctx, conn, executor.Request{Command: "echo ready; sleep 30", TimeoutSeconds: 60}))
	for {
		var e executor.Event
		require.NoError(t, wsjson.Read(ctx, conn, &e))
		if e.Line == "ready" {
			break
		}
	}

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, watcher.returned.Load(), "run still executing after the server stopped")
	assert.Zero(t, s.runs.Active())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	require.NoError(t, ensureDataDir(filepath.Join(dir, "devflow.db")))
	assert.DirExists(t, dir)
	assert.NoError(t, ensureDataDir(":memory:"))
}
