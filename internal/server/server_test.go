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
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/executor"
	"github.com/sakif/code-executor/internal/toolchain"
)

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	if req.Language != "python" {
		return nil, apperror.UnsupportedLanguage(req.Language)
	}
	return &executor.ExecutionResult{Language: "python", Verdict: executor.VerdictSuccess, Stdout: "ok\n"}, nil
}

type fakeLister struct{}

func (fakeLister) List() []toolchain.Spec {
	return []toolchain.Spec{{Language: "python", Name: "Python 3", Run: []string{"python3", "main.py"}}}
}

type fakeCapacity struct{}

func (fakeCapacity) InFlight() int { return 0 }
func (fakeCapacity) Size() int     { return 4 }

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg, Dependencies{
		Executor:   fakeExecutor{},
		Toolchains: fakeLister{},
		Capacity:   fakeCapacity{},
	}, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Dependencies{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestRoutes(t *testing.T) {
	ts := newTestServer(t, Config{MaxBodyBytes: 1 << 20})

	t.Run("execute", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/execute", "application/json", bytes.NewBufferString(`{"language":"python","code":"print('ok')"}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var res executor.ExecutionResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		assert.Equal(t, executor.VerdictSuccess, res.Verdict)
	})

	t.Run("unsupported language", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/execute", "application/json", bytes.NewBufferString(`{"language":"ruby","code":"puts 1"}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "Unsupported language", body["error"])
	})

	t.Run("execute is POST only", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/execute")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("languages", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/languages")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var langs []map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&langs))
		require.Len(t, langs, 1)
		assert.Equal(t, "python", langs[0]["id"])
	})

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "go_goroutines")
	})

	t.Run("request id header", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
		require.NoError(t, err)
		req.Header.Set("X-Request-Id", "req-42")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, Config{CORSAllowedOrigins: []string{"https://play.example"}})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/execute", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://play.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://play.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimitOnlyGuardsExecute(t *testing.T) {
	ts := newTestServer(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 1})

	execute := func() int {
		resp, err := http.Post(ts.URL+"/execute", "application/json", bytes.NewBufferString(`{"language":"python","code":"1"}`))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, execute())
	assert.Equal(t, http.StatusTooManyRequests, execute())

	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestRunStopsWhenContextIsCancelled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(Config{Port: port, RequestTimeout: time.Second, RateLimitRPS: 1, RateLimitBurst: 1}, Dependencies{
		Executor:   fakeExecutor{},
		Toolchains: fakeLister{},
		Capacity:   fakeCapacity{},
	}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
