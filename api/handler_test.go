package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshop/config"
	"workshop/events"
	"workshop/history"
	"workshop/pipeline"
	"workshop/playlist"
	"workshop/project"
	"workshop/task"
)

// blockingWorker runs until its task is cancelled.
func blockingWorker(ctx context.Context, _ task.Task, _ task.Reporter) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type testEnv struct {
	router   *gin.Engine
	settings *config.Store
	download *task.Scheduler
	projects *project.Manager
	history  *history.Store
	root     string
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.settings.OnChange(func(old, cur config.Settings) {
		if n := cur.Concurrency.Download; n != old.Concurrency.Download {
			_ = env.download.SetConcurrency(n)
		}
	})
	return env
}

// newTestEnv wires the router without any settings change listener.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetOutput(io.Discard)
	bus := events.New(log)
	settings := config.NewStore(config.Defaults(), "")

	download := task.NewScheduler(task.Config{
		Kind:        task.KindDownload,
		Concurrency: 1,
		Worker:      task.WorkerFunc(blockingWorker),
		Bus:         bus,
		Logger:      log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	download.Start(ctx)
	t.Cleanup(func() {
		cancel()
		download.Wait()
	})

	root := t.TempDir()
	pm, err := project.NewManager(root, settings, bus, log)
	require.NoError(t, err)

	hs, err := history.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = hs.Close() })

	h := NewHandler(Options{
		Schedulers: []*task.Scheduler{download},
		Projects:   pm,
		Playlists:  &playlist.Bootstrapper{Projects: pm, Downloads: download, Bus: bus, Logger: log},
		History:    hs,
		Bus:        bus,
		Settings:   settings,
		Logger:     log,
	})
	return &testEnv{router: SetupRouter(h), settings: settings, download: download, projects: pm, history: hs, root: root}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandleCreateTask(t *testing.T) {
	env := setupTestRouter(t)
	args := gin.H{"url": "https://example.com/watch?v=1", "destDir": t.TempDir()}

	w := env.do(http.MethodPost, "/api/v1/download/tasks", args)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	created := decodeBody[map[string]any](t, w)
	assert.EqualValues(t, 1, created["id"])
	assert.Equal(t, "download", created["kind"])

	_, found := env.download.Get(1)
	assert.True(t, found)

	t.Run("duplicate", func(t *testing.T) {
		w := env.do(http.MethodPost, "/api/v1/download/tasks", args)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
	t.Run("invalid arguments", func(t *testing.T) {
		w := env.do(http.MethodPost, "/api/v1/download/tasks", gin.H{"destDir": "/tmp"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "validation", decodeBody[map[string]any](t, w)["kind"])
	})
	t.Run("malformed body", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "/api/v1/download/tasks", strings.NewReader("{"))
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("unknown kind", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/v1/burn/tasks", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
	t.Run("kind without scheduler", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/v1/encode/tasks", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleGetTask(t *testing.T) {
	env := setupTestRouter(t)
	_, err := env.download.Submit(testDownload(t, "a"))
	require.NoError(t, err)

	w := env.do(http.MethodGet, "/api/v1/download/tasks/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[map[string]any](t, w)
	assert.EqualValues(t, 1, got["id"])

	w = env.do(http.MethodGet, "/api/v1/download/tasks", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]map[string]any](t, w), 1)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/download/tasks/99", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/download/tasks/abc", nil).Code)
}

func TestHandleCancelRetryRemove(t *testing.T) {
	env := setupTestRouter(t)
	first, err := env.download.Submit(testDownload(t, "a"))
	require.NoError(t, err)
	second, err := env.download.Submit(testDownload(t, "b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := env.download.Get(first.ID)
		return got.Status == task.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	// Running tasks cannot be removed or retried.
	assert.Equal(t, http.StatusConflict, env.do(http.MethodDelete, "/api/v1/download/tasks/1", nil).Code)
	assert.Equal(t, http.StatusConflict, env.do(http.MethodPatch, "/api/v1/download/tasks/1/retry", nil).Code)

	// The waiting task is cancelled at once.
	assert.Equal(t, http.StatusOK, env.do(http.MethodPatch, "/api/v1/download/tasks/2/cancel", nil).Code)
	got, _ := env.download.Get(second.ID)
	assert.Equal(t, task.StatusCancelled, got.Status)

	assert.Equal(t, http.StatusOK, env.do(http.MethodDelete, "/api/v1/download/tasks/2", nil).Code)
	_, found := env.download.Get(second.ID)
	assert.False(t, found)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPatch, "/api/v1/download/tasks/2/cancel", nil).Code)
}

func TestHandleSetConcurrency(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(http.MethodPut, "/api/v1/download/concurrency", gin.H{"concurrency": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, env.download.Concurrency())
	assert.Equal(t, 3, env.settings.Snapshot().Concurrency.Download)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, "/api/v1/download/concurrency", gin.H{"concurrency": 0}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, "/api/v1/download/concurrency", gin.H{"concurrency": 17}).Code)
	assert.Equal(t, 3, env.download.Concurrency())
}

func TestHandleSetConcurrencyLeavesApplyToListener(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/api/v1/download/concurrency", gin.H{"concurrency": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, env.settings.Snapshot().Concurrency.Download)
	assert.Equal(t, 1, env.download.Concurrency(), "only the settings listener applies the limit")

	var calls []int
	env.settings.OnChange(func(old, cur config.Settings) {
		calls = append(calls, cur.Concurrency.Download)
		_ = env.download.SetConcurrency(cur.Concurrency.Download)
	})
	w = env.do(http.MethodPut, "/api/v1/download/concurrency", gin.H{"concurrency": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []int{2}, calls)
	assert.Equal(t, 2, env.download.Concurrency())
	assert.Equal(t, float64(2), decodeBody[map[string]any](t, w)["concurrency"])
}

func TestHandleProjects(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(http.MethodPost, "/api/v1/projects", gin.H{"name": "show", "episodes": 2, "originalTitle": "Show"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decodeBody[project.Project](t, w)
	require.Len(t, p.Episodes, 2)

	w = env.do(http.MethodPost, "/api/v1/projects/episodes", gin.H{"path": p.Path, "at": 1, "originalTitle": "Pilot", "url": "https://example.com/0"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p = decodeBody[project.Project](t, w)
	require.Len(t, p.Episodes, 3)
	assert.Equal(t, "Pilot", p.Episodes[0].Title)
	assert.Equal(t, "第1集", p.Episodes[1].Title)

	w = env.do(http.MethodPut, "/api/v1/projects/episodes/line", gin.H{"path": p.Path, "at": 3, "value": "Finale"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Finale", decodeBody[project.Project](t, w).Episodes[2].Title)

	q := url.Values{"path": {p.Path}, "at": {"1"}}
	w = env.do(http.MethodDelete, "/api/v1/projects/episodes?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decodeBody[project.Project](t, w).Episodes, 2)

	w = env.do(http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]project.Project](t, w), 1)

	t.Run("adjacent", func(t *testing.T) {
		file := filepath.Join(p.Path, "2", project.SourceVideoFile)
		require.NoError(t, os.WriteFile(file, nil, 0o644))
		q := url.Values{"path": {filepath.Join(p.Path, "1", project.SourceVideoFile)}, "direction": {"next"}}
		w := env.do(http.MethodGet, "/api/v1/projects/adjacent?"+q.Encode(), nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, file, decodeBody[map[string]string](t, w)["path"])

		q.Set("direction", "prev")
		assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/projects/adjacent?"+q.Encode(), nil).Code)
	})

	t.Run("errors", func(t *testing.T) {
		w := env.do(http.MethodPost, "/api/v1/projects", gin.H{"name": "show", "episodes": 1, "originalTitle": "Show"})
		assert.Equal(t, http.StatusBadRequest, w.Code, "existing name")

		q := url.Values{"path": {filepath.Join(env.root, "missing")}}
		assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/projects/detail?"+q.Encode(), nil).Code)

		require.NoError(t, os.Mkdir(filepath.Join(p.Path, "7"), 0o755))
		q = url.Values{"path": {p.Path}}
		assert.Equal(t, http.StatusUnprocessableEntity, env.do(http.MethodGet, "/api/v1/projects/detail?"+q.Encode(), nil).Code)
	})
}

func TestHandleHistory(t *testing.T) {
	env := setupTestRouter(t)
	require.NoError(t, env.history.Add(context.Background(), task.FinishedEvent{Kind: task.KindDownload, TaskID: 4, Success: true, Status: task.StatusDone}))

	w := env.do(http.MethodGet, "/api/v1/history?kind=download&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	records := decodeBody[[]history.Record](t, w)
	require.Len(t, records, 1)
	assert.Equal(t, int64(4), records[0].TaskID)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/history?kind=burn", nil).Code)
}

func TestHandleEvents(t *testing.T) {
	env := setupTestRouter(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?topics=task.added", nil)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = env.download.Submit(testDownload(t, "sse"))
	require.NoError(t, err)

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event:task.added", lines[0])
	assert.Contains(t, lines[1], `"topic":"task.added"`)
	assert.Contains(t, lines[1], "https://example.com/sse")
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestRouter(t)
	enable := func(on bool) {
		require.NoError(t, env.settings.Update(func(s *config.Settings) {
			s.API.AuthEnable = on
			s.API.AuthKey = "secret"
		}))
	}
	get := func(header string) int {
		req, _ := http.NewRequest(http.MethodGet, "/api/v1/download/tasks", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("Auth disabled", func(t *testing.T) {
		enable(false)
		assert.Equal(t, http.StatusOK, get(""))
	})

	t.Run("Auth enabled, no token", func(t *testing.T) {
		enable(true)
		assert.Equal(t, http.StatusUnauthorized, get(""))
	})

	t.Run("Auth enabled, wrong token", func(t *testing.T) {
		enable(true)
		assert.Equal(t, http.StatusUnauthorized, get("Bearer wrong-key"))
		assert.Equal(t, http.StatusUnauthorized, get("Basic secret"))
	})

	t.Run("Auth enabled, correct token", func(t *testing.T) {
		enable(true)
		assert.Equal(t, http.StatusOK, get("Bearer secret"))
	})

	t.Run("Health is open", func(t *testing.T) {
		enable(true)
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/health", nil)
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func testDownload(t *testing.T, id string) task.Args {
	return pipeline.DownloadArgs{URL: "https://example.com/" + id, DestDir: t.TempDir()}
}
