package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwire/taskwire/internal/coord"
	"github.com/taskwire/taskwire/internal/envelope"
	"github.com/taskwire/taskwire/internal/metrics"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/task"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
}

func (p *capturePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.bodies = append(p.bodies, data)
	return nil
}

func newTestServer(t *testing.T) (*Server, store.Store, *coord.Coordinator, *capturePublisher) {
	t.Helper()
	st := store.NewMemory()
	co := coord.New(st, nil)
	pub := &capturePublisher{}
	srv := New("0", st, co, pub, "tasks.submit", metrics.New(nil), nil)
	return srv, st, co, pub
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleHealth()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "OK", resp.Message)
}

func TestListTasksIncludesWaitingEdges(t *testing.T) {
	srv, _, co, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, co.Submit(ctx, &task.Task{URL: "task://a", CreatedAt: time.Now().UTC()}, nil))
	require.NoError(t, co.Submit(ctx, &task.Task{URL: "task://b", CreatedAt: time.Now().UTC()}, []string{"task://a"}))

	rec := httptest.NewRecorder()
	srv.handleTasks()(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []struct {
			URL    string   `json:"url"`
			Status string   `json:"status"`
			Awaits []string `json:"awaits"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)

	byURL := map[string][]string{}
	for _, d := range resp.Data {
		byURL[d.URL] = d.Awaits
	}
	assert.Empty(t, byURL["task://a"])
	assert.Equal(t, []string{"task://a"}, byURL["task://b"])
}

func TestSubmitTaskPublishesToBroker(t *testing.T) {
	srv, st, _, pub := newTestServer(t)

	body := `{"url":"task://build/1","payload":{"cmd":"make"},"awaits":["task://build/0"]}`
	rec := httptest.NewRecorder()
	srv.handleTasks()(rec, httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body)))

	assert.Equal(t, http.StatusAccepted, rec.Code)

	pub.mu.Lock()
	require.Len(t, pub.bodies, 1)
	assert.Equal(t, []string{"tasks.submit"}, pub.subjects)
	sub, err := envelope.DecodeSubmission(pub.bodies[0])
	pub.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "task://build/1", sub.URL)
	assert.Equal(t, []string{"task://build/0"}, sub.Awaits)
	assert.False(t, sub.Time.IsZero())

	// The server never writes to the store directly.
	all, err := st.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmitTaskRejectsSelfAwait(t *testing.T) {
	srv, _, _, pub := newTestServer(t)

	body := `{"url":"task://a","awaits":["task://a"]}`
	rec := httptest.NewRecorder()
	srv.handleTasks()(rec, httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	pub.mu.Lock()
	assert.Empty(t, pub.bodies)
	pub.mu.Unlock()
}

func TestSubmitTaskRejectsBadBody(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleTasks()(rec, httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskByURL(t *testing.T) {
	srv, _, co, _ := newTestServer(t)
	require.NoError(t, co.Submit(context.Background(),
		&task.Task{URL: "task://build/42", CreatedAt: time.Now().UTC()}, nil))

	path := "/tasks/" + url.PathEscape("task://build/42")
	rec := httptest.NewRecorder()
	srv.handleTaskByURL()(rec, httptest.NewRequest(http.MethodGet, path, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			URL    string `json:"url"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "task://build/42", resp.Data.URL)
	assert.Equal(t, string(task.StatusReady), resp.Data.Status)
}

func TestGetTaskByURLNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleTaskByURL()(rec, httptest.NewRequest(http.MethodGet, "/tasks/"+url.PathEscape("task://nope"), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleTasks()(rec, httptest.NewRequest(http.MethodDelete, "/tasks", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHubBroadcastDropsWhenFull(t *testing.T) {
	h := NewHub(nil)
	// No Run loop draining: filling past capacity must not block.
	for i := 0; i < 200; i++ {
		h.Broadcast(task.Task{URL: "task://a", Status: task.StatusRunning})
	}
	assert.Equal(t, 0, h.ClientCount())
}
