package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audioghost-ai/audioghost/pkg/auth"
	"github.com/audioghost-ai/audioghost/pkg/separation"
	"github.com/audioghost-ai/audioghost/pkg/task"
)

type stubStore struct {
	locker     sync.Mutex
	tasks      map[string]*task.Task
	enqueued   []string
	enqueueErr error
	subs       map[string]chan *task.Task
}

func newStubStore() *stubStore {
	return &stubStore{
		tasks: map[string]*task.Task{},
		subs:  map[string]chan *task.Task{},
	}
}

func (s *stubStore) Enqueue(_ context.Context, t *task.Task) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	snapshot := *t
	s.tasks[t.ID] = &snapshot
	s.enqueued = append(s.enqueued, t.ID)
	return nil
}

func (s *stubStore) Get(_ context.Context, id string) (*task.Task, error) {
	s.locker.Lock()
	defer s.locker.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	snapshot := *t
	return &snapshot, nil
}

func (s *stubStore) Cancel(_ context.Context, id string) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.State == task.StatePending {
		t.State = task.StateCancelled
	}
	return nil
}

func (s *stubStore) Subscribe(_ context.Context, id string) (<-chan *task.Task, error) {
	s.locker.Lock()
	defer s.locker.Unlock()
	ch := make(chan *task.Task, 8)
	s.subs[id] = ch
	return ch, nil
}

func (s *stubStore) seed(t *task.Task) {
	s.locker.Lock()
	defer s.locker.Unlock()
	s.tasks[t.ID] = t
}

type stubAuth struct {
	status   auth.Status
	loginErr error
}

func (a *stubAuth) Status(context.Context) auth.Status { return a.status }

func (a *stubAuth) Login(_ context.Context, token string) (auth.Status, error) {
	if a.loginErr != nil {
		return auth.Status{}, a.loginErr
	}
	return auth.Status{Authenticated: true, Username: "ghostbuster"}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubStore, *stubAuth, string) {
	t.Helper()
	store := newStubStore()
	authenticator := &stubAuth{}
	uploadDir := t.TempDir()
	s, err := New(Config{
		Port:           0,
		UploadDir:      uploadDir,
		MaxUploadBytes: 10 << 20,
	}, store, authenticator)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, store, authenticator, uploadDir
}

// multipartBody builds a separate-request body with a fake upload.
func multipartBody(t *testing.T, filename string, fields map[string][]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte("RIFF fake audio payload"))
		require.NoError(t, err)
	}
	for key, values := range fields {
		for _, v := range values {
			require.NoError(t, mw.WriteField(key, v))
		}
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postMultipart(t *testing.T, url, filename string, fields map[string][]string) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, filename, fields)
	resp, err := http.Post(url, contentType, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSeparate(t *testing.T) {
	t.Run("QueuesTheTask", func(t *testing.T) {
		srv, store, _, uploadDir := newTestServer(t)
		resp := postMultipart(t, srv.URL+"/api/separate", "clip.wav", map[string][]string{
			"description": {"a dog barking"},
			"mode":        {"remove"},
			"model_size":  {"small"},
			"start_time":  {"1.5"},
			"end_time":    {"4"},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		created := decodeBody[task.Task](t, resp)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, task.StatePending, created.State)
		assert.Equal(t, separation.ModeRemove, created.Mode)
		assert.Equal(t, separation.ModelSmall, created.ModelSize)
		require.Len(t, created.Anchors, 1)
		assert.Equal(t, 1.5, created.Anchors[0].Start)

		require.Equal(t, []string{created.ID}, store.enqueued)
		raw, err := os.ReadFile(filepath.Join(uploadDir, created.ID+".wav"))
		require.NoError(t, err)
		assert.Equal(t, "RIFF fake audio payload", string(raw))
	})

	t.Run("RequiresDescription", func(t *testing.T) {
		srv, store, _, _ := newTestServer(t)
		resp := postMultipart(t, srv.URL+"/api/separate", "clip.wav", map[string][]string{
			"description": {"   "},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, store.enqueued)
	})

	t.Run("RejectsUnknownMode", func(t *testing.T) {
		srv, _, _, _ := newTestServer(t)
		resp := postMultipart(t, srv.URL+"/api/separate", "clip.wav", map[string][]string{
			"description": {"a dog barking"},
			"mode":        {"summon"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("RejectsUnsupportedFileType", func(t *testing.T) {
		srv, _, _, _ := newTestServer(t)
		resp := postMultipart(t, srv.URL+"/api/separate", "clip.exe", map[string][]string{
			"description": {"a dog barking"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("RejectsHalfOpenAnchor", func(t *testing.T) {
		srv, _, _, _ := newTestServer(t)
		resp := postMultipart(t, srv.URL+"/api/separate", "clip.wav", map[string][]string{
			"description": {"a dog barking"},
			"start_time":  {"1.5"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestSeparateBatch(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	resp := postMultipart(t, srv.URL+"/api/separate/batch", "clip.ogg", map[string][]string{
		"descriptions": {"a dog barking", "rain on a window", "a car engine"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[struct {
		BatchID string   `json:"batch_id"`
		TaskIDs []string `json:"task_ids"`
	}](t, resp)
	require.Len(t, body.TaskIDs, 3)
	for i, id := range body.TaskIDs {
		assert.Equal(t, fmt.Sprintf("%s-%d", body.BatchID, i), id)
	}
	assert.Equal(t, body.TaskIDs, store.enqueued)

	// all tasks of a batch share the upload
	first, err := store.Get(context.Background(), body.TaskIDs[0])
	require.NoError(t, err)
	last, err := store.Get(context.Background(), body.TaskIDs[2])
	require.NoError(t, err)
	assert.Equal(t, first.InputPath, last.InputPath)
	assert.Equal(t, "a car engine", last.Description)
}

func TestTaskStatus(t *testing.T) {
	srv, store, _, _ := newTestServer(t)

	seeded := task.New("a dog barking", separation.ModeExtract, separation.ModelBase)
	store.seed(seeded)

	resp, err := http.Get(srv.URL + "/api/tasks/" + seeded.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[task.Task](t, resp)
	assert.Equal(t, seeded.ID, got.ID)

	resp, err = http.Get(srv.URL + "/api/tasks/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func seedCompleted(t *testing.T, store *stubStore, dir string) *task.Task {
	t.Helper()
	stem := filepath.Join(dir, "stem.wav")
	require.NoError(t, os.WriteFile(stem, []byte("fake wav bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stem.peaks.json"), []byte(`{"buckets":800}`), 0o644))

	seeded := task.New("a dog barking", separation.ModeExtract, separation.ModelBase)
	seeded.State = task.StateCompleted
	seeded.Progress = 100
	seeded.Result = &task.Result{
		OriginalPath: stem,
		GhostPath:    stem,
		CleanPath:    stem,
	}
	store.seed(seeded)
	return seeded
}

func TestDownload(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	seeded := seedCompleted(t, store, t.TempDir())

	t.Run("ServesTheStem", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/tasks/" + seeded.ID + "/download/ghost")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Disposition"), seeded.ID+"_ghost.wav")
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "fake wav bytes", string(raw))
	})

	t.Run("NoVideoTrack", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/tasks/" + seeded.ID + "/download/video")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("NotReadyYet", func(t *testing.T) {
		pending := task.New("a dog barking", separation.ModeExtract, separation.ModelBase)
		store.seed(pending)
		resp, err := http.Get(srv.URL + "/api/tasks/" + pending.ID + "/download/ghost")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestWaveform(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	seeded := seedCompleted(t, store, t.TempDir())

	resp, err := http.Get(srv.URL + "/api/tasks/" + seeded.ID + "/waveform/clean")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"buckets":800}`, string(raw))
}

func TestCancel(t *testing.T) {
	srv, store, _, _ := newTestServer(t)
	seeded := task.New("a dog barking", separation.ModeExtract, separation.ModelBase)
	store.seed(seeded)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/tasks/"+seeded.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := store.Get(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, got.State)

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/api/tasks/nope", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthEndpoints(t *testing.T) {
	t.Run("Status", func(t *testing.T) {
		srv, _, authenticator, _ := newTestServer(t)
		authenticator.status = auth.Status{Authenticated: true, Username: "ghostbuster"}
		resp, err := http.Get(srv.URL + "/api/auth/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got := decodeBody[auth.Status](t, resp)
		assert.Equal(t, "ghostbuster", got.Username)
	})

	t.Run("Login", func(t *testing.T) {
		srv, _, _, _ := newTestServer(t)
		resp, err := http.Post(srv.URL+"/api/auth/login", "application/json",
			strings.NewReader(`{"token": "hf_good"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got := decodeBody[auth.Status](t, resp)
		assert.True(t, got.Authenticated)
	})

	t.Run("RejectedLogin", func(t *testing.T) {
		srv, _, authenticator, _ := newTestServer(t)
		authenticator.loginErr = auth.ErrInvalidToken
		resp, err := http.Post(srv.URL+"/api/auth/login", "application/json",
			strings.NewReader(`{"token": "hf_bad"}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestEvents(t *testing.T) {
	srv, store, _, _ := newTestServer(t)

	seeded := task.New("a dog barking", separation.ModeExtract, separation.ModelBase)
	seeded.State = task.StateProcessing
	seeded.Progress = 30
	store.seed(seeded)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/tasks/" + seeded.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first task.Task
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, task.StateProcessing, first.State)
	assert.Equal(t, 30, first.Progress)

	// the worker finishes the task
	done := *seeded
	done.State = task.StateCompleted
	done.Progress = 100
	store.locker.Lock()
	store.subs[seeded.ID] <- &done
	store.locker.Unlock()

	var second task.Task
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, task.StateCompleted, second.State)

	// a terminal snapshot ends the feed
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/separate", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
