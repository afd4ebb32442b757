package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/xaionaro-go/datacounter"

	"github.com/audioghost-ai/audioghost/pkg/auth"
	"github.com/audioghost-ai/audioghost/pkg/separation"
	"github.com/audioghost-ai/audioghost/pkg/task"
	"github.com/audioghost-ai/audioghost/pkg/transport"
	"github.com/audioghost-ai/audioghost/pkg/waveform"
	"github.com/audioghost-ai/audioghost/pkg/worker"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":   "AudioGhost AI",
		"status": "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// separationParams are the common form fields of the separate endpoints.
type separationParams struct {
	mode      separation.Mode
	modelSize separation.ModelSize
	anchors   []separation.Anchor
}

func parseSeparationParams(r *http.Request) (*separationParams, error) {
	p := &separationParams{
		mode:      separation.ModeExtract,
		modelSize: separation.ModelBase,
	}
	if v := r.FormValue("mode"); v != "" {
		p.mode = separation.Mode(v)
	}
	if !p.mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q", p.mode)
	}
	if v := r.FormValue("model_size"); v != "" {
		p.modelSize = separation.ModelSize(v)
	}
	if !p.modelSize.Valid() {
		return nil, fmt.Errorf("unknown model size %q", p.modelSize)
	}

	startRaw, endRaw := r.FormValue("start_time"), r.FormValue("end_time")
	if startRaw == "" && endRaw == "" {
		return p, nil
	}
	if startRaw == "" || endRaw == "" {
		return nil, fmt.Errorf("start_time and end_time must be given together")
	}
	start, err := strconv.ParseFloat(startRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed start_time %q", startRaw)
	}
	end, err := strconv.ParseFloat(endRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed end_time %q", endRaw)
	}
	if start < 0 || end <= start {
		return nil, fmt.Errorf("the anchor window %g..%g is empty", start, end)
	}
	p.anchors = []separation.Anchor{{Start: start, End: end}}
	return p, nil
}

func (s *Server) handleSeparate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpError(w, http.StatusRequestEntityTooLarge, "upload too large or malformed")
		return
	}

	description := strings.TrimSpace(r.FormValue("description"))
	if description == "" {
		httpError(w, http.StatusBadRequest, "a description of the target sound is required")
		return
	}
	params, err := parseSeparationParams(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "an audio or video file is required")
		return
	}
	defer file.Close()
	if !allowedUpload(header.Filename) {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type %q", filepath.Ext(header.Filename)))
		return
	}

	t := task.New(description, params.mode, params.modelSize)
	t.Anchors = params.anchors
	if err := s.acceptUpload(r, t, file, header); err != nil {
		httpError(w, http.StatusInternalServerError, "unable to store the upload")
		return
	}

	if err := s.tasks.Enqueue(r.Context(), t); err != nil {
		logger.Errorf(r.Context(), "unable to enqueue task %q: %v", t.ID, err)
		httpError(w, http.StatusServiceUnavailable, "unable to queue the task")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleSeparateBatch queues one task per description against a single
// upload. Task IDs share a batch prefix.
func (s *Server) handleSeparateBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpError(w, http.StatusRequestEntityTooLarge, "upload too large or malformed")
		return
	}

	var descriptions []string
	for _, d := range r.MultipartForm.Value["descriptions"] {
		if d = strings.TrimSpace(d); d != "" {
			descriptions = append(descriptions, d)
		}
	}
	if len(descriptions) == 0 {
		httpError(w, http.StatusBadRequest, "at least one description is required")
		return
	}
	params, err := parseSeparationParams(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "an audio or video file is required")
		return
	}
	defer file.Close()
	if !allowedUpload(header.Filename) {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type %q", filepath.Ext(header.Filename)))
		return
	}

	batchID := uuid.NewString()
	first := task.New(descriptions[0], params.mode, params.modelSize)
	first.ID = batchID + "-0"
	first.Anchors = params.anchors
	if err := s.acceptUpload(r, first, file, header); err != nil {
		httpError(w, http.StatusInternalServerError, "unable to store the upload")
		return
	}

	tasks := []*task.Task{first}
	for i, description := range descriptions[1:] {
		t := task.New(description, params.mode, params.modelSize)
		t.ID = fmt.Sprintf("%s-%d", batchID, i+1)
		t.Anchors = params.anchors
		t.InputPath = first.InputPath
		tasks = append(tasks, t)
	}

	taskIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := s.tasks.Enqueue(r.Context(), t); err != nil {
			logger.Errorf(r.Context(), "unable to enqueue task %q: %v", t.ID, err)
			httpError(w, http.StatusServiceUnavailable, "unable to queue the batch")
			return
		}
		taskIDs = append(taskIDs, t.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"task_ids": taskIDs,
	})
}

// acceptUpload streams the upload into the upload directory and records
// the path on the task.
func (s *Server) acceptUpload(r *http.Request, t *task.Task, file multipart.File, header *multipart.FileHeader) error {
	path := filepath.Join(s.cfg.UploadDir, t.ID+strings.ToLower(filepath.Ext(header.Filename)))
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create %q: %w", path, err)
	}
	counter := datacounter.NewWriterCounter(dst)
	if _, err := io.Copy(counter, file); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("unable to write %q: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("unable to flush %q: %w", path, err)
	}
	logger.Debugf(r.Context(), "accepted %q (%d bytes) for task %q", header.Filename, counter.Count(), t.ID)
	t.InputPath = path
	return nil
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	trackID := transport.TrackID(chi.URLParam(r, "trackID"))
	if t.State != task.StateCompleted || t.Result == nil {
		httpError(w, http.StatusConflict, "the task has not completed yet")
		return
	}
	path, found := t.Result.TrackPath(trackID)
	if !found {
		httpError(w, http.StatusNotFound, fmt.Sprintf("no %q track in this result", trackID))
		return
	}
	filename := fmt.Sprintf("%s_%s%s", t.ID, trackID, filepath.Ext(path))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeFile(w, r, path)
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request) {
	t, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	trackID := transport.TrackID(chi.URLParam(r, "trackID"))
	if t.State != task.StateCompleted || t.Result == nil {
		httpError(w, http.StatusConflict, "the task has not completed yet")
		return
	}
	path, found := t.Result.TrackPath(trackID)
	if !found || worker.IsVideo(path) {
		httpError(w, http.StatusNotFound, fmt.Sprintf("no waveform for the %q track", trackID))
		return
	}
	raw, err := os.ReadFile(waveform.PathFor(path))
	if err != nil {
		logger.Errorf(r.Context(), "missing peaks for task %q track %q: %v", t.ID, trackID, err)
		httpError(w, http.StatusNotFound, "the waveform data is gone")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.tasks.Cancel(r.Context(), taskID); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			httpError(w, http.StatusNotFound, "no such task")
			return
		}
		logger.Errorf(r.Context(), "unable to cancel task %q: %v", taskID, err)
		httpError(w, http.StatusInternalServerError, "unable to cancel the task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": taskID,
		"status":  "cancel_requested",
	})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auth.Status(r.Context()))
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	status, err := s.auth.Login(r.Context(), body.Token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			httpError(w, http.StatusUnauthorized, "the token was rejected")
			return
		}
		logger.Errorf(r.Context(), "unable to validate a token: %v", err)
		httpError(w, http.StatusBadGateway, "unable to reach the Hub")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// loadTask resolves the {taskID} URL parameter, answering 404 itself.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*task.Task, bool) {
	taskID := chi.URLParam(r, "taskID")
	t, err := s.tasks.Get(r.Context(), taskID)
	if errors.Is(err, task.ErrNotFound) {
		httpError(w, http.StatusNotFound, "no such task")
		return nil, false
	}
	if err != nil {
		logger.Errorf(r.Context(), "unable to load task %q: %v", taskID, err)
		httpError(w, http.StatusInternalServerError, "unable to load the task")
		return nil, false
	}
	return t, true
}

func allowedUpload(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wav", ".ogg", ".mp4", ".mov", ".webm":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
