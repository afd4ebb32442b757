// Package task defines separation tasks and their Redis-backed queue and
// status store. Redis plays the role of both broker and result backend:
// one list for the work queue, one JSON document per task for status, one
// pub/sub channel per task for live updates.
package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/audioghost-ai/audioghost/pkg/separation"
	"github.com/audioghost-ai/audioghost/pkg/transport"
)

type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether a task in this state will never change again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Result describes the stems of a completed task. Paths are local to the
// output directory; VideoPath is set only when the upload was a video
// container (the upload itself doubles as the video track).
type Result struct {
	OriginalPath    string  `json:"original_path"`
	GhostPath       string  `json:"ghost_path"`
	CleanPath       string  `json:"clean_path"`
	VideoPath       string  `json:"video_path,omitempty"`
	DurationSeconds float64 `json:"audio_duration"`
	ProcessingTime  float64 `json:"processing_time"`
}

// TrackPath maps a track designator to the result file backing it.
func (r *Result) TrackPath(id transport.TrackID) (string, bool) {
	switch id {
	case transport.TrackOriginal:
		return r.OriginalPath, r.OriginalPath != ""
	case transport.TrackGhost:
		return r.GhostPath, r.GhostPath != ""
	case transport.TrackClean:
		return r.CleanPath, r.CleanPath != ""
	case transport.TrackVideo:
		return r.VideoPath, r.VideoPath != ""
	}
	return "", false
}

// Task is one separation job as the API and the worker see it.
type Task struct {
	ID          string               `json:"task_id"`
	State       State                `json:"status"`
	Progress    int                  `json:"progress"`
	Message     string               `json:"message,omitempty"`
	Description string               `json:"description"`
	Mode        separation.Mode      `json:"mode"`
	ModelSize   separation.ModelSize `json:"model_size"`
	Anchors     []separation.Anchor  `json:"anchors,omitempty"`
	InputPath   string               `json:"input_path"`
	Result      *Result              `json:"result,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// New builds a pending task with a fresh ID.
func New(description string, mode separation.Mode, modelSize separation.ModelSize) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		State:       StatePending,
		Message:     "Task is waiting to be processed",
		Description: description,
		Mode:        mode,
		ModelSize:   modelSize,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
