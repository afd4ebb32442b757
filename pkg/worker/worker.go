// Package worker runs separation tasks pulled from the shared queue. A
// worker is a thin coordinator: the heavy lifting happens in the model
// sidecar, the worker's job is progress reporting, moving stems into the
// output directory and precomputing waveform peaks for the UI.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"

	"github.com/audioghost-ai/audioghost/pkg/mediafile"
	"github.com/audioghost-ai/audioghost/pkg/separation"
	"github.com/audioghost-ai/audioghost/pkg/task"
	"github.com/audioghost-ai/audioghost/pkg/waveform"
)

// Queue is the slice of the task store a worker needs.
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*task.Task, error)
	Save(ctx context.Context, t *task.Task) error
	SetProgress(ctx context.Context, t *task.Task, progress int, message string) error
	Cancelled(ctx context.Context, id string) bool
}

// Separator turns an input file into stems.
type Separator interface {
	Separate(ctx context.Context, req separation.Request, onProgress func(separation.Progress)) (*separation.Result, error)
}

var (
	_ Queue     = (*task.Store)(nil)
	_ Separator = (*separation.Client)(nil)
)

const dequeueTimeout = 5 * time.Second

type Worker struct {
	queue     Queue
	separator Separator
	outputDir string
}

func New(queue Queue, separator Separator, outputDir string) *Worker {
	return &Worker{
		queue:     queue,
		separator: separator,
		outputDir: outputDir,
	}
}

// Run consumes the queue until ctx is cancelled. A task that fails does
// not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.outputDir, 0o755); err != nil {
		return fmt.Errorf("unable to create the output directory: %w", err)
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Errorf(ctx, "unable to dequeue: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if t == nil {
			continue
		}
		w.process(ctx, t)
	}
}

func (w *Worker) process(ctx context.Context, t *task.Task) {
	logger.Debugf(ctx, "processing task %q: %q (%s)", t.ID, t.Description, t.Mode)

	if w.checkCancelled(ctx, t) {
		return
	}

	t.State = task.StateProcessing
	if err := w.queue.SetProgress(ctx, t, 5, "Initializing"); err != nil {
		logger.Errorf(ctx, "unable to mark task %q as processing: %v", t.ID, err)
		return
	}
	_ = w.queue.SetProgress(ctx, t, 10, "Loading model")

	result, err := w.separator.Separate(ctx, separation.Request{
		AudioPath:   t.InputPath,
		Description: t.Description,
		Mode:        t.Mode,
		Anchors:     t.Anchors,
		ModelSize:   t.ModelSize,
	}, func(p separation.Progress) {
		message := p.Message
		if message == "" {
			message = "Separating audio"
		}
		_ = w.queue.SetProgress(ctx, t, mapSidecarProgress(p.Percent), message)
	})
	if err != nil {
		w.fail(ctx, t, err)
		return
	}

	if w.checkCancelled(ctx, t) {
		return
	}
	_ = w.queue.SetProgress(ctx, t, 80, "Saving results")

	taskResult, err := w.saveStems(ctx, t, result)
	if err != nil {
		w.fail(ctx, t, err)
		return
	}

	t.State = task.StateCompleted
	t.Progress = 100
	t.Message = "Separation complete"
	t.Result = taskResult
	if err := w.queue.Save(ctx, t); err != nil {
		logger.Errorf(ctx, "unable to save the result of task %q: %v", t.ID, err)
		return
	}
	logger.Debugf(ctx, "task %q completed in %.1fs", t.ID, result.ProcessingTime.Seconds())
}

// saveStems copies the stems into the output directory, precomputes their
// waveform peaks and assembles the task result. Partially written files
// are removed again if anything goes wrong.
func (w *Worker) saveStems(ctx context.Context, t *task.Task, result *separation.Result) (_ *task.Result, err error) {
	var written []string
	defer func() {
		if err == nil {
			return
		}
		var cleanupErr error
		for _, path := range written {
			if rmErr := os.Remove(path); rmErr != nil {
				cleanupErr = multierror.Append(cleanupErr, rmErr)
			}
		}
		if cleanupErr != nil {
			logger.Debugf(ctx, "unable to clean up after task %q: %v", t.ID, cleanupErr)
		}
	}()

	stems := map[string]string{
		"original": result.OriginalPath,
		"ghost":    result.TargetPath,
		"clean":    result.ResidualPath,
	}
	paths := map[string]string{}
	for name, src := range stems {
		dst := filepath.Join(w.outputDir, fmt.Sprintf("%s.%s.wav", t.ID, name))
		if err := copyFile(dst, src); err != nil {
			return nil, fmt.Errorf("unable to store the %s stem: %w", name, err)
		}
		written = append(written, dst)

		peaks, err := extractPeaks(dst)
		if err != nil {
			return nil, fmt.Errorf("unable to compute peaks for the %s stem: %w", name, err)
		}
		peaksDst := waveform.PathFor(dst)
		if err := writeJSON(peaksDst, peaks); err != nil {
			return nil, fmt.Errorf("unable to store peaks for the %s stem: %w", name, err)
		}
		written = append(written, peaksDst)
		paths[name] = dst
	}

	taskResult := &task.Result{
		OriginalPath:    paths["original"],
		GhostPath:       paths["ghost"],
		CleanPath:       paths["clean"],
		DurationSeconds: result.DurationSeconds,
		ProcessingTime:  result.ProcessingTime.Seconds(),
	}
	if IsVideo(t.InputPath) {
		// the upload itself doubles as the video track
		taskResult.VideoPath = t.InputPath
	}
	return taskResult, nil
}

func (w *Worker) fail(ctx context.Context, t *task.Task, cause error) {
	logger.Errorf(ctx, "task %q failed: %v", t.ID, cause)
	t.State = task.StateFailed
	t.Message = cause.Error()
	if err := w.queue.Save(ctx, t); err != nil {
		logger.Errorf(ctx, "unable to mark task %q as failed: %v", t.ID, err)
	}
}

func (w *Worker) checkCancelled(ctx context.Context, t *task.Task) bool {
	if !w.queue.Cancelled(ctx, t.ID) {
		return false
	}
	t.State = task.StateCancelled
	t.Message = "Task cancelled"
	if err := w.queue.Save(ctx, t); err != nil {
		logger.Errorf(ctx, "unable to mark task %q as cancelled: %v", t.ID, err)
	}
	return true
}

// mapSidecarProgress squeezes the sidecar's 0..100 into the 30..80 window
// between "audio loaded" and "saving results".
func mapSidecarProgress(percent int) int {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return 30 + percent/2
}

// IsVideo reports whether the path looks like a video container.
func IsVideo(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mov", ".webm":
		return true
	}
	return false
}

func extractPeaks(path string) (*waveform.Peaks, error) {
	pcm, err := mediafile.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return waveform.Extract(pcm, waveform.DefaultBuckets)
}

func writeJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
