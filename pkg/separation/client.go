// Package separation talks to the SAM-Audio inference sidecar. The model
// itself (chunking, VRAM management, the actual neural separation) lives
// behind the sidecar's HTTP surface; this client only submits jobs and
// collects files.
package separation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// Mode selects what the ghost stem contains.
type Mode string

const (
	// ModeExtract isolates the described sound into the ghost stem.
	ModeExtract Mode = "extract"
	// ModeRemove produces a ghost stem with the described sound removed.
	ModeRemove Mode = "remove"
)

func (m Mode) Valid() bool {
	return m == ModeExtract || m == ModeRemove
}

// ModelSize selects the SAM-Audio checkpoint.
type ModelSize string

const (
	ModelSmall ModelSize = "small"
	ModelBase  ModelSize = "base"
	ModelLarge ModelSize = "large"
)

func (s ModelSize) Valid() bool {
	return s == ModelSmall || s == ModelBase || s == ModelLarge
}

// Anchor is a temporal prompt: the described sound occurs between Start and
// End (seconds).
type Anchor struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Request is one separation job.
type Request struct {
	AudioPath   string    `json:"audio_path"`
	Description string    `json:"description"`
	Mode        Mode      `json:"mode"`
	Anchors     []Anchor  `json:"anchors,omitempty"`
	ModelSize   ModelSize `json:"model_size"`
}

// Result points at the three stems the sidecar produced. Paths are local
// (resolved against the shared volume, or downloaded as a fallback).
type Result struct {
	OriginalPath    string
	TargetPath      string
	ResidualPath    string
	DurationSeconds float64
	ProcessingTime  time.Duration
}

// Progress is delivered while a job runs.
type Progress struct {
	Percent int
	Message string
}

// Client communicates with the SAM-Audio sidecar REST API.
type Client struct {
	apiURL       string
	shareDir     string // shared volume mount point
	pollInterval time.Duration
	http         *http.Client
}

func NewClient(apiURL, shareDir string, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Client{
		apiURL:       apiURL,
		shareDir:     shareDir,
		pollInterval: pollInterval,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

// WaitForHealthy blocks until the sidecar responds to health checks.
func (c *Client) WaitForHealthy(ctx context.Context) error {
	logger.Infof(ctx, "waiting for the SAM-Audio sidecar at %s", c.apiURL)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/health", nil)
		if err != nil {
			return fmt.Errorf("unable to build a health request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			logger.Infof(ctx, "the SAM-Audio sidecar is healthy")
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}

		logger.Debugf(ctx, "sidecar not ready yet, retrying in 5s")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

type jobResponse struct {
	Status   string  `json:"status"` // running, done, failed
	Progress int     `json:"progress"`
	Message  string  `json:"message"`
	Error    string  `json:"error"`
	Result   *struct {
		Original        string  `json:"original"`
		Target          string  `json:"target"`
		Residual        string  `json:"residual"`
		DurationSeconds float64 `json:"duration_seconds"`
	} `json:"result"`
}

// Separate submits the job and blocks until it finishes, reporting sidecar
// progress through onProgress (which may be nil).
func (c *Client) Separate(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", req.Mode)
	}
	if !req.ModelSize.Valid() {
		return nil, fmt.Errorf("invalid model size %q", req.ModelSize)
	}

	jobID, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	logger.Debugf(ctx, "submitted separation job %q", jobID)

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		job, err := c.poll(ctx, jobID)
		if err != nil {
			logger.Debugf(ctx, "poll error for job %q (retrying): %v", jobID, err)
			continue
		}

		switch job.Status {
		case "done":
			if job.Result == nil {
				return nil, fmt.Errorf("job %q finished without a result", jobID)
			}
			result := &Result{
				DurationSeconds: job.Result.DurationSeconds,
				ProcessingTime:  time.Since(started),
			}
			if result.OriginalPath, err = c.resolveFile(ctx, job.Result.Original); err != nil {
				return nil, err
			}
			if result.TargetPath, err = c.resolveFile(ctx, job.Result.Target); err != nil {
				return nil, err
			}
			if result.ResidualPath, err = c.resolveFile(ctx, job.Result.Residual); err != nil {
				return nil, err
			}
			return result, nil
		case "failed":
			msg := job.Error
			if msg == "" {
				msg = job.Message
			}
			return nil, fmt.Errorf("separation job %q failed: %s", jobID, msg)
		default:
			if onProgress != nil {
				onProgress(Progress{Percent: job.Progress, Message: job.Message})
			}
		}
	}
}

func (c *Client) submit(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("unable to marshal the request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/separate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("unable to build the submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("unable to submit the job: %w", err)
	}
	defer resp.Body.Close()

	var result submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("unable to decode the submit response: %w", err)
	}
	if resp.StatusCode >= 300 || result.JobID == "" {
		return "", fmt.Errorf("sidecar rejected the job (HTTP %d): %s", resp.StatusCode, result.Error)
	}
	return result.JobID, nil
}

func (c *Client) poll(ctx context.Context, jobID string) (*jobResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("unable to build the poll request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected poll status %d", resp.StatusCode)
	}

	var job jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("unable to decode the job status: %w", err)
	}
	return &job, nil
}

// resolveFile maps a sidecar file reference to a local path. The shared
// volume is tried first; when the file is not visible there (the sidecar
// runs on another host) it is downloaded over HTTP.
func (c *Client) resolveFile(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("the sidecar returned an empty file reference")
	}

	if c.shareDir != "" {
		localPath := filepath.Join(c.shareDir, filepath.FromSlash(ref))
		if _, err := os.Stat(localPath); err == nil {
			return localPath, nil
		}
	}
	return c.downloadFile(ctx, ref)
}

func (c *Client) downloadFile(ctx context.Context, ref string) (string, error) {
	dlURL := c.apiURL + "/files?path=" + url.QueryEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dlURL, nil)
	if err != nil {
		return "", fmt.Errorf("unable to build the download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("unable to download %q: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unable to download %q: HTTP %d", ref, resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp("", "audioghost-*.wav")
	if err != nil {
		return "", fmt.Errorf("unable to create a temp file: %w", err)
	}
	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("unable to write %q: %w", ref, err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("unable to finalize %q: %w", ref, err)
	}
	return tmpFile.Name(), nil
}
