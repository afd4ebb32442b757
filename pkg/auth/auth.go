// Package auth manages the Hugging Face token required to download the
// gated SAM-Audio checkpoints. The token is validated against the Hub and
// persisted for the worker to pick up.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// gatedModel is the repository the token must have been granted access to.
const gatedModel = "facebook/sam-audio-base"

var ErrInvalidToken = errors.New("the token was rejected by the Hub")

// Status is what the UI needs to render the login state.
type Status struct {
	Authenticated  bool   `json:"authenticated"`
	Username       string `json:"username,omitempty"`
	HasModelAccess bool   `json:"has_model_access"`
}

// Manager validates tokens against the Hub and persists the accepted one.
type Manager struct {
	tokenPath string
	hubURL    string
	http      *http.Client
}

func NewManager(tokenPath, hubURL string) *Manager {
	return &Manager{
		tokenPath: tokenPath,
		hubURL:    strings.TrimRight(hubURL, "/"),
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns the persisted token, or an empty string when none was
// saved yet.
func (m *Manager) Token() string {
	raw, err := os.ReadFile(m.tokenPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// Status revalidates the persisted token against the Hub.
func (m *Manager) Status(ctx context.Context) Status {
	token := m.Token()
	if token == "" {
		return Status{}
	}
	username, err := m.whoami(ctx, token)
	if err != nil {
		logger.Debugf(ctx, "the persisted token no longer validates: %v", err)
		return Status{}
	}
	return Status{
		Authenticated:  true,
		Username:       username,
		HasModelAccess: m.hasModelAccess(ctx, token),
	}
}

// Login validates the token and persists it on success.
func (m *Manager) Login(ctx context.Context, token string) (Status, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Status{}, fmt.Errorf("an empty token: %w", ErrInvalidToken)
	}
	username, err := m.whoami(ctx, token)
	if err != nil {
		return Status{}, err
	}
	if err := m.persist(token); err != nil {
		return Status{}, err
	}
	return Status{
		Authenticated:  true,
		Username:       username,
		HasModelAccess: m.hasModelAccess(ctx, token),
	}, nil
}

func (m *Manager) persist(token string) error {
	if err := os.MkdirAll(filepath.Dir(m.tokenPath), 0o700); err != nil {
		return fmt.Errorf("unable to create the token directory: %w", err)
	}
	if err := os.WriteFile(m.tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("unable to persist the token: %w", err)
	}
	return nil
}

func (m *Manager) whoami(ctx context.Context, token string) (string, error) {
	resp, err := m.get(ctx, token, "/api/whoami-v2")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected Hub status %d", resp.StatusCode)
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("unable to parse the whoami response: %w", err)
	}
	return body.Name, nil
}

// hasModelAccess probes the gated repository. A valid token without a
// granted access request gets a 401/403 here.
func (m *Manager) hasModelAccess(ctx context.Context, token string) bool {
	resp, err := m.get(ctx, token, "/api/models/"+gatedModel)
	if err != nil {
		logger.Debugf(ctx, "unable to probe model access: %v", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (m *Manager) get(ctx context.Context, token, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.hubURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to build the request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to reach the Hub: %w", err)
	}
	return resp, nil
}
