package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"proctorhub-monitoring-svc/src/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// TokenSource supplies bearer tokens for the monitoring endpoints. Refresh is
// called when the server answers 401; implementations talk to the platform's
// auth service.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// SessionStart is the server-issued identity of a monitored attempt.
type SessionStart struct {
	SessionID string    `json:"sessionId"`
	StartTime time.Time `json:"startTime"`
	Status    string    `json:"status"`
}

// HeartbeatStatus is the server's answer to a heartbeat.
type HeartbeatStatus struct {
	SessionStatus string `json:"sessionStatus"`
	Invalidated   bool   `json:"invalidated"`
}

// Heartbeat reports liveness and progress.
type Heartbeat struct {
	ExamID          string `json:"examId"`
	SessionID       string `json:"sessionId"`
	CurrentQuestion int    `json:"currentQuestion"`
	TotalQuestions  int    `json:"totalQuestions"`
}

// ViolationReport is the envelope posted for each detected violation.
type ViolationReport struct {
	Violation struct {
		Type      string          `json:"type"`
		Details   string          `json:"details"`
		Timestamp time.Time       `json:"timestamp"`
		Severity  models.Severity `json:"severity"`
		Level     int             `json:"level"`
	} `json:"violation"`
	SessionID       string `json:"sessionId"`
	ExamID          string `json:"examId"`
	TotalViolations int    `json:"totalViolations"`
}

// Transport is the HTTP reporting path shared by the heartbeat emitter and
// the violation detector. A 401 triggers a token refresh with exactly one
// refresh in flight at a time; concurrent callers wait on the same refresh
// instead of issuing duplicates.
type Transport struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource

	refreshGroup singleflight.Group

	mu    sync.RWMutex
	token string
}

// NewTransport creates a transport for the monitoring API at baseURL.
func NewTransport(baseURL string, tokens TokenSource, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Transport{
		baseURL: baseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// StartSession asks the server for a new session identifier. The server is
// authoritative for the id and the start time.
func (t *Transport) StartSession(ctx context.Context, examID string) (*SessionStart, error) {
	var response struct {
		Success bool          `json:"success"`
		Data    *SessionStart `json:"data"`
	}
	body := map[string]string{"examId": examID}
	if err := t.post(ctx, "/monitoring/sessions", body, &response); err != nil {
		return nil, err
	}
	if response.Data == nil {
		return nil, fmt.Errorf("start session returned no data")
	}
	return response.Data, nil
}

// SendHeartbeat posts a heartbeat and returns the server's view of the
// session, including admin-side invalidation.
func (t *Transport) SendHeartbeat(ctx context.Context, hb *Heartbeat) (*HeartbeatStatus, error) {
	var response struct {
		Success bool             `json:"success"`
		Data    *HeartbeatStatus `json:"data"`
	}
	if err := t.post(ctx, "/monitoring/heartbeat", hb, &response); err != nil {
		return nil, err
	}
	if response.Data == nil {
		return nil, fmt.Errorf("heartbeat returned no data")
	}
	return response.Data, nil
}

// ReportViolation forwards a violation report. Callers are expected to
// swallow errors: monitoring must never interrupt exam-taking.
func (t *Transport) ReportViolation(ctx context.Context, report *ViolationReport) error {
	return t.post(ctx, "/monitoring/violations", report, nil)
}

func (t *Transport) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := t.do(ctx, path, payload)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := t.refreshToken(ctx); err != nil {
			return fmt.Errorf("token refresh failed: %w", err)
		}
		resp, err = t.do(ctx, path, payload)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("monitoring endpoint returned status: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (t *Transport) do(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := t.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return t.httpClient.Do(req)
}

func (t *Transport) currentToken(ctx context.Context) (string, error) {
	t.mu.RLock()
	token := t.token
	t.mu.RUnlock()
	if token != "" {
		return token, nil
	}

	token, err := t.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to obtain token: %w", err)
	}

	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
	return token, nil
}

// refreshToken funnels all callers through one in-flight refresh.
func (t *Transport) refreshToken(ctx context.Context) error {
	_, err, shared := t.refreshGroup.Do("token-refresh", func() (interface{}, error) {
		token, err := t.tokens.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.token = token
		t.mu.Unlock()
		return token, nil
	})
	if shared {
		logrus.Debug("Token refresh shared with concurrent caller")
	}
	return err
}
