package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticTokens counts refreshes and hands out versioned tokens.
type staticTokens struct {
	mu        sync.Mutex
	token     string
	refreshed int32
}

func (s *staticTokens) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *staticTokens) Refresh(ctx context.Context) (string, error) {
	atomic.AddInt32(&s.refreshed, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = "refreshed-token"
	return s.token, nil
}

func envelope(data interface{}) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"success": true,
		"data":    data,
	})
	return payload
}

func TestTransportStartSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/monitoring/sessions", r.URL.Path)
		require.Equal(t, "Bearer initial-token", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "exam-1", body["examId"])

		w.WriteHeader(http.StatusAccepted)
		w.Write(envelope(&SessionStart{
			SessionID: "sess-42",
			StartTime: time.Now().UTC(),
			Status:    "active",
		}))
	}))
	defer server.Close()

	transport := NewTransport(server.URL, &staticTokens{token: "initial-token"}, 0)

	start, err := transport.StartSession(context.Background(), "exam-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-42", start.SessionID)
	assert.Equal(t, "active", start.Status)
}

func TestTransportRefreshesOnUnauthorized(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer refreshed-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusAccepted)
		w.Write(envelope(&HeartbeatStatus{SessionStatus: "active"}))
	}))
	defer server.Close()

	tokens := &staticTokens{token: "expired-token"}
	transport := NewTransport(server.URL, tokens, 0)

	status, err := transport.SendHeartbeat(context.Background(), &Heartbeat{
		ExamID:    "exam-1",
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "active", status.SessionStatus)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestTransportSingleRefreshUnderConcurrency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer refreshed-token" {
			// Slow rejection widens the race window.
			time.Sleep(20 * time.Millisecond)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write(envelope(&HeartbeatStatus{SessionStatus: "active"}))
	}))
	defer server.Close()

	tokens := &staticTokens{token: "expired-token"}
	transport := NewTransport(server.URL, tokens, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := transport.SendHeartbeat(context.Background(), &Heartbeat{
				ExamID:    "exam-1",
				SessionID: "sess-1",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshed),
		"concurrent 401s must share one refresh")
}

func TestTransportSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	transport := NewTransport(server.URL, &staticTokens{token: "tok"}, 0)
	err := transport.ReportViolation(context.Background(), &ViolationReport{ExamID: "exam-1"})
	assert.Error(t, err)
}
