package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmdesk/helmdesk-sync/internal/models"
)

func testClient(srv *httptest.Server) *Client {
	c := New(srv.URL)
	c.Timeout = 2 * time.Second
	c.RetryMax = 2
	c.RetryBase = time.Millisecond
	return c
}

func TestListDecisions_QueryAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/decisions", r.URL.Path)
		assert.Equal(t, "review", r.URL.Query().Get("kind"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "20", r.URL.Query().Get("offset"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		json.NewEncoder(w).Encode(DecisionPage{
			Decisions: []models.Decision{{ID: "d1", Kind: models.KindReview}},
			Total:     31,
			HasMore:   true,
		})
	}))
	defer srv.Close()

	page, err := testClient(srv).ListDecisions(context.Background(), ListOptions{
		Kind: models.KindReview, Limit: 10, Offset: 20,
	})
	require.NoError(t, err)
	require.Len(t, page.Decisions, 1)
	assert.Equal(t, "d1", page.Decisions[0].ID)
	assert.Equal(t, 31, page.Total)
	assert.True(t, page.HasMore)
}

func TestResolveDecision_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/api/decisions/d1/resolve", r.URL.Path)
		json.NewEncoder(w).Encode(ResolveResult{UndoAvailable: true, UndoActionID: "act-1"})
	}))
	defer srv.Close()

	res, err := testClient(srv).ResolveDecision(context.Background(), "d1", map[string]any{"action": "approve"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load(), "5xx responses are retried")
	assert.Equal(t, "act-1", res.UndoActionID)
}

func TestResolveDecision_ConflictNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(APIError{Code: ErrCodeAlreadyResolved, Message: "already resolved"})
	}))
	defer srv.Close()

	_, err := testClient(srv).ResolveDecision(context.Background(), "d1", nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load(), "conflicts are terminal")
	assert.True(t, IsConflict(err))
	assert.False(t, IsRetryable(err))
}

func TestDeferDecision_ErrorBodyNormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(APIError{
			Code:    ErrCodeDeferLimit,
			Message: "deferral limit exceeded",
			Details: map[string]string{"max_defers": "3"},
		})
	}))
	defer srv.Close()

	_, err := testClient(srv).DeferDecision(context.Background(), "d1", time.Now().Add(time.Hour), "later")
	require.Error(t, err)

	assert.Equal(t, ErrCodeDeferLimit, ErrorCode(err))
	assert.False(t, IsRetryable(err))
}

func TestErrorWithoutBodyGetsCodeFromStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv).UndoDecision(context.Background(), "d1")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, ErrorCode(err))
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	c := testClient(srv)
	c.RetryMax = 0
	_, err := c.ListDecisions(context.Background(), ListOptions{})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Empty(t, ErrorCode(err), "transport errors carry no API code")
}

func TestContextCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := testClient(srv)
	c.RetryBase = time.Minute // the retry sleep must observe cancellation
	_, err := c.ListDecisions(ctx, ListOptions{})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}
