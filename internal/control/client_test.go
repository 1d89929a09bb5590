package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, WithTimeout(2*time.Second))
	require.NoError(t, err)
	return c
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "ftp://kuron.lan", "http://", "::"} {
		_, err := NewClient(raw)
		assert.Error(t, err, "url %q", raw)
	}
}

func TestCancelScan(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.CancelScan(context.Background(), 17))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/scans/17/cancel", gotPath)
}

func TestCancelScan_Non2xx(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"not found", http.StatusNotFound, "scan not found\n"},
		{"conflict", http.StatusConflict, "scan already finished"},
		{"server error", http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.body, tt.status)
			}))

			err := c.CancelScan(context.Background(), 3)
			require.Error(t, err)

			var reqErr *RequestError
			require.True(t, errors.As(err, &reqErr))
			assert.Equal(t, tt.status, reqErr.StatusCode)
			assert.Equal(t, "cancel scan", reqErr.Op)
			assert.Contains(t, reqErr.URL, "/api/scans/3/cancel")
			assert.Equal(t, strings.TrimSpace(tt.body), reqErr.Body)
		})
	}
}

func TestCancelScan_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url)
	require.NoError(t, err)

	err = c.CancelScan(context.Background(), 1)
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Zero(t, reqErr.StatusCode)
	assert.NotNil(t, errors.Unwrap(err))
}

func TestCancelScan_ContextCancelled(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.CancelScan(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCreateJob(t *testing.T) {
	next := time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)

	var got JobRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(JobResponse{
			ID:             12,
			Name:           got.Name,
			CronExpression: got.CronExpression,
			Action:         got.Action,
			Enabled:        true,
			NextRunAt:      &next,
		})
	}))

	req := JobRequest{
		Name:           "nightly photos",
		Paths:          []string{"/data/photos"},
		CronExpression: "0 3 * * *",
		Action:         "scan",
	}
	resp, err := c.CreateJob(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, req, got)
	assert.Equal(t, int64(12), resp.ID)
	assert.True(t, resp.Enabled)
	require.NotNil(t, resp.NextRunAt)
	assert.True(t, next.Equal(*resp.NextRunAt))
}

func TestCreateJob_BadResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))

	_, err := c.CreateJob(context.Background(), JobRequest{Name: "x"})
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusOK, reqErr.StatusCode)
	assert.Contains(t, err.Error(), "decode response")
}

func TestRequestError_Message(t *testing.T) {
	err := &RequestError{Op: "cancel scan", URL: "http://k/api/scans/1/cancel", StatusCode: 409, Body: "already stopped"}
	assert.Equal(t, "cancel scan http://k/api/scans/1/cancel: status 409: already stopped", err.Error())
	assert.Nil(t, err.Unwrap())
}
