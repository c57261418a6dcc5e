package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/types"
)

// TestGetDeployment tests request shape and response decoding
func TestGetDeployment(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/workspace/ws-1/deployment/dep-1", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(&types.Deployment{ID: "dep-1", Name: "web", ImageTag: "1.27"})
	}))
	defer ts.Close()

	c := New(ts.URL, "tok")
	d, err := c.GetDeployment(context.Background(), "ws-1", "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "web", d.Name)
	assert.Equal(t, "1.27", d.ImageTag)
}

// TestListRunnerDeployments tests the runner listing path
func TestListRunnerDeployments(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/workspace/ws-1/runner/run-1/deployment", r.URL.Path)
		json.NewEncoder(w).Encode([]*types.Deployment{{ID: "dep-1"}, {ID: "dep-2"}})
	}))
	defer ts.Close()

	c := New(ts.URL, "tok")
	out, err := c.ListRunnerDeployments(context.Background(), "ws-1", "run-1")
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

// TestReportStatus tests the status patch body
func TestReportStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/workspace/ws-1/deployment/dep-1/status", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "running", body["status"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := New(ts.URL, "tok")
	require.NoError(t, c.ReportStatus(context.Background(), "ws-1", "dep-1", types.DeploymentStatusRunning))
}

// TestErrorMapping tests that HTTP statuses come back as taxonomy errors
func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   apierror.Type
	}{
		{"unauthorized", http.StatusUnauthorized, apierror.TypeNotAuthenticated},
		{"forbidden", http.StatusForbidden, apierror.TypeDenied},
		{"not found", http.StatusNotFound, apierror.TypeNotFound},
		{"bad request", http.StatusBadRequest, apierror.TypeWrongParameters},
		{"conflict", http.StatusConflict, apierror.TypeConflict},
		{"server error", http.StatusInternalServerError, apierror.TypeBackendTransient},
		{"bad gateway", http.StatusBadGateway, apierror.TypeBackendTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"error": "x", "message": "nope"})
			}))
			defer ts.Close()

			c := New(ts.URL, "tok")
			_, err := c.GetDeployment(context.Background(), "ws-1", "dep-1")
			require.Error(t, err)
			assert.True(t, apierror.IsType(err, tt.want), "got %v", err)
		})
	}
}

// TestUnreachableServerIsTransient tests that dial failures are retryable
func TestUnreachableServerIsTransient(t *testing.T) {
	c := New("http://127.0.0.1:1", "tok")
	_, err := c.GetDeployment(context.Background(), "ws-1", "dep-1")
	require.Error(t, err)
	assert.True(t, apierror.IsTransient(err))
}
