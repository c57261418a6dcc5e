package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestHTTPStatus tests the taxonomy-to-status mapping
func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{"not authenticated", NotAuthenticated("bad credential"), http.StatusUnauthorized},
		{"denied", Denied("no permission"), http.StatusForbidden},
		{"not found", NotFound("no such deployment"), http.StatusNotFound},
		{"wrong parameters", WrongParameters("name required"), http.StatusBadRequest},
		{"conflict", Conflict("duplicate name"), http.StatusConflict},
		{"transient", Transient("pull timed out", nil), http.StatusInternalServerError},
		{"permanent", Permanent("image rejected", nil), http.StatusInternalServerError},
		{"internal", Internal(errors.New("boom")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

// TestErrorsIsMatchesOnType tests that errors.Is compares taxonomy types,
// not messages
func TestErrorsIsMatchesOnType(t *testing.T) {
	err := NotFound("deployment dep-1 does not exist")

	assert.True(t, errors.Is(err, NotFound("")))
	assert.False(t, errors.Is(err, Denied("")))

	wrapped := fmt.Errorf("reconcile: %w", err)
	assert.True(t, errors.Is(wrapped, NotFound("")))
	assert.True(t, IsType(wrapped, TypeNotFound))
}

// TestUnwrapPreservesCause tests that the underlying cause survives wrapping
func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient("backend unreachable", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")
}

// TestIsTransient tests the retryability check
func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient("rate limited", nil)))
	assert.False(t, IsTransient(Permanent("invalid spec", nil)))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(nil))
}

// TestWriteHTTP tests rendering taxonomy errors as JSON responses
func TestWriteHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, NotFound("resource not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"notFound","message":"resource not found"}`, rec.Body.String())
}

// TestWriteHTTPMasksUnknownErrors tests that non-taxonomy causes never
// reach the client
func TestWriteHTTPMasksUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, errors.New("pq: relation sessions does not exist"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "relation")
	assert.JSONEq(t, `{"error":"internalServerError","message":"internal server error"}`, rec.Body.String())
}
