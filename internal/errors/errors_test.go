package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsStatus(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")

	tests := []struct {
		name    string
		err     *GatewayError
		code    int
		outcome string
	}{
		{"excluded", Excluded("/admin"), http.StatusNotFound, OutcomeExcluded},
		{"no route", NoRouteMatched("GET", "/x"), http.StatusNotFound, OutcomeNoRoute},
		{"disabled", RouteDisabled("r1"), http.StatusServiceUnavailable, OutcomeDisabled},
		{"unauthorized", Unauthorized(cause), http.StatusUnauthorized, OutcomeUnauthorized},
		{"rate limited", RateLimited("r1"), http.StatusTooManyRequests, OutcomeRateLimited},
		{"bad request", BadRequest("no method"), http.StatusBadRequest, OutcomeBadRequest},
		{"bad target", BadTarget("::", cause), http.StatusBadRequest, OutcomeBadTarget},
		{"timeout", UpstreamTimeout(cause), http.StatusGatewayTimeout, OutcomeUpstreamTimeout},
		{"bad gateway", BadGateway(cause), http.StatusBadGateway, OutcomeBadGateway},
		{"not found", NotFound("r9"), http.StatusNotFound, OutcomeNotFound},
		{"persistence", Persistence(cause), http.StatusInternalServerError, OutcomePersistence},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, tc.err.Code)
			assert.Equal(t, tc.outcome, tc.err.Outcome)
			assert.NotEmpty(t, tc.err.Message)
		})
	}
}

func TestBadGatewayCarriesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	e := BadGateway(cause)

	assert.Equal(t, "connection refused", e.Details)
	assert.Equal(t, "Bad gateway: connection refused", e.Error())
	assert.True(t, errors.Is(e, cause))
}

func TestUnauthorizedHidesCause(t *testing.T) {
	e := Unauthorized(fmt.Errorf("api key mismatch"))

	rec := httptest.NewRecorder()
	e.WriteJSON(rec)

	assert.NotContains(t, rec.Body.String(), "mismatch")
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	NoRouteMatched("GET", "/nothing").WriteJSON(rec)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(404), body["code"])
	assert.Equal(t, "No route matched", body["message"])
	assert.Equal(t, "GET /nothing", body["details"])
}

func TestWriteJSON_RetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	RateLimited("r1").WriteJSON(rec)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	RouteDisabled("r1").WriteJSON(rec)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("duplicate")
	e := Wrap(inner, http.StatusConflict, "Conflict")

	assert.Equal(t, http.StatusConflict, e.Code)
	assert.Equal(t, "duplicate", e.Details)
	assert.Same(t, inner, e.Unwrap())
}
