package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is the structured payload returned to clients for every
// terminal failure.
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Outcome    string `json:"-"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if e.Code == http.StatusTooManyRequests {
		h.Set("Retry-After", "1")
	}
	w.WriteHeader(e.Code)
	json.NewEncoder(w).Encode(e)
}

// Outcome labels, also used as metric label values.
const (
	OutcomeExcluded        = "excluded"
	OutcomeNoRoute         = "no_route"
	OutcomeDisabled        = "disabled"
	OutcomeUnauthorized    = "unauthorized"
	OutcomeRateLimited     = "rate_limited"
	OutcomeBadRequest      = "bad_request"
	OutcomeBadTarget       = "bad_target"
	OutcomeUpstreamTimeout = "upstream_timeout"
	OutcomeBadGateway      = "bad_gateway"
	OutcomeNotFound        = "not_found"
	OutcomePersistence     = "persistence"
	OutcomeForwarded       = "forwarded"
	OutcomeClientGone      = "client_gone"
)

func newError(code int, outcome, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message, Outcome: outcome}
}

// Excluded is returned for reserved paths that never reach routing.
func Excluded(path string) *GatewayError {
	e := newError(http.StatusNotFound, OutcomeExcluded, "Not Found")
	e.Details = path
	return e
}

func NoRouteMatched(method, path string) *GatewayError {
	e := newError(http.StatusNotFound, OutcomeNoRoute, "No route matched")
	e.Details = method + " " + path
	return e
}

func RouteDisabled(routeID string) *GatewayError {
	e := newError(http.StatusServiceUnavailable, OutcomeDisabled, "Route disabled")
	e.Details = routeID
	return e
}

// Unauthorized wraps the validator's error. The cause is not echoed to the
// client.
func Unauthorized(err error) *GatewayError {
	e := newError(http.StatusUnauthorized, OutcomeUnauthorized, "Unauthorized")
	e.underlying = err
	return e
}

// RateLimited is written with a Retry-After of one second.
func RateLimited(routeID string) *GatewayError {
	e := newError(http.StatusTooManyRequests, OutcomeRateLimited, "Rate limit exceeded")
	e.Details = routeID
	return e
}

func BadRequest(details string) *GatewayError {
	e := newError(http.StatusBadRequest, OutcomeBadRequest, "Bad request")
	e.Details = details
	return e
}

func BadTarget(target string, err error) *GatewayError {
	e := newError(http.StatusBadRequest, OutcomeBadTarget, "Invalid target URL")
	e.Details = target
	e.underlying = err
	return e
}

func UpstreamTimeout(err error) *GatewayError {
	e := newError(http.StatusGatewayTimeout, OutcomeUpstreamTimeout, "Upstream timeout")
	e.underlying = err
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

// BadGateway carries the transport cause in Details for operators.
func BadGateway(err error) *GatewayError {
	e := newError(http.StatusBadGateway, OutcomeBadGateway, "Bad gateway")
	e.underlying = err
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

func NotFound(details string) *GatewayError {
	e := newError(http.StatusNotFound, OutcomeNotFound, "Not Found")
	e.Details = details
	return e
}

func Persistence(err error) *GatewayError {
	e := newError(http.StatusInternalServerError, OutcomePersistence, "Persistence failure")
	e.underlying = err
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

// Wrap builds an error with an arbitrary status, for admin responses that
// have no dedicated constructor.
func Wrap(err error, code int, message string) *GatewayError {
	e := &GatewayError{Code: code, Message: message, underlying: err}
	if err != nil {
		e.Details = err.Error()
	}
	return e
}
