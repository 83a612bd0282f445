// Package httperr translates sentinel errors from the admission, routing,
// and streaming boundaries into the single HTTP response shape callers get,
// so each handler does not reimplement its own status-code switch.
package httperr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xproxy-gateway/xproxy/authcache"
	"github.com/xproxy-gateway/xproxy/modelrouter"
	"github.com/xproxy-gateway/xproxy/pipeselect"
	"github.com/xproxy-gateway/xproxy/state"
)

// ErrInvalidInput covers malformed bodies and missing required fields; the
// handler wraps it with the specific message to surface to the client.
var ErrInvalidInput = errors.New("httperr: invalid input")

// ErrOverBudget is raised by admission when an applicable spending limit has
// already been reached.
var ErrOverBudget = errors.New("httperr: spending_limit_exceeded")

// ErrUpstream wraps a failure making or completing the upstream HTTP call;
// the handler wraps it with the underlying transport error.
var ErrUpstream = errors.New("httperr: upstream request failed")

// Write inspects err and writes the matching status code and JSON body. It
// defaults to 500 for anything it does not recognize.
func Write(w http.ResponseWriter, err error) {
	status, message := classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": message}
	if status == http.StatusTooManyRequests {
		body["message"] = "an applicable spending limit has been reached"
	}
	_ = json.NewEncoder(w).Encode(body)
}

// StatusFor returns the HTTP status Write would use for err, without
// writing a response. Callers that only need an outcome label (e.g. for
// metrics) can use this instead of duplicating the classification switch.
func StatusFor(err error) int {
	status, _ := classify(err)
	return status
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrOverBudget):
		return http.StatusTooManyRequests, "spending_limit_exceeded"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, authcache.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid or expired token"
	case errors.Is(err, state.ErrStateNotFound):
		return http.StatusConflict, "previous_response_id not found"
	case isNoPipeFound(err):
		return http.StatusForbidden, err.Error()
	case isNoRoute(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream timed out"
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway, "upstream request failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func isNoPipeFound(err error) bool {
	var e *pipeselect.NoPipeFoundError
	return errors.As(err, &e)
}

func isNoRoute(err error) bool {
	var e *modelrouter.ErrNoRoute
	return errors.As(err, &e)
}
