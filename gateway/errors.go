package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/loiht2/ml-platform-retrain/apperr"
)

// GatewayError is an application-level failure: the training service answered
// with a non-2xx status or an unreadable body.
type GatewayError struct {
	Op         string
	StatusCode int
	Message    string
	// Detail is the structured "detail" member of the error body when present.
	Detail json.RawMessage
	// Body is the raw response text, kept when it could not be parsed.
	Body string
}

func (e *GatewayError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if msg == "" {
		msg = "training gateway error"
	}
	return fmt.Sprintf("training gateway %s: status=%d message=%s", e.Op, e.StatusCode, msg)
}

func (e *GatewayError) Kind() apperr.Kind { return apperr.KindGateway }

// NotFound reports whether the gateway does not know the job.
func (e *GatewayError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// TransientNetworkError wraps connection and timeout failures. These are safe
// to retry at the caller's discretion.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("training gateway %s: network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

func (e *TransientNetworkError) Kind() apperr.Kind { return apperr.KindTransientNetwork }

// IsTransient reports whether err is (or wraps) a TransientNetworkError.
func IsTransient(err error) bool {
	var t *TransientNetworkError
	return errors.As(err, &t)
}

// AsGatewayError unwraps err into a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	var g *GatewayError
	if errors.As(err, &g) {
		return g, true
	}
	return nil, false
}

func parseHTTPError(op string, status int, raw []byte) error {
	body := strings.TrimSpace(string(raw))
	gerr := &GatewayError{Op: op, StatusCode: status}

	var env struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		gerr.Body = body
		gerr.Message = body
		return gerr
	}

	gerr.Detail = env.Detail
	var detailText string
	if len(env.Detail) > 0 && json.Unmarshal(env.Detail, &detailText) == nil {
		gerr.Message = detailText
	}
	if gerr.Message == "" {
		gerr.Message = firstNonEmpty(env.Message, env.Error)
	}
	if gerr.Message == "" {
		// structured detail such as a list of field errors
		gerr.Message = strings.TrimSpace(string(env.Detail))
	}
	if gerr.Message == "" {
		gerr.Body = body
	}
	return gerr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
