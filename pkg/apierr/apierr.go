// Package apierr provides structured API error types, HTTP status mapping,
// and normalization of heterogeneous provider errors into the OpenAI error
// envelope.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypeNotFoundError     = "not_found_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
	CodeModelNotFound     = "model_not_found"
	CodeCircuitOpen       = "circuit_open"
	CodeOverloaded        = "overloaded"
)

// APIError is the structured error body returned to clients. Param is always
// present in the wire shape, null unless a specific request field is at fault.
type APIError struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code"`
}

// Envelope is the OpenAI-compatible wire shape: {"error": {...}}.
type Envelope struct {
	Error APIError `json:"error"`
}

// StatusError carries an HTTP status alongside a normalized envelope. It
// implements error so normalized failures travel through ordinary error
// returns and can be recovered with errors.As.
type StatusError struct {
	Status   int
	Envelope Envelope
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d: %s (%s/%s)",
		e.Status, e.Envelope.Error.Message, e.Envelope.Error.Type, e.Envelope.Error.Code)
}

// Retryable reports whether the HTTP status warrants a retry or failover
// attempt. Client errors other than 429 never retry.
func Retryable(status int) bool {
	switch status {
	case fasthttp.StatusTooManyRequests,
		fasthttp.StatusInternalServerError,
		fasthttp.StatusBadGateway,
		fasthttp.StatusServiceUnavailable,
		fasthttp.StatusGatewayTimeout:
		return true
	}
	return false
}

// StatusForCode derives an HTTP status from an error code when the source
// supplied none. Covers both our codes and the short provider-style codes
// (rate_limit, auth_failed, overloaded, ...). Unknown codes map to 502
// since they come from upstream.
func StatusForCode(code string) int {
	switch code {
	case CodeRateLimitExceeded, "rate_limit":
		return fasthttp.StatusTooManyRequests
	case CodeInvalidAPIKey, "auth_failed":
		return fasthttp.StatusUnauthorized
	case "permission_denied":
		return fasthttp.StatusForbidden
	case CodeInvalidRequest:
		return fasthttp.StatusBadRequest
	case CodeModelNotFound, "not_found":
		return fasthttp.StatusNotFound
	case CodeRequestTimeout, "timeout":
		return fasthttp.StatusGatewayTimeout
	case CodeInternalError, "server_error":
		return fasthttp.StatusInternalServerError
	case CodeNotImplemented:
		return fasthttp.StatusNotImplemented
	case CodeCircuitOpen:
		return fasthttp.StatusServiceUnavailable
	case CodeOverloaded:
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusBadGateway
	}
}

func typeForStatus(status int) string {
	switch {
	case status == fasthttp.StatusTooManyRequests:
		return TypeRateLimitError
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return TypeAuthenticationErr
	case status == fasthttp.StatusNotFound:
		return TypeNotFoundError
	case status >= 400 && status < 500:
		return TypeInvalidRequest
	case status >= 500:
		return TypeProviderError
	default:
		return TypeServerError
	}
}

func codeForStatus(status int) string {
	switch status {
	case fasthttp.StatusTooManyRequests:
		return CodeRateLimitExceeded
	case fasthttp.StatusUnauthorized:
		return CodeInvalidAPIKey
	case fasthttp.StatusNotFound:
		return CodeModelNotFound
	case fasthttp.StatusGatewayTimeout:
		return CodeRequestTimeout
	case fasthttp.StatusBadRequest:
		return CodeInvalidRequest
	default:
		if status >= 500 {
			return CodeProviderError
		}
		return CodeInvalidRequest
	}
}

// Normalize turns an arbitrary upstream error body and status into a
// (status, Envelope) pair. It accepts three shapes:
//
//   - an already-normalized envelope {"error": {message, type, code}}
//   - a bare object with message/type/code at the top level
//   - anything else, treated as an opaque message string
//
// Missing fields are filled from the HTTP status; a zero status is derived
// from the code. Normalize is idempotent: feeding its own output back with
// the same status returns an identical result.
func Normalize(status int, body []byte) (int, Envelope) {
	var env Envelope

	if len(body) > 0 {
		var probe struct {
			Error   *APIError `json:"error"`
			Message string    `json:"message"`
			Type    string    `json:"type"`
			Code    string    `json:"code"`
			Detail  string    `json:"detail"`
		}
		if err := json.Unmarshal(body, &probe); err == nil {
			switch {
			case probe.Error != nil:
				env.Error = *probe.Error
			case probe.Message != "" || probe.Code != "":
				env.Error = APIError{Message: probe.Message, Type: probe.Type, Code: probe.Code}
			case probe.Detail != "":
				env.Error = APIError{Message: probe.Detail}
			}
		}
	}

	if env.Error.Message == "" {
		msg := string(body)
		if msg == "" {
			msg = fasthttp.StatusMessage(status)
		}
		// Cap raw bodies so HTML error pages do not leak into clients.
		if len(msg) > 512 {
			msg = msg[:512]
		}
		env.Error.Message = msg
	}

	if status == 0 {
		if env.Error.Code != "" {
			status = StatusForCode(env.Error.Code)
		} else {
			status = fasthttp.StatusBadGateway
		}
	}
	if env.Error.Type == "" {
		env.Error.Type = typeForStatus(status)
	}
	if env.Error.Code == "" {
		env.Error.Code = codeForStatus(status)
	}
	return status, env
}

// NormalizeErr converts a Go error into a (status, Envelope) pair. A
// *StatusError passes through unchanged; anything else becomes a 502
// provider error.
func NormalizeErr(err error) (int, Envelope) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, se.Envelope
	}
	return fasthttp.StatusBadGateway, Envelope{Error: APIError{
		Message: err.Error(),
		Type:    TypeProviderError,
		Code:    CodeProviderError,
	}}
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(Envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteEnvelope writes a normalized envelope with the given status.
func WriteEnvelope(ctx *fasthttp.RequestCtx, status int, env Envelope) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(env)
	ctx.SetBody(body)
}

// WriteProviderError normalizes an upstream error body and writes it.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, body []byte) {
	status, env := Normalize(providerStatus, body)
	switch {
	case status == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
	case status >= 500:
		status = fasthttp.StatusBadGateway
	}
	WriteEnvelope(ctx, status, env)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
