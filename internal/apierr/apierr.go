// Package apierr normalizes internal and upstream failures into the stable
// public error format `{"error":{"code","message","type"}}`. Internal error
// details never reach the message field.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/aigw/gateway/internal/providers"
)

// Error type constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeQuota          = "quota_error"
	TypeUpstream       = "upstream_error"
	TypeGateway        = "gateway_error"
)

// Code constants.
const (
	CodeUnknownProvider       = "unknown_provider"
	CodeProviderNotConfigured = "provider_not_configured"
	CodeUpstreamTimeout       = "upstream_timeout"
	CodeUpstream4xx           = "upstream_4xx"
	CodeUpstream5xx           = "upstream_5xx"
	CodeUpstreamUnreachable   = "upstream_unreachable"
	CodeProviderError         = "provider_error"
	CodeRateLimited           = "rate_limited"
	CodeBudgetExceeded        = "budget_exceeded"
	CodeInvalidAPIKey         = "invalid_api_key"
	CodeInvalidRequest        = "invalid_request"
	CodeNotFound              = "not_found"
)

// PublicError is the client-visible form of any failure.
type PublicError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (e PublicError) Error() string {
	return e.Code + ": " + e.Message
}

type envelope struct {
	Error PublicError `json:"error"`
}

// Payload returns the JSON envelope body for a public error.
func Payload(e PublicError) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    e.Code,
			"message": e.Message,
			"type":    e.Type,
		},
	}
}

// Write serializes the error envelope to the response with its HTTP status.
func Write(w http.ResponseWriter, e PublicError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(envelope{Error: e})
}

// Canned errors for the non-provider paths.
var (
	Unauthorized = PublicError{
		Status: http.StatusUnauthorized, Code: CodeInvalidAPIKey,
		Message: "invalid API key", Type: TypeAuthentication,
	}
	NotFound = PublicError{
		Status: http.StatusNotFound, Code: CodeNotFound,
		Message: "not found", Type: TypeInvalidRequest,
	}
	RateLimited = PublicError{
		Status: http.StatusTooManyRequests, Code: CodeRateLimited,
		Message: "rate limit exceeded", Type: TypeQuota,
	}
	BudgetExceeded = PublicError{
		Status: http.StatusTooManyRequests, Code: CodeBudgetExceeded,
		Message: "spend budget exceeded", Type: TypeQuota,
	}
)

// InvalidRequest builds a 400 with a caller-supplied safe message.
func InvalidRequest(msg string) PublicError {
	return PublicError{
		Status: http.StatusBadRequest, Code: CodeInvalidRequest,
		Message: msg, Type: TypeInvalidRequest,
	}
}

// Map classifies a provider-call failure into its public form.
//
//	unknown provider        400 unknown_provider        invalid_request_error
//	missing configuration   500 provider_not_configured gateway_error
//	upstream timeout        502 upstream_timeout        upstream_error
//	upstream HTTP 4xx       502 upstream_4xx            upstream_error
//	upstream HTTP 5xx       502 upstream_5xx            upstream_error
//	transport failure       502 upstream_unreachable    upstream_error
//	anything else           502 provider_error          gateway_error
func Map(err error) PublicError {
	if errors.Is(err, providers.ErrUnknownProvider) {
		return PublicError{
			Status: http.StatusBadRequest, Code: CodeUnknownProvider,
			Message: "unknown provider", Type: TypeInvalidRequest,
		}
	}
	if errors.Is(err, providers.ErrNotConfigured) {
		return PublicError{
			Status: http.StatusInternalServerError, Code: CodeProviderNotConfigured,
			Message: "provider is not configured", Type: TypeGateway,
		}
	}
	if isTimeout(err) {
		return PublicError{
			Status: http.StatusBadGateway, Code: CodeUpstreamTimeout,
			Message: "upstream did not respond in time", Type: TypeUpstream,
		}
	}

	var se *providers.StatusError
	if errors.As(err, &se) {
		code := CodeProviderError
		msg := "upstream returned an error"
		switch {
		case se.StatusCode >= 400 && se.StatusCode < 500:
			code = CodeUpstream4xx
			msg = "upstream rejected the request"
		case se.StatusCode >= 500:
			code = CodeUpstream5xx
			msg = "upstream returned a server error"
		}
		return PublicError{
			Status: http.StatusBadGateway, Code: code,
			Message: msg, Type: TypeUpstream,
		}
	}

	if isTransport(err) {
		return PublicError{
			Status: http.StatusBadGateway, Code: CodeUpstreamUnreachable,
			Message: "could not reach upstream", Type: TypeUpstream,
		}
	}

	return PublicError{
		Status: http.StatusBadGateway, Code: CodeProviderError,
		Message: "provider error", Type: TypeGateway,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

func isTransport(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
