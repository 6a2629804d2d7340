package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/media"
)

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429
	ErrorTimeout                     // deadline exceeded
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or quota in body
	ErrorTooLarge                    // payload rejected for size
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

// String returns a label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorTooLarge:
		return "too_large"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Errors.
var (
	ErrNotConfigured = fmt.Errorf("llm: api key not configured: %w", media.ErrProviderUnconfigured)
	ErrEmptyInput    = errors.New("llm: prompt or user message missing")
	ErrEmptyResponse = errors.New("llm: provider returned no content")
)

// Error is a classified provider error.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Op         string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm %s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the cause and the media sentinel matching the kind,
// so the transcription path can classify without importing this package.
func (e *Error) Unwrap() []error {
	errs := []error{e.Err}
	switch e.Kind {
	case ErrorAuth:
		errs = append(errs, media.ErrProviderAuth)
	case ErrorRateLimit:
		errs = append(errs, media.ErrProviderRateLimited)
	case ErrorTooLarge:
		errs = append(errs, media.ErrAudioTooLarge)
	}
	return errs
}

// wrapError classifies an error returned by the OpenAI client.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrorTimeout, Op: op, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:       classifyAPIError(apiErr.HTTPStatusCode, apiErr.Message),
			StatusCode: apiErr.HTTPStatusCode,
			Op:         op,
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Kind:       classifyAPIError(reqErr.HTTPStatusCode, string(reqErr.Body)),
			StatusCode: reqErr.HTTPStatusCode,
			Op:         op,
			Err:        err,
		}
	}

	return &Error{Kind: classifyAPIError(0, err.Error()), Op: op, Err: err}
}

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	if statusCode == 413 || strings.Contains(bodyLower, "too large") {
		return ErrorTooLarge
	}

	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") {
		return ErrorBilling
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return ErrorRateLimit
	}

	if strings.Contains(bodyLower, "timeout") ||
		strings.Contains(bodyLower, "deadline") ||
		strings.Contains(bodyLower, "timed out") {
		return ErrorTimeout
	}

	switch statusCode {
	case 400:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	default:
		if statusCode >= 500 {
			return ErrorRetryable
		}
		return ErrorFatal
	}
}
