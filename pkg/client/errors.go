package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// ErrEmptyURL is returned when a request is made without a URL.
var ErrEmptyURL = errors.New("request url is empty")

// maxBodySnippet bounds how much of an error response body is kept.
const maxBodySnippet = 256

// ErrorClass represents a classification of request failures.
// It is used for metrics labels and logging only; it does not decide retry
// eligibility on its own.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// HTTPStatusError is returned for a non-2xx response, or for a 2xx response
// whose body carries a server-side error object.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.URL, e.Body)
	}
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// Class returns the error classification of the status code.
func (e *HTTPStatusError) Class() ErrorClass {
	return classifyStatus(e.StatusCode)
}

// NetworkError wraps a transport failure (connection refused, timeout, reset).
type NetworkError struct {
	URL string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Classify categorizes err for observability.
func Classify(err error) ErrorClass {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Class()
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return ErrorClassNetwork
	}
	return ""
}

// RetryableStatus is an opt-in retry predicate that fails fast on 4xx
// responses other than 408 and 429. Every other error is retryable.
// The default retry policy does not use it and retries every failure.
func RetryableStatus(err error) bool {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return true
	}
	switch statusErr.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return statusErr.StatusCode < 400 || statusErr.StatusCode >= 500
}

func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodySnippet {
		cut := maxBodySnippet
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}
