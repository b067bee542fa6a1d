package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Class is the retry classification of an error.
type Class int

const (
	Retryable Class = iota
	NonRetryable
	CircuitOpen
)

func (c Class) String() string {
	switch c {
	case NonRetryable:
		return "non_retryable"
	case CircuitOpen:
		return "circuit_open"
	default:
		return "retryable"
	}
}

// CircuitOpenError is returned without invoking the operation while a breaker is open.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

// ProviderError carries the HTTP status returned by the provider.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider http %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

var (
	retryablePatterns = []string{
		"econnreset", "connection reset", "econnrefused", "connection refused",
		"etimedout", "timeout", "timed out", "socket hang up", "broken pipe",
		"unexpected eof", "temporarily unavailable", "too many requests",
		"rate limit", "service unavailable", "bad gateway", "no such host",
	}
	nonRetryablePatterns = []string{
		"bad request", "unauthorized", "forbidden", "not found", "invalid",
		"malformed", "unprocessable",
	}
	statusPattern = regexp.MustCompile(`\b([45]\d\d)\b`)
)

// Classify decides whether err is worth retrying. Transport failures, timeouts,
// 5xx and 429 are retryable; other 4xx are not. Anything unrecognised is
// retryable.
func Classify(err error) Class {
	if err == nil {
		return Retryable
	}
	if IsCircuitOpen(err) {
		return CircuitOpen
	}
	if errors.Is(err, context.Canceled) {
		return NonRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var st interface{ HTTPStatus() int }
	if errors.As(err, &st) {
		return classifyStatus(st.HTTPStatus())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return Retryable
		}
	}
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		var code int
		_, _ = fmt.Sscanf(m[1], "%d", &code)
		return classifyStatus(code)
	}
	for _, p := range nonRetryablePatterns {
		if strings.Contains(msg, p) {
			return NonRetryable
		}
	}
	return Retryable
}

func classifyStatus(code int) Class {
	switch {
	case code == 429:
		return Retryable
	case code >= 500:
		return Retryable
	case code >= 400:
		return NonRetryable
	default:
		return Retryable
	}
}
