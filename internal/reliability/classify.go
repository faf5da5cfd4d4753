package reliability

import (
	"context"
	"errors"
	"net"
	"strings"

	domainerrors "github.com/davidleathers/compliant-audit-pipeline/internal/domain/errors"
)

// retryablePatterns are the network failure signatures that warrant
// another attempt regardless of error type.
var retryablePatterns = []string{
	"ECONNRESET",
	"ETIMEDOUT",
	"ENOTFOUND",
	"ECONNREFUSED",
	"EHOSTUNREACH",
	"EPIPE",
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"i/o timeout",
}

// HTTPStatusError lets transports surface an HTTP status for
// classification.
type HTTPStatusError struct {
	Status int
	Msg    string
}

func (e *HTTPStatusError) Error() string { return e.Msg }

// ClassifyStrict is the pipeline classifier: retry only on recognized
// transient failures. Unknown errors are terminal.
func ClassifyStrict(err error) bool {
	if err == nil {
		return false
	}

	var appErr *domainerrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == 429
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ClassifyLenient is the generic manager's classifier: everything not
// provably terminal is retryable by default.
func ClassifyLenient(err error) bool {
	if err == nil {
		return false
	}

	var appErr *domainerrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == 429
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
