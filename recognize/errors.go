package recognize

import (
	"context"
	"errors"

	"github.com/hazyhaar/capsolve/capture"
)

// Dispatch-layer errors. Transport, empty-result and timeout failures are
// retryable within the attempt budget; the rest are terminal.
var (
	// ErrNotConfigured means no active provider configuration exists. The
	// user must configure a provider before retrying.
	ErrNotConfigured = errors.New("recognize: no active provider configuration")

	// ErrTransport covers network failures and non-2xx provider responses.
	ErrTransport = errors.New("recognize: provider transport failure")

	// ErrEmptyResult means the provider answered with a syntactically valid
	// response containing no usable text. Distinct from a transport failure;
	// treated as an equally transient hiccup by the retry loop.
	ErrEmptyResult = errors.New("recognize: provider returned no usable text")

	// ErrTimeout means an attempt did not complete within its budget.
	ErrTimeout = errors.New("recognize: attempt timed out")
)

// Error kinds as they appear in outcomes, history rows and API responses.
const (
	KindCapture        = "capture"
	KindInvalidCapture = "invalid_capture"
	KindNotConfigured  = "not_configured"
	KindTransport      = "transport"
	KindEmptyResult    = "empty_result"
	KindTimeout        = "timeout"
)

// KindOf maps an error from the capture or recognition layers onto its
// outcome kind string.
func KindOf(err error) string {
	switch {
	case errors.Is(err, capture.ErrInvalidCapture):
		return KindInvalidCapture
	case errors.Is(err, capture.ErrUnsupportedKind),
		errors.Is(err, capture.ErrDetached),
		errors.Is(err, capture.ErrZeroArea),
		errors.Is(err, capture.ErrCrossOrigin):
		return KindCapture
	case errors.Is(err, ErrNotConfigured):
		return KindNotConfigured
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrEmptyResult):
		return KindEmptyResult
	default:
		return KindTransport
	}
}

// retryable reports whether the dispatcher's retry loop should consume
// another attempt on this error.
func retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindEmptyResult, KindTimeout:
		return true
	}
	return false
}
