package retry

import (
	"context"
	"errors"
	"net"

	opqueue "github.com/a-cube-io/opqueue"
)

// DefaultRetryableCodes are the codes retried out of the box.
var DefaultRetryableCodes = []opqueue.ErrorCode{
	opqueue.CodeNetwork,
	opqueue.CodeTimeout,
	opqueue.CodeServer,
	opqueue.CodeRateLimited,
	opqueue.CodeTemporaryFailure,
}

// Classifier decides retryability from error codes.
type Classifier struct {
	retryable    map[opqueue.ErrorCode]struct{}
	nonRetryable map[opqueue.ErrorCode]struct{}
	retryUnknown bool
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithRetryableCodes adds codes to the retryable set.
func WithRetryableCodes(codes ...opqueue.ErrorCode) ClassifierOption {
	return func(c *Classifier) {
		for _, code := range codes {
			c.retryable[code] = struct{}{}
		}
	}
}

// WithNonRetryableCodes adds codes that are never retried, even when they
// also appear in the retryable set.
func WithNonRetryableCodes(codes ...opqueue.ErrorCode) ClassifierOption {
	return func(c *Classifier) {
		for _, code := range codes {
			c.nonRetryable[code] = struct{}{}
		}
	}
}

// WithRetryUnknown makes errors without a recognizable code retryable.
func WithRetryUnknown(retry bool) ClassifierOption {
	return func(c *Classifier) { c.retryUnknown = retry }
}

// NewClassifier creates a Classifier seeded with DefaultRetryableCodes.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		retryable:    make(map[opqueue.ErrorCode]struct{}, len(DefaultRetryableCodes)),
		nonRetryable: make(map[opqueue.ErrorCode]struct{}),
	}
	for _, code := range DefaultRetryableCodes {
		c.retryable[code] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Code extracts the error code from err.
func (c *Classifier) Code(err error) opqueue.ErrorCode {
	if err == nil {
		return ""
	}
	var opErr *opqueue.OperationError
	if errors.As(err, &opErr) && opErr.Code != "" {
		return opErr.Code
	}
	var procErr *opqueue.ProcessingError
	if errors.As(err, &procErr) && procErr.Code != "" {
		return procErr.Code
	}
	if errors.Is(err, opqueue.ErrNoProcessor) {
		return opqueue.CodeNoProcessor
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opqueue.CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return opqueue.CodeTimeout
		}
		return opqueue.CodeNetwork
	}
	return opqueue.CodeUnknown
}

// Retryable reports whether err should be retried.
func (c *Classifier) Retryable(err error) bool {
	if err == nil {
		return false
	}
	return c.RetryableCode(c.Code(err))
}

// RetryableCode reports whether code should be retried.
func (c *Classifier) RetryableCode(code opqueue.ErrorCode) bool {
	if _, deny := c.nonRetryable[code]; deny {
		return false
	}
	if _, ok := c.retryable[code]; ok {
		return true
	}
	return code == opqueue.CodeUnknown && c.retryUnknown
}
