package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"unilog/internal/models"
)

// ErrStatusMismatch is returned when the sink reports a different number of
// item statuses than records sent
var ErrStatusMismatch = errors.New("sink returned mismatched item statuses")

// TransientError marks a failure worth retrying: the sink was unavailable,
// throttled the request, or the attempt timed out.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient sink error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient sink error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix, such as a
// malformed or oversized request.
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent sink error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent sink error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError
func Transient(statusCode int, err error) error {
	return &TransientError{StatusCode: statusCode, Err: err}
}

// Permanent wraps err as a PermanentError
func Permanent(statusCode int, err error) error {
	return &PermanentError{StatusCode: statusCode, Err: err}
}

// IsPermanent reports whether err must not be retried. Unclassified errors
// (connection resets, DNS failures) are treated as transient.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// ClassifyStatus maps a sink HTTP status code to an error class.
// 2xx yields nil.
func ClassifyStatus(status int, err error) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return Transient(status, err)
	default:
		return Permanent(status, err)
	}
}

// failureCode picks the error code recorded with captured records
func failureCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return models.CodeTimeout
	case IsPermanent(err):
		return models.CodePermanent
	default:
		return models.CodeTransient
	}
}
