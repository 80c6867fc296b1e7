package transfer

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies the result of one fetch attempt.
type Kind int

const (
	Success Kind = iota
	Cancelled
	Recoverable
	Unrecoverable
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Cancelled:
		return "cancelled"
	case Recoverable:
		return "recoverable"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is produced once per attempt and never mutated afterwards.
type Outcome struct {
	Kind     Kind
	Artifact string
	Total    int64
	Err      error
}

var (
	ErrMalformedURL     = errors.New("transfer: malformed resource locator")
	ErrResourceChanged  = errors.New("transfer: resource changed since partial download")
	ErrRangeIgnored     = errors.New("transfer: server ignored range request")
	ErrRedirected       = errors.New("transfer: redirected to a different resource")
	ErrContentTooLarge  = errors.New("transfer: content exceeds size limit")
	ErrIncomplete       = errors.New("transfer: stream ended before expected length")
	ErrStalled          = errors.New("transfer: no data within read timeout")
	ErrTokenUnavailable = errors.New("transfer: freshness token unavailable")
)

// StatusError carries an HTTP status the transfer does not accept.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transfer: unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// IsStale reports whether err means the staging artifact can no longer be
// resumed and should be discarded before the next attempt.
func IsStale(err error) bool {
	if errors.Is(err, ErrResourceChanged) || errors.Is(err, ErrRangeIgnored) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusRequestedRangeNotSatisfiable
}

func checkStatus(code int, resumed bool) error {
	if resumed {
		switch {
		case code == http.StatusPartialContent:
			return nil
		case code == http.StatusOK:
			return fmt.Errorf("%w: status %d", ErrRangeIgnored, code)
		default:
			return &StatusError{Code: code}
		}
	}
	if code >= 200 && code < 300 {
		return nil
	}
	return &StatusError{Code: code}
}
