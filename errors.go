package fetchq

import (
	"errors"

	"github.com/UniQw/fetchq/internal/task"
	"github.com/UniQw/fetchq/internal/transfer"
)

// ErrDuplicateTask is returned when a key is already queued or running.
var ErrDuplicateTask = errors.New("fetchq: duplicate task")

// ErrDownloadNotAllowed is returned when the NetworkPolicy denies a request.
var ErrDownloadNotAllowed = errors.New("fetchq: network not available for downloading")

// ErrInsufficientStorage is returned when the cache volume is below MinFreeStorage.
var ErrInsufficientStorage = errors.New("fetchq: insufficient free storage")

// ErrInvalidKey is returned for empty keys, empty batches or batches that
// repeat a key.
var ErrInvalidKey = errors.New("fetchq: invalid key")

// ErrStopped is returned when a request reaches a stopped Manager.
var ErrStopped = errors.New("fetchq: manager stopped")

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("fetchq: unknown state")

// Errors reported through Listener.OnError wrap one of these causes. They are
// re-exported so callers that hold the underlying error can match them.
var (
	ErrRetriesExhausted = task.ErrRetriesExhausted
	ErrMalformedURL     = transfer.ErrMalformedURL
	ErrResourceChanged  = transfer.ErrResourceChanged
	ErrRangeIgnored     = transfer.ErrRangeIgnored
	ErrContentTooLarge  = transfer.ErrContentTooLarge
)
