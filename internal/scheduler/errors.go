package scheduler

import (
	"fmt"

	"github.com/pkg/errors"
)

// FailureKind classifies task attempt failures for the retry protocol.
type FailureKind int

const (
	// FailureKindUnknown covers failures the worker did not classify.
	// Treated the same as a transient worker failure.
	FailureKindUnknown FailureKind = iota
	// FailureKindUserError covers plan errors and bad input. Never retried.
	FailureKindUserError
	// FailureKindWorkerFailure covers network errors, process crashes and lost
	// nodes. Retried while budgets allow.
	FailureKindWorkerFailure
	// FailureKindWorkerOutOfMemory is retried with a strictly larger memory
	// estimate.
	FailureKindWorkerOutOfMemory
	// FailureKindStorageOverflow is raised when the task descriptor storage
	// exceeds its cap. Fatal to the query.
	FailureKindStorageOverflow
	// FailureKindInternal marks scheduler invariant violations. Fatal.
	FailureKindInternal
)

func (k FailureKind) String() string {
	switch k {
	case FailureKindUserError:
		return "USER_ERROR"
	case FailureKindWorkerFailure:
		return "WORKER_FAILURE"
	case FailureKindWorkerOutOfMemory:
		return "WORKER_OUT_OF_MEMORY"
	case FailureKindStorageOverflow:
		return "STORAGE_OVERFLOW"
	case FailureKindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Retriable reports whether the retry budget should be consulted at all for a
// failure of this kind.
func (k FailureKind) Retriable() bool {
	switch k {
	case FailureKindWorkerFailure, FailureKindWorkerOutOfMemory, FailureKindUnknown:
		return true
	default:
		return false
	}
}

// TaskFailure wraps the cause of a failed task attempt with its kind.
type TaskFailure struct {
	Kind  FailureKind
	Cause error
}

func NewTaskFailure(kind FailureKind, cause error) *TaskFailure {
	return &TaskFailure{Kind: kind, Cause: cause}
}

func (e *TaskFailure) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("task failed: %s", e.Kind)
	}
	return fmt.Sprintf("task failed: %s: %s", e.Kind, e.Cause)
}

func (e *TaskFailure) Unwrap() error {
	return e.Cause
}

// KindOf extracts the failure kind from an error, defaulting to
// FailureKindUnknown for unclassified errors.
func KindOf(err error) FailureKind {
	var failure *TaskFailure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	var overflow *StorageCapacityExceededError
	if errors.As(err, &overflow) {
		return FailureKindStorageOverflow
	}
	return FailureKindUnknown
}

// StorageCapacityExceededError is returned by TaskDescriptorStorage when an
// insert would exceed the configured cap.
type StorageCapacityExceededError struct {
	QueryID QueryID
	Limit   int64
}

func (e *StorageCapacityExceededError) Error() string {
	return fmt.Sprintf("task descriptor storage capacity exceeded for query %s: limit %d bytes", e.QueryID, e.Limit)
}

// errLeaseCancelled marks node leases released by scheduler shutdown.
// Failures caused by it are retriable but do not consume retry budget.
var errLeaseCancelled = errors.New("node lease cancelled")
