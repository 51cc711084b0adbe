package scheduler

import (
	"github.com/c2h5oh/datasize"
)

// TaskState is the lifecycle of one task attempt on a worker.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskFinishing
	TaskFinished
	TaskFailed
	TaskAborted
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "PENDING"
	case TaskRunning:
		return "RUNNING"
	case TaskFinishing:
		return "FINISHING"
	case TaskFinished:
		return "FINISHED"
	case TaskFailed:
		return "FAILED"
	case TaskAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskAborted:
		return true
	default:
		return false
	}
}

// TaskStatus is a point-in-time observation of an attempt, delivered to state
// change listeners. Listeners are invoked on an unspecified goroutine and
// must only publish a single state change and signal readiness.
type TaskStatus struct {
	TaskID  TaskID
	State   TaskState
	Failure error
	// CPUTimeMillis accumulated by the attempt, reported on terminal states.
	CPUTimeMillis int64
	// PeakMemory reserved by the attempt.
	PeakMemory datasize.ByteSize
}

// RemoteTask is the scheduler's handle on one task attempt executing on a
// worker. Implemented by the worker runtime; consumed here.
type RemoteTask interface {
	TaskID() TaskID
	Start()
	// Cancel lets the attempt run to completion but stops it from being
	// restarted.
	Cancel()
	// Abort tells the attempt to die.
	Abort()
	AddStateChangeListener(listener func(TaskStatus))
}

// RemoteTaskFactory creates worker task attempts.
type RemoteTaskFactory interface {
	CreateRemoteTask(
		taskID TaskID,
		node *InternalNode,
		fragment *PlanFragment,
		splits map[PlanNodeID][]Split,
		sink ExchangeSink,
		memoryLimit datasize.ByteSize,
	) (RemoteTask, error)
}
