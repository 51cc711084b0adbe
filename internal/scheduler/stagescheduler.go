package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/swelldb/swell/internal/common/future"
)

// SourceExchange couples a child stage's exchange with the plan node of this
// stage that consumes it.
type SourceExchange struct {
	FragmentID PlanFragmentID
	PlanNodeID PlanNodeID
	Replicated bool
	Exchange   Exchange
}

// stagePartition tracks the attempts of one partition.
type stagePartition struct {
	descriptor *TaskDescriptor
	memory     datasize.ByteSize
	attempts   int
	finished   bool
}

// runningAttempt is one attempt handed to the worker runtime.
type runningAttempt struct {
	partitionID int
	task        RemoteTask
	lease       *NodeLease
	sink        ExchangeSink
}

// FaultTolerantStageScheduler drives one stage: it consumes the stage's task
// source, acquires node leases, launches attempts, observes their outcomes,
// retries within budgets and publishes partition results to the output
// exchange.
//
// Schedule, Cancel and Abort are invoked by the single query-level actor.
// Callbacks from leases, task sources and remote tasks only enqueue an event
// or resolve a readiness future.
type FaultTolerantStageScheduler struct {
	stage                    *Stage
	taskFactory              RemoteTaskFactory
	failureDetector          FailureDetector
	taskSourceFactory        TaskSourceFactory
	nodeAllocator            *NodeAllocator
	taskDescriptorStorage    *TaskDescriptorStorage
	partitionMemoryEstimator PartitionMemoryEstimator
	outputExchange           Exchange
	sourceExchanges          []SourceExchange
	sourcePartitioningScheme *FaultTolerantPartitioningScheme
	metrics                  *SchedulerMetrics

	remainingRetryAttemptsOverall *atomic.Int64
	taskRetryAttemptsPerTask      int
	maxTasksWaitingForNode        int

	mu                  sync.Mutex
	sourceHandles       *future.Future[[][]ExchangeSourceHandle]
	taskSource          TaskSource
	moreTasks           *future.Future[[]TaskDescriptor]
	partitions          map[int]*stagePartition
	queuedPartitions    []int
	pendingLeases       map[*NodeLease]int
	runningAttempts     map[TaskID]*runningAttempt
	taskEvents          []TaskStatus
	blocked             *future.Future[struct{}]
	failure             error
	finished            bool
	noMoreSinksSignaled bool
	cancelled           bool
	aborted             bool
}

func NewFaultTolerantStageScheduler(
	stage *Stage,
	taskFactory RemoteTaskFactory,
	failureDetector FailureDetector,
	taskSourceFactory TaskSourceFactory,
	nodeAllocator *NodeAllocator,
	taskDescriptorStorage *TaskDescriptorStorage,
	partitionMemoryEstimator PartitionMemoryEstimator,
	outputExchange Exchange,
	sourceExchanges []SourceExchange,
	sourcePartitioningScheme *FaultTolerantPartitioningScheme,
	remainingRetryAttemptsOverall *atomic.Int64,
	taskRetryAttemptsPerTask int,
	maxTasksWaitingForNode int,
	metrics *SchedulerMetrics,
) *FaultTolerantStageScheduler {
	return &FaultTolerantStageScheduler{
		stage:                         stage,
		taskFactory:                   taskFactory,
		failureDetector:               failureDetector,
		taskSourceFactory:             taskSourceFactory,
		nodeAllocator:                 nodeAllocator,
		taskDescriptorStorage:         taskDescriptorStorage,
		partitionMemoryEstimator:      partitionMemoryEstimator,
		outputExchange:                outputExchange,
		sourceExchanges:               sourceExchanges,
		sourcePartitioningScheme:      sourcePartitioningScheme,
		remainingRetryAttemptsOverall: remainingRetryAttemptsOverall,
		taskRetryAttemptsPerTask:      taskRetryAttemptsPerTask,
		maxTasksWaitingForNode:        maxTasksWaitingForNode,
		metrics:                       metrics,
		partitions:                    make(map[int]*stagePartition),
		pendingLeases:                 make(map[*NodeLease]int),
		runningAttempts:               make(map[TaskID]*runningAttempt),
	}
}

func (s *FaultTolerantStageScheduler) StageID() StageID {
	return s.stage.StageID()
}

// IsFinished reports whether every observed partition has a finished attempt
// and the task source is exhausted.
func (s *FaultTolerantStageScheduler) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// IsBlocked returns a future resolved when the scheduler can make progress:
// new tasks, a granted lease, a terminal attempt or resolved source handles.
func (s *FaultTolerantStageScheduler) IsBlocked() *future.Future[struct{}] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.failure != nil || s.cancelled || s.aborted {
		return future.Completed(struct{}{})
	}
	if s.hasActionableWorkLocked() {
		return future.Completed(struct{}{})
	}
	if s.blocked == nil || s.blocked.IsDone() {
		s.blocked = future.New[struct{}]()
	}
	return s.blocked
}

func (s *FaultTolerantStageScheduler) hasActionableWorkLocked() bool {
	if len(s.taskEvents) > 0 {
		return true
	}
	if s.taskSource == nil && (s.sourceHandles == nil || s.sourceHandles.IsDone()) {
		return true
	}
	if s.moreTasks != nil && s.moreTasks.IsDone() {
		return true
	}
	if len(s.queuedPartitions) > 0 && len(s.pendingLeases) < s.maxTasksWaitingForNode {
		return true
	}
	for lease := range s.pendingLeases {
		if lease.Node().IsDone() {
			return true
		}
	}
	return false
}

// signal resolves the current readiness future, if any.
func (s *FaultTolerantStageScheduler) signal() {
	s.mu.Lock()
	blocked := s.blocked
	s.mu.Unlock()
	if blocked != nil {
		blocked.Complete(struct{}{})
	}
}

// Schedule makes as much progress as possible without blocking. It is
// idempotent; a non-nil error is fatal to the stage and must be handled by
// failing the query.
func (s *FaultTolerantStageScheduler) Schedule() error {
	s.mu.Lock()
	if s.failure != nil {
		failure := s.failure
		s.mu.Unlock()
		return failure
	}
	if s.finished || s.cancelled || s.aborted {
		s.mu.Unlock()
		return nil
	}

	var toWatch []future.Awaitable
	var toStart []RemoteTask
	err := func() error {
		if err := s.ensureTaskSourceLocked(&toWatch); err != nil {
			return err
		}
		if s.taskSource == nil {
			return nil
		}
		s.failAttemptsOnDeadNodesLocked()
		if err := s.processTaskEventsLocked(); err != nil {
			return err
		}
		if err := s.pullMoreTasksLocked(&toWatch); err != nil {
			return err
		}
		if err := s.startReadyAttemptsLocked(&toStart); err != nil {
			return err
		}
		s.requestLeasesLocked(&toWatch)
		s.checkFinishedLocked()
		return nil
	}()
	if err != nil {
		s.failure = err
	}
	s.mu.Unlock()

	// Listener registration and start happen outside the lock; the worker
	// runtime may deliver state changes synchronously.
	for _, task := range toStart {
		task.AddStateChangeListener(s.onTaskStatus)
		task.Start()
	}
	for _, awaitable := range toWatch {
		s.watch(awaitable)
	}
	return err
}

func (s *FaultTolerantStageScheduler) watch(awaitable future.Awaitable) {
	go func() {
		<-awaitable.Done()
		s.signal()
	}()
}

// ensureTaskSourceLocked waits for the source handles of every child exchange
// and then creates the stage's task source.
func (s *FaultTolerantStageScheduler) ensureTaskSourceLocked(toWatch *[]future.Awaitable) error {
	if s.taskSource != nil {
		return nil
	}
	if s.sourceHandles == nil {
		futures := make([]*future.Future[[]ExchangeSourceHandle], len(s.sourceExchanges))
		for i, source := range s.sourceExchanges {
			futures[i] = source.Exchange.GetSourceHandles()
		}
		s.sourceHandles = future.All(futures)
	}
	if !s.sourceHandles.IsDone() {
		*toWatch = append(*toWatch, s.sourceHandles)
		return nil
	}
	handlesBySource, err := s.sourceHandles.Value()
	if err != nil {
		return NewTaskFailure(FailureKindInternal, errors.Wrap(err, "resolving source handles"))
	}

	var partitionedHandles []PlanNodeHandle
	replicatedHandles := make(map[PlanNodeID][]ExchangeSourceHandle)
	for i, source := range s.sourceExchanges {
		for _, handle := range handlesBySource[i] {
			if source.Replicated {
				replicatedHandles[source.PlanNodeID] = append(replicatedHandles[source.PlanNodeID], handle)
			} else {
				partitionedHandles = append(partitionedHandles, PlanNodeHandle{PlanNodeID: source.PlanNodeID, Handle: handle})
			}
		}
	}

	taskSource, err := s.taskSourceFactory.CreateTaskSource(
		s.stage.StageID().QueryID,
		s.stage.Fragment(),
		partitionedHandles,
		replicatedHandles,
		s.sourcePartitioningScheme,
	)
	if err != nil {
		return NewTaskFailure(FailureKindInternal, err)
	}
	s.taskSource = taskSource
	return nil
}

// failAttemptsOnDeadNodesLocked synthesizes failure events for attempts
// running on nodes the failure detector reports gone.
func (s *FaultTolerantStageScheduler) failAttemptsOnDeadNodesLocked() {
	for taskID, attempt := range s.runningAttempts {
		node, err := attempt.lease.Node().Value()
		if err != nil || node == nil {
			continue
		}
		if s.failureDetector.IsFailed(node) {
			s.taskEvents = append(s.taskEvents, TaskStatus{
				TaskID: taskID,
				State:  TaskFailed,
				Failure: NewTaskFailure(
					FailureKindWorkerFailure,
					errors.Errorf("node %s reported failed", node.NodeID)),
			})
		}
	}
}

func (s *FaultTolerantStageScheduler) pullMoreTasksLocked(toWatch *[]future.Awaitable) error {
	for {
		if s.moreTasks == nil {
			if s.taskSource.IsFinished() {
				return nil
			}
			s.moreTasks = s.taskSource.MoreTasks()
		}
		if !s.moreTasks.IsDone() {
			*toWatch = append(*toWatch, s.moreTasks)
			return nil
		}
		tasks, err := s.moreTasks.Value()
		s.moreTasks = nil
		if err != nil {
			return NewTaskFailure(KindOf(err), err)
		}
		for i := range tasks {
			descriptor := tasks[i]
			if _, exists := s.partitions[descriptor.PartitionID]; exists {
				return NewTaskFailure(FailureKindInternal,
					errors.Errorf("task source emitted duplicate partition %d", descriptor.PartitionID))
			}
			if err := s.taskDescriptorStorage.Put(s.stage.StageID(), &descriptor); err != nil {
				return err
			}
			s.partitions[descriptor.PartitionID] = &stagePartition{
				descriptor: &descriptor,
				memory:     s.partitionMemoryEstimator.InitialEstimate(descriptor.PartitionID),
			}
			s.enqueuePartitionLocked(descriptor.PartitionID)
		}
		if len(tasks) > 0 {
			s.stage.transitionToScheduling()
		}
	}
}

// enqueuePartitionLocked keeps the queue sorted so lower partitions are
// always scheduled first.
func (s *FaultTolerantStageScheduler) enqueuePartitionLocked(partitionID int) {
	index, _ := slices.BinarySearch(s.queuedPartitions, partitionID)
	s.queuedPartitions = slices.Insert(s.queuedPartitions, index, partitionID)
}

// startReadyAttemptsLocked converts granted leases into running attempts.
// The returned tasks are started by the caller once the lock is dropped.
func (s *FaultTolerantStageScheduler) startReadyAttemptsLocked(toStart *[]RemoteTask) error {
	for lease, partitionID := range s.pendingLeases {
		if !lease.Node().IsDone() {
			continue
		}
		delete(s.pendingLeases, lease)
		node, err := lease.Node().Value()
		if err != nil {
			// Lease cancelled by allocator shutdown; uncounted.
			s.enqueuePartitionLocked(partitionID)
			continue
		}
		partition := s.partitions[partitionID]
		attemptID := partition.attempts
		partition.attempts++
		taskID := TaskID{StageID: s.stage.StageID(), PartitionID: partitionID, AttemptID: attemptID}

		sink, err := s.outputExchange.CreateSink(partitionID)
		if err != nil {
			lease.Release()
			return NewTaskFailure(FailureKindInternal, errors.Wrap(err, "creating exchange sink"))
		}
		task, err := s.taskFactory.CreateRemoteTask(
			taskID,
			node,
			s.stage.Fragment(),
			partition.descriptor.Splits,
			sink,
			partition.memory,
		)
		if err != nil {
			lease.Release()
			return NewTaskFailure(FailureKindInternal, errors.Wrap(err, "creating remote task"))
		}
		s.runningAttempts[taskID] = &runningAttempt{
			partitionID: partitionID,
			task:        task,
			lease:       lease,
			sink:        sink,
		}
		s.stage.recordAttempt(attemptID > 0)
		if s.metrics != nil {
			s.metrics.TasksStarted.Inc()
		}
		*toStart = append(*toStart, task)
		s.stage.transitionToRunning()
		log.Debugf("started attempt %s on node %s", taskID, node.NodeID)
	}
	return nil
}

// requestLeasesLocked issues lease acquisitions for queued partitions,
// bounded by maxTasksWaitingForNode.
func (s *FaultTolerantStageScheduler) requestLeasesLocked(toWatch *[]future.Awaitable) {
	for len(s.queuedPartitions) > 0 && len(s.pendingLeases) < s.maxTasksWaitingForNode {
		partitionID := s.queuedPartitions[0]
		s.queuedPartitions = s.queuedPartitions[1:]
		partition := s.partitions[partitionID]
		// Retried partitions are granted nodes before first attempts.
		lease := s.nodeAllocator.Acquire(partition.descriptor.NodeRequirements, partition.memory, partition.attempts)
		s.pendingLeases[lease] = partitionID
		if !lease.Node().IsDone() {
			*toWatch = append(*toWatch, lease.Node())
		}
	}
}

// onTaskStatus is invoked by the worker runtime on an unspecified goroutine.
func (s *FaultTolerantStageScheduler) onTaskStatus(status TaskStatus) {
	if !status.State.Terminal() {
		return
	}
	s.mu.Lock()
	s.taskEvents = append(s.taskEvents, status)
	blocked := s.blocked
	s.mu.Unlock()
	if blocked != nil {
		blocked.Complete(struct{}{})
	}
}

func (s *FaultTolerantStageScheduler) processTaskEventsLocked() error {
	events := s.taskEvents
	s.taskEvents = nil
	for _, status := range events {
		if err := s.handleTaskEventLocked(status); err != nil {
			return err
		}
	}
	return nil
}

func (s *FaultTolerantStageScheduler) handleTaskEventLocked(status TaskStatus) error {
	attempt, ok := s.runningAttempts[status.TaskID]
	if !ok {
		// Stale notification, e.g. after cancellation.
		return nil
	}
	delete(s.runningAttempts, status.TaskID)
	attempt.lease.Release()
	partition := s.partitions[attempt.partitionID]
	s.stage.recordAttemptStats(status)

	switch status.State {
	case TaskFinished:
		if partition.finished {
			// At most one attempt of a partition may finish.
			_ = attempt.sink.Abort()
			return nil
		}
		if err := attempt.sink.Finish(); err != nil {
			return NewTaskFailure(FailureKindInternal, errors.Wrap(err, "finishing exchange sink"))
		}
		partition.finished = true
		s.taskDescriptorStorage.Remove(s.stage.StageID(), attempt.partitionID)
		if s.metrics != nil {
			s.metrics.TasksFinished.Inc()
		}
		return nil
	case TaskFailed:
		_ = attempt.sink.Abort()
		if s.cancelled || s.aborted {
			return nil
		}
		return s.handleAttemptFailureLocked(partition, attempt.partitionID, status.Failure)
	case TaskAborted:
		_ = attempt.sink.Abort()
		return nil
	default:
		return nil
	}
}

// handleAttemptFailureLocked applies the retry protocol of one counted or
// uncounted failure.
func (s *FaultTolerantStageScheduler) handleAttemptFailureLocked(partition *stagePartition, partitionID int, failure error) error {
	if errors.Is(failure, errLeaseCancelled) {
		// Shutdown-induced; retriable but does not consume budget.
		s.enqueuePartitionLocked(partitionID)
		return nil
	}
	kind := KindOf(failure)
	if !kind.Retriable() {
		return failureOrWrapped(failure, kind)
	}
	retriesUsed := partition.attempts - 1
	if retriesUsed >= s.taskRetryAttemptsPerTask {
		return failureOrWrapped(failure, kind)
	}
	if !s.tryConsumeOverallRetryBudget() {
		return failureOrWrapped(failure, kind)
	}
	partition.memory = s.partitionMemoryEstimator.NextEstimate(partition.memory, kind)
	s.enqueuePartitionLocked(partitionID)
	if s.metrics != nil {
		s.metrics.TaskRetries.Inc()
	}
	log.Debugf("retrying partition %d of stage %s after %s failure", partitionID, s.stage.StageID(), kind)
	return nil
}

// tryConsumeOverallRetryBudget decrements the query-wide budget unless it is
// already exhausted. The counter never drops below zero.
func (s *FaultTolerantStageScheduler) tryConsumeOverallRetryBudget() bool {
	for {
		remaining := s.remainingRetryAttemptsOverall.Load()
		if remaining <= 0 {
			return false
		}
		if s.remainingRetryAttemptsOverall.CompareAndSwap(remaining, remaining-1) {
			return true
		}
	}
}

func failureOrWrapped(failure error, kind FailureKind) error {
	if failure != nil {
		return failure
	}
	return NewTaskFailure(kind, nil)
}

func (s *FaultTolerantStageScheduler) checkFinishedLocked() {
	if s.finished || s.taskSource == nil || !s.taskSource.IsFinished() {
		return
	}
	if s.moreTasks != nil || len(s.queuedPartitions) > 0 || len(s.pendingLeases) > 0 || len(s.runningAttempts) > 0 {
		return
	}
	for _, partition := range s.partitions {
		if !partition.finished {
			return
		}
	}
	s.finished = true
	if !s.noMoreSinksSignaled {
		s.noMoreSinksSignaled = true
		s.outputExchange.NoMoreSinks()
	}
	if blocked := s.blocked; blocked != nil {
		blocked.Complete(struct{}{})
	}
}

// Cancel stops new attempts from being started; in-flight attempts run to
// completion. Idempotent.
func (s *FaultTolerantStageScheduler) Cancel() {
	s.mu.Lock()
	if s.finished || s.cancelled || s.aborted {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.teardownQueuedWorkLocked()
	attempts := s.snapshotRunningLocked()
	blocked := s.blocked
	s.mu.Unlock()

	for _, attempt := range attempts {
		attempt.task.Cancel()
	}
	if blocked != nil {
		blocked.Complete(struct{}{})
	}
}

// Abort forcefully tears the stage down: attempts are told to die, leases
// released and the output exchange closed. Idempotent.
func (s *FaultTolerantStageScheduler) Abort() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.teardownQueuedWorkLocked()
	attempts := s.snapshotRunningLocked()
	s.runningAttempts = make(map[TaskID]*runningAttempt)
	blocked := s.blocked
	s.mu.Unlock()

	for _, attempt := range attempts {
		attempt.task.Abort()
		_ = attempt.sink.Abort()
		attempt.lease.Release()
	}
	if err := s.outputExchange.Close(); err != nil {
		log.WithError(err).Warnf("error closing output exchange of stage %s", s.stage.StageID())
	}
	if blocked != nil {
		blocked.Complete(struct{}{})
	}
}

// teardownQueuedWorkLocked drops queued partitions, releases ungranted leases
// and closes the task source.
func (s *FaultTolerantStageScheduler) teardownQueuedWorkLocked() {
	s.queuedPartitions = nil
	for lease := range s.pendingLeases {
		lease.Release()
	}
	s.pendingLeases = make(map[*NodeLease]int)
	if s.taskSource != nil {
		if err := s.taskSource.Close(); err != nil {
			log.WithError(err).Warnf("error closing task source of stage %s", s.stage.StageID())
		}
	}
}

func (s *FaultTolerantStageScheduler) snapshotRunningLocked() []*runningAttempt {
	attempts := make([]*runningAttempt, 0, len(s.runningAttempts))
	for _, attempt := range s.runningAttempts {
		attempts = append(attempts, attempt)
	}
	return attempts
}
