package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/swelldb/swell/internal/common/future"
	"github.com/swelldb/swell/internal/scheduler/configuration"
)

// FaultTolerantQueryScheduler wires exchanges between parent and child stages
// in reverse topological order, multiplexes the per-stage schedulers with a
// blocked/unblocked readiness loop and collapses stage outcomes into the
// query's final state.
type FaultTolerantQueryScheduler struct {
	queryStateMachine               *QueryStateMachine
	failureDetector                 FailureDetector
	taskSourceFactory               TaskSourceFactory
	taskDescriptorStorage           *TaskDescriptorStorage
	exchangeManager                 ExchangeManager
	nodePartitioningManager         NodePartitioningManager
	nodeAllocator                   *NodeAllocator
	partitionMemoryEstimatorFactory PartitionMemoryEstimatorFactory
	taskFactory                     RemoteTaskFactory
	stageManager                    *StageManager
	config                          configuration.SchedulingConfig
	clock                           clock.Clock
	metrics                         *SchedulerMetrics
	retryBudget                     *atomic.Int64

	mu        sync.Mutex
	started   bool
	scheduler *queryExecutor
}

func NewFaultTolerantQueryScheduler(
	queryStateMachine *QueryStateMachine,
	failureDetector FailureDetector,
	taskSourceFactory TaskSourceFactory,
	taskDescriptorStorage *TaskDescriptorStorage,
	exchangeManager ExchangeManager,
	nodePartitioningManager NodePartitioningManager,
	nodeAllocator *NodeAllocator,
	partitionMemoryEstimatorFactory PartitionMemoryEstimatorFactory,
	taskFactory RemoteTaskFactory,
	plan *SubPlan,
	config configuration.SchedulingConfig,
	clk clock.Clock,
	metrics *SchedulerMetrics,
) *FaultTolerantQueryScheduler {
	retryBudget := &atomic.Int64{}
	retryBudget.Store(int64(config.TaskRetryAttemptsOverall))
	return &FaultTolerantQueryScheduler{
		queryStateMachine:               queryStateMachine,
		failureDetector:                 failureDetector,
		taskSourceFactory:               taskSourceFactory,
		taskDescriptorStorage:           taskDescriptorStorage,
		exchangeManager:                 exchangeManager,
		nodePartitioningManager:         nodePartitioningManager,
		nodeAllocator:                   nodeAllocator,
		partitionMemoryEstimatorFactory: partitionMemoryEstimatorFactory,
		taskFactory:                     taskFactory,
		stageManager:                    NewStageManager(queryStateMachine.QueryID(), plan),
		config:                          config,
		clock:                           clk,
		metrics:                         metrics,
		retryBudget:                     retryBudget,
	}
}

func (s *FaultTolerantQueryScheduler) StageManager() *StageManager {
	return s.stageManager
}

// Start constructs the per-stage schedulers and launches the scheduling loop
// on its own goroutine. Idempotent.
func (s *FaultTolerantQueryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	if s.queryStateMachine.IsDone() {
		return nil
	}

	// When the query reaches a terminal state, tear the scheduler down and
	// reflect the outcome into the stages. The teardown runs on its own
	// goroutine; listeners must not block or take scheduler locks.
	s.queryStateMachine.AddStateChangeListener(func(state QueryState) {
		if !state.Done() {
			return
		}
		go s.onQueryDone(state)
	})

	scheduler, err := s.createScheduler()
	if err != nil {
		return err
	}
	s.scheduler = scheduler
	go scheduler.schedule(ctx)
	return nil
}

func (s *FaultTolerantQueryScheduler) onQueryDone(state QueryState) {
	s.mu.Lock()
	scheduler := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()
	if state == QueryFinished {
		if scheduler != nil {
			scheduler.cancel()
		}
		s.stageManager.Finish()
	} else if state == QueryFailed {
		if scheduler != nil {
			scheduler.abort()
		}
		s.stageManager.Abort()
	}
}

func (s *FaultTolerantQueryScheduler) createScheduler() (scheduler *queryExecutor, err error) {
	queryID := s.queryStateMachine.QueryID()
	s.taskDescriptorStorage.Initialize(queryID)
	s.queryStateMachine.AddStateChangeListener(func(state QueryState) {
		if state.Done() {
			s.taskDescriptorStorage.Destroy(queryID)
		}
	})

	partitionCount := s.config.FaultTolerantExecutionPartitionCount
	schemeCache := newPartitioningSchemeCache(s.nodePartitioningManager, queryID, partitionCount)

	var stageSchedulers []*FaultTolerantStageScheduler
	exchanges := make(map[PlanFragmentID]Exchange)
	defer func() {
		if err == nil {
			return
		}
		for _, stageScheduler := range stageSchedulers {
			stageScheduler.Abort()
		}
		if closeErr := s.nodeAllocator.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
		for _, exchange := range exchanges {
			if closeErr := exchange.Close(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
		}
	}()

	stagesInTopologicalOrder := s.stageManager.StagesInTopologicalOrder()
	var outputExchange Exchange
	// Children before parents, so every source exchange exists when needed.
	for i := len(stagesInTopologicalOrder) - 1; i >= 0; i-- {
		stage := stagesInTopologicalOrder[i]
		fragment := stage.Fragment()

		outputStage := s.stageManager.OutputStage().StageID() == stage.StageID()
		// Order of output records of the stage consumed by the client must be
		// preserved, as it may produce a sorted dataset.
		exchange, exchangeErr := s.exchangeManager.CreateExchange(queryID, externalExchangeID(stage.StageID()), partitionCount, outputStage)
		if exchangeErr != nil {
			err = errors.Wrapf(exchangeErr, "creating exchange for stage %s", stage.StageID())
			return nil, err
		}
		exchanges[fragment.ID] = exchange
		if outputStage {
			outputExchange = exchange
		}

		var sourceExchanges []SourceExchange
		for _, childStage := range s.stageManager.Children(fragment.ID) {
			childFragmentID := childStage.Fragment().ID
			sourceExchange, ok := exchanges[childFragmentID]
			if !ok {
				err = errors.Errorf("exchange not found for fragment %s", childFragmentID)
				return nil, err
			}
			remoteSource, ok := fragment.RemoteSourceFor(childFragmentID)
			if !ok {
				err = errors.Errorf("fragment %s has no remote source for child fragment %s", fragment.ID, childFragmentID)
				return nil, err
			}
			sourceExchanges = append(sourceExchanges, SourceExchange{
				FragmentID: childFragmentID,
				PlanNodeID: remoteSource.PlanNodeID,
				Replicated: remoteSource.Replicated,
				Exchange:   sourceExchange,
			})
		}

		scheme, schemeErr := schemeCache.get(fragment.Partitioning)
		if schemeErr != nil {
			err = schemeErr
			return nil, err
		}

		stageSchedulers = append(stageSchedulers, NewFaultTolerantStageScheduler(
			stage,
			s.taskFactory,
			s.failureDetector,
			s.taskSourceFactory,
			s.nodeAllocator,
			s.taskDescriptorStorage,
			s.partitionMemoryEstimatorFactory(),
			exchange,
			sourceExchanges,
			scheme,
			s.retryBudget,
			s.config.TaskRetryAttemptsPerTask,
			s.config.MaxTasksWaitingForNodePerStage,
			s.metrics,
		))
	}

	if outputExchange != nil {
		queryStateMachine := s.queryStateMachine
		outputExchange.GetSourceHandles().WhenDone(func(handles []ExchangeSourceHandle, handlesErr error) {
			if handlesErr != nil {
				return
			}
			var inputs []SpoolingExchangeInput
			if len(handles) > 0 {
				inputs = append(inputs, SpoolingExchangeInput{Handles: handles})
			}
			queryStateMachine.UpdateInputsForQueryResults(inputs)
		})
	}

	return &queryExecutor{
		queryStateMachine: s.queryStateMachine,
		schedulers:        stageSchedulers,
		stageManager:      s.stageManager,
		nodeAllocator:     s.nodeAllocator,
		blockedStageWait:  s.config.BlockedStageWait,
		clock:             s.clock,
		metrics:           s.metrics,
	}, nil
}

// queryExecutor runs the cooperative scheduling loop. It is the single writer
// to every stage scheduler of the query.
type queryExecutor struct {
	queryStateMachine *QueryStateMachine
	schedulers        []*FaultTolerantStageScheduler
	stageManager      *StageManager
	nodeAllocator     *NodeAllocator
	blockedStageWait  time.Duration
	clock             clock.Clock
	metrics           *SchedulerMetrics
}

func (e *queryExecutor) schedule(ctx context.Context) {
	if len(e.schedulers) == 0 {
		e.queryStateMachine.TransitionToFinishing()
		e.finish()
		return
	}

	e.queryStateMachine.TransitionToRunning()

	for !isFinishingOrDone(e.queryStateMachine) {
		start := time.Now()
		var blockedStages []future.Awaitable
		atLeastOneStageIsNotBlocked := false
		allFinished := true
		for _, stageScheduler := range e.schedulers {
			if stageScheduler.IsFinished() {
				if stage, ok := e.stageManager.Get(stageScheduler.StageID()); ok {
					stage.Finish()
				}
				continue
			}
			allFinished = false
			blocked := stageScheduler.IsBlocked()
			if !blocked.IsDone() {
				blockedStages = append(blockedStages, blocked)
				continue
			}
			if err := stageScheduler.Schedule(); err != nil {
				e.fail(err, stageScheduler.StageID())
				return
			}
			blocked = stageScheduler.IsBlocked()
			if !blocked.IsDone() {
				blockedStages = append(blockedStages, blocked)
			} else {
				atLeastOneStageIsNotBlocked = true
			}
		}
		if e.metrics != nil {
			e.metrics.ScheduleCycleTime.Observe(time.Since(start).Seconds())
		}
		if allFinished {
			e.queryStateMachine.TransitionToFinishing()
			e.finish()
			return
		}
		// Wait for a state change and then schedule again. The wait is capped
		// so a missed signal cannot stall the query.
		if !atLeastOneStageIsNotBlocked {
			waitStart := time.Now()
			if err := future.AwaitAny(ctx, e.clock, e.blockedStageWait, blockedStages); err != nil {
				log.Debugf("scheduling cancelled for query %s: %s", e.queryStateMachine.QueryID(), err)
				e.fail(err, StageID{})
				return
			}
			if e.metrics != nil {
				e.metrics.BlockedWaitTime.Observe(time.Since(waitStart).Seconds())
			}
		}
	}
}

func (e *queryExecutor) finish() {
	e.stageManager.Finish()
	e.queryStateMachine.TransitionToFinished()
}

func (e *queryExecutor) cancel() {
	for _, stageScheduler := range e.schedulers {
		stageScheduler.Cancel()
	}
	e.closeNodeAllocator()
}

func (e *queryExecutor) abort() {
	for _, stageScheduler := range e.schedulers {
		stageScheduler.Abort()
	}
	e.closeNodeAllocator()
}

func (e *queryExecutor) fail(cause error, failedStageID StageID) {
	e.abort()
	for _, stage := range e.stageManager.StagesInTopologicalOrder() {
		if stage.StageID() == failedStageID {
			stage.Fail(cause)
		} else {
			stage.Abort()
		}
	}
	if e.metrics != nil {
		e.metrics.QueriesFailed.Inc()
	}
	e.queryStateMachine.TransitionToFailed(cause)
}

func (e *queryExecutor) closeNodeAllocator() {
	if err := e.nodeAllocator.Close(); err != nil {
		log.WithError(err).Warnf("error closing node allocator for query %s", e.queryStateMachine.QueryID())
	}
}

func isFinishingOrDone(queryStateMachine *QueryStateMachine) bool {
	state := queryStateMachine.State()
	return state == QueryFinishing || state.Done()
}

// partitioningSchemeCache builds one partitioning scheme per handle and
// query, so a bucket maps to the same partition across every stage.
type partitioningSchemeCache struct {
	nodePartitioningManager NodePartitioningManager
	queryID                 QueryID
	partitionCount          int
	schemes                 map[PartitioningHandle]*FaultTolerantPartitioningScheme
}

func newPartitioningSchemeCache(nodePartitioningManager NodePartitioningManager, queryID QueryID, partitionCount int) *partitioningSchemeCache {
	return &partitioningSchemeCache{
		nodePartitioningManager: nodePartitioningManager,
		queryID:                 queryID,
		partitionCount:          partitionCount,
		schemes:                 make(map[PartitioningHandle]*FaultTolerantPartitioningScheme),
	}
}

func (c *partitioningSchemeCache) get(handle PartitioningHandle) (*FaultTolerantPartitioningScheme, error) {
	if scheme, ok := c.schemes[handle]; ok {
		return scheme, nil
	}
	scheme, err := c.create(handle)
	if err != nil {
		return nil, err
	}
	c.schemes[handle] = scheme
	return scheme, nil
}

func (c *partitioningSchemeCache) create(handle PartitioningHandle) (*FaultTolerantPartitioningScheme, error) {
	if handle.Kind != FixedHashPartitioning {
		return NewFaultTolerantPartitioningScheme(1, nil, nil, nil), nil
	}
	if handle.CatalogHandle == "" {
		bucketToPartition := make([]int, c.partitionCount)
		for i := range bucketToPartition {
			bucketToPartition[i] = i
		}
		return NewFaultTolerantPartitioningScheme(c.partitionCount, bucketToPartition, nil, nil), nil
	}

	bucketNodeMap, err := c.nodePartitioningManager.GetBucketNodeMap(c.queryID, handle)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving bucket node map for catalog %s", handle.CatalogHandle)
	}
	splitToBucket, err := c.nodePartitioningManager.GetSplitToBucket(c.queryID, handle)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving split to bucket function for catalog %s", handle.CatalogHandle)
	}
	bucketCount := bucketNodeMap.BucketCount()
	bucketToPartition := make([]int, bucketCount)
	// Buckets assigned to the same node map to the same partition, such that
	// locality requirements are respected in scheduling.
	nodeToPartition := make(map[string]int)
	var partitionToNode []*InternalNode
	for bucket := 0; bucket < bucketCount; bucket++ {
		node := bucketNodeMap.AssignedNode(bucket)
		partitionID, ok := nodeToPartition[node.NodeID]
		if !ok {
			partitionID = len(partitionToNode)
			nodeToPartition[node.NodeID] = partitionID
			partitionToNode = append(partitionToNode, node)
		}
		bucketToPartition[bucket] = partitionID
	}
	return NewFaultTolerantPartitioningScheme(len(partitionToNode), bucketToPartition, splitToBucket, partitionToNode), nil
}
