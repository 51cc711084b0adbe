package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/swelldb/swell/internal/common/future"
)

// Data to be used in tests
const (
	testCatalog CatalogHandle = "test_catalog"
	testQueryID QueryID       = "query_1"

	planNode1 PlanNodeID = "planNode1"
	planNode2 PlanNodeID = "planNode2"
	planNode3 PlanNodeID = "planNode3"
	planNode4 PlanNodeID = "planNode4"
	planNode5 PlanNodeID = "planNode5"

	nodeAddress HostAddress = "testaddress:8080"
)

type testingExchangeSourceHandle struct {
	partitionID int
	size        int64
}

func (h testingExchangeSourceHandle) PartitionID() int {
	return h.partitionID
}

func (h testingExchangeSourceHandle) DataSizeInBytes() int64 {
	return h.size
}

func handle(partitionID int, size int64) ExchangeSourceHandle {
	return testingExchangeSourceHandle{partitionID: partitionID, size: size}
}

type testingExchangeSink struct {
	exchange    *testingExchange
	partitionID int
}

func (s *testingExchangeSink) Finish() error {
	s.exchange.mu.Lock()
	defer s.exchange.mu.Unlock()
	s.exchange.finishedSinks = append(s.exchange.finishedSinks, s.partitionID)
	return nil
}

func (s *testingExchangeSink) Abort() error {
	s.exchange.mu.Lock()
	defer s.exchange.mu.Unlock()
	s.exchange.abortedSinks = append(s.exchange.abortedSinks, s.partitionID)
	return nil
}

// testingExchange produces one source handle of handleSize bytes per finished
// sink and resolves its handle future on NoMoreSinks.
type testingExchange struct {
	preserveOrder bool
	handleSize    int64

	mu            sync.Mutex
	handles       *future.Future[[]ExchangeSourceHandle]
	finishedSinks []int
	abortedSinks  []int
	noMoreSinks   bool
	closed        bool
}

func newTestingExchange() *testingExchange {
	return &testingExchange{
		handleSize: 1,
		handles:    future.New[[]ExchangeSourceHandle](),
	}
}

func (e *testingExchange) CreateSink(taskPartitionID int) (ExchangeSink, error) {
	return &testingExchangeSink{exchange: e, partitionID: taskPartitionID}, nil
}

func (e *testingExchange) NoMoreSinks() {
	e.mu.Lock()
	e.noMoreSinks = true
	var handles []ExchangeSourceHandle
	for _, partitionID := range e.finishedSinks {
		handles = append(handles, handle(partitionID, e.handleSize))
	}
	e.mu.Unlock()
	e.handles.Complete(handles)
}

func (e *testingExchange) GetSourceHandles() *future.Future[[]ExchangeSourceHandle] {
	return e.handles
}

func (e *testingExchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type testingExchangeManager struct {
	mu        sync.Mutex
	exchanges map[ExchangeID]*testingExchange
}

func newTestingExchangeManager() *testingExchangeManager {
	return &testingExchangeManager{exchanges: make(map[ExchangeID]*testingExchange)}
}

func (m *testingExchangeManager) CreateExchange(queryID QueryID, id ExchangeID, outputPartitionCount int, preserveOrder bool) (Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exchange := newTestingExchange()
	exchange.preserveOrder = preserveOrder
	m.exchanges[id] = exchange
	return exchange, nil
}

// testingConnectorSplit must always be used through a pointer so that splits
// compare by identity.
type testingConnectorSplit struct {
	id        int
	bucket    int
	addresses []HostAddress
	weight    SplitWeight
}

func (s *testingConnectorSplit) Weight() SplitWeight {
	return s.weight
}

func (s *testingConnectorSplit) Addresses() []HostAddress {
	return s.addresses
}

func (s *testingConnectorSplit) RetainedBytes() int64 {
	return 64
}

func createSplit(id int, addresses ...HostAddress) Split {
	return createWeightedSplit(id, StandardSplitWeight, addresses...)
}

func createWeightedSplit(id int, weight SplitWeight, addresses ...HostAddress) Split {
	return Split{
		CatalogHandle: testCatalog,
		Connector:     &testingConnectorSplit{id: id, bucket: -1, addresses: addresses, weight: weight},
	}
}

func createBucketedSplit(id int, bucket int) Split {
	return Split{
		CatalogHandle: testCatalog,
		Connector:     &testingConnectorSplit{id: id, bucket: bucket, weight: StandardSplitWeight},
	}
}

func bucketOf(split Split) int {
	return split.Connector.(*testingConnectorSplit).bucket
}

// testingSplitSource returns batches of the given splits, optionally delaying
// the no-more-splits signal by a number of empty batches.
type testingSplitSource struct {
	catalog CatalogHandle

	mu          sync.Mutex
	pending     *future.Future[[]Split]
	splits      []Split
	loaded      bool
	finishDelay int
	closed      bool
}

func newTestingSplitSource(catalog CatalogHandle, splits []Split) *testingSplitSource {
	return &testingSplitSource{catalog: catalog, splits: splits, loaded: true}
}

func newTestingSplitSourceWithDelay(catalog CatalogHandle, splits []Split, finishDelay int) *testingSplitSource {
	return &testingSplitSource{catalog: catalog, splits: splits, loaded: true, finishDelay: finishDelay}
}

func newAsyncTestingSplitSource(catalog CatalogHandle, pending *future.Future[[]Split]) *testingSplitSource {
	return &testingSplitSource{catalog: catalog, pending: pending}
}

func (s *testingSplitSource) GetNextBatch(ctx context.Context, maxSize int) (SplitBatch, error) {
	s.mu.Lock()
	if !s.loaded {
		pending := s.pending
		s.mu.Unlock()
		splits, err := pending.Get(ctx)
		if err != nil {
			return SplitBatch{}, err
		}
		s.mu.Lock()
		if !s.loaded {
			s.splits = splits
			s.loaded = true
		}
	}
	defer s.mu.Unlock()
	batch := SplitBatch{}
	if len(s.splits) > 0 {
		n := maxSize
		if n > len(s.splits) {
			n = len(s.splits)
		}
		batch.Splits = s.splits[:n]
		s.splits = s.splits[n:]
	}
	if len(s.splits) == 0 {
		if s.finishDelay > 0 {
			s.finishDelay--
		} else {
			batch.NoMoreSplits = true
		}
	}
	return batch, nil
}

func (s *testingSplitSource) CatalogHandle() CatalogHandle {
	return s.catalog
}

func (s *testingSplitSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type testingSplitSourceFactory struct {
	sources map[PlanNodeID]ConnectorSplitSource
}

func (f *testingSplitSourceFactory) CreateSplitSources(queryID QueryID, fragment *PlanFragment) (map[PlanNodeID]ConnectorSplitSource, error) {
	sources := make(map[PlanNodeID]ConnectorSplitSource)
	for _, planNodeID := range fragment.TableScanNodes {
		source, ok := f.sources[planNodeID]
		if !ok {
			return nil, errors.Errorf("no split source for plan node %s", planNodeID)
		}
		sources[planNodeID] = source
	}
	return sources, nil
}

type testingNodeManager struct {
	node *InternalNode
}

func (m *testingNodeManager) CurrentNode() *InternalNode {
	return m.node
}

func testingCoordinatorNode() *InternalNode {
	return &InternalNode{
		NodeID:      "coordinator",
		Address:     nodeAddress,
		Coordinator: true,
		Memory:      64 * datasize.GB,
	}
}

// testingRemoteTask lets tests drive attempt outcomes. onStart, when set on
// the factory, is invoked synchronously from Start.
type testingRemoteTask struct {
	taskID TaskID
	node   *InternalNode
	splits map[PlanNodeID][]Split

	mu        sync.Mutex
	state     TaskState
	listeners []func(TaskStatus)
	started   bool
	cancelled bool
	aborted   bool

	onStart func(*testingRemoteTask)
}

func (t *testingRemoteTask) TaskID() TaskID {
	return t.taskID
}

func (t *testingRemoteTask) Start() {
	t.mu.Lock()
	t.started = true
	t.state = TaskRunning
	onStart := t.onStart
	t.mu.Unlock()
	if onStart != nil {
		onStart(t)
	}
}

func (t *testingRemoteTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
}

func (t *testingRemoteTask) Abort() {
	t.mu.Lock()
	t.aborted = true
	t.mu.Unlock()
	t.transition(TaskStatus{TaskID: t.taskID, State: TaskAborted})
}

func (t *testingRemoteTask) AddStateChangeListener(listener func(TaskStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

func (t *testingRemoteTask) succeed() {
	t.transition(TaskStatus{TaskID: t.taskID, State: TaskFinished, CPUTimeMillis: 100})
}

func (t *testingRemoteTask) fail(failure error) {
	t.transition(TaskStatus{TaskID: t.taskID, State: TaskFailed, Failure: failure})
}

func (t *testingRemoteTask) transition(status TaskStatus) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = status.State
	listeners := append([]func(TaskStatus){}, t.listeners...)
	t.mu.Unlock()
	for _, listener := range listeners {
		listener(status)
	}
}

type testingRemoteTaskFactory struct {
	mu      sync.Mutex
	tasks   []*testingRemoteTask
	onStart func(*testingRemoteTask)
}

func (f *testingRemoteTaskFactory) CreateRemoteTask(
	taskID TaskID,
	node *InternalNode,
	fragment *PlanFragment,
	splits map[PlanNodeID][]Split,
	sink ExchangeSink,
	memoryLimit datasize.ByteSize,
) (RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task := &testingRemoteTask{taskID: taskID, node: node, splits: splits, onStart: f.onStart}
	f.tasks = append(f.tasks, task)
	return task, nil
}

func (f *testingRemoteTaskFactory) createdTasks() []*testingRemoteTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*testingRemoteTask{}, f.tasks...)
}

// staticTaskSource emits one predefined batch.
type staticTaskSource struct {
	mu       sync.Mutex
	tasks    []TaskDescriptor
	finished bool
	closed   bool
}

func (s *staticTaskSource) MoreTasks() *future.Future[[]TaskDescriptor] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return future.Completed[[]TaskDescriptor](nil)
	}
	s.finished = true
	return future.Completed(s.tasks)
}

func (s *staticTaskSource) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *staticTaskSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type staticTaskSourceFactory struct {
	source TaskSource
}

func (f *staticTaskSourceFactory) CreateTaskSource(
	queryID QueryID,
	fragment *PlanFragment,
	partitionedHandles []PlanNodeHandle,
	replicatedHandles map[PlanNodeID][]ExchangeSourceHandle,
	scheme *FaultTolerantPartitioningScheme,
) (TaskSource, error) {
	return f.source, nil
}

func readAllTasks(t *testing.T, taskSource TaskSource) []TaskDescriptor {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var tasks []TaskDescriptor
	for !taskSource.IsFinished() {
		batch, err := taskSource.MoreTasks().Get(ctx)
		require.NoError(t, err)
		tasks = append(tasks, batch...)
	}
	return tasks
}

func extractSourceHandles(splits map[PlanNodeID][]Split) map[PlanNodeID][]ExchangeSourceHandle {
	result := make(map[PlanNodeID][]ExchangeSourceHandle)
	for planNodeID, planNodeSplits := range splits {
		for _, split := range planNodeSplits {
			if split.IsRemote() {
				remote := split.Connector.(RemoteSplit)
				result[planNodeID] = append(result[planNodeID], remote.ExchangeInput.Handles...)
			}
		}
	}
	return result
}

func extractCatalogSplits(splits map[PlanNodeID][]Split) map[PlanNodeID][]Split {
	result := make(map[PlanNodeID][]Split)
	for planNodeID, planNodeSplits := range splits {
		for _, split := range planNodeSplits {
			if !split.IsRemote() {
				result[planNodeID] = append(result[planNodeID], split)
			}
		}
	}
	return result
}

func flattenSplits(tasks []TaskDescriptor) map[PlanNodeID][]Split {
	result := make(map[PlanNodeID][]Split)
	for _, task := range tasks {
		for planNodeID, splits := range task.Splits {
			result[planNodeID] = append(result[planNodeID], splits...)
		}
	}
	return result
}

func identityPartitioningScheme(partitionCount int) *FaultTolerantPartitioningScheme {
	bucketToPartition := make([]int, partitionCount)
	for i := range bucketToPartition {
		bucketToPartition[i] = i
	}
	return NewFaultTolerantPartitioningScheme(partitionCount, bucketToPartition, nil, nil)
}

func bucketedPartitioningScheme(partitionCount, bucketCount int, node *InternalNode) *FaultTolerantPartitioningScheme {
	bucketToPartition := make([]int, bucketCount)
	for i := range bucketToPartition {
		bucketToPartition[i] = i % partitionCount
	}
	partitionToNode := make([]*InternalNode, partitionCount)
	for i := range partitionToNode {
		partitionToNode[i] = node
	}
	return NewFaultTolerantPartitioningScheme(partitionCount, bucketToPartition, bucketOf, partitionToNode)
}
