package scheduler

import (
	"context"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/swelldb/swell/internal/common/future"
)

// TaskSource lazily enumerates the task descriptors of one stage.
//
// MoreTasks resolves when at least one new task is ready or the source is
// exhausted; at exhaustion it may resolve with an empty batch. IsFinished
// transitions from false to true exactly once, after the last batch has been
// produced. Close releases split sources and pending futures and is
// idempotent.
type TaskSource interface {
	MoreTasks() *future.Future[[]TaskDescriptor]
	IsFinished() bool
	Close() error
}

// PlanNodeHandle is an exchange source handle tagged with the plan node that
// consumes it. Slices of PlanNodeHandle preserve insertion order across plan
// nodes, which the packing algorithms depend on.
type PlanNodeHandle struct {
	PlanNodeID PlanNodeID
	Handle     ExchangeSourceHandle
}

// TaskSourceFactory creates the task source matching a fragment's
// partitioning.
type TaskSourceFactory interface {
	CreateTaskSource(
		queryID QueryID,
		fragment *PlanFragment,
		partitionedHandles []PlanNodeHandle,
		replicatedHandles map[PlanNodeID][]ExchangeSourceHandle,
		scheme *FaultTolerantPartitioningScheme,
	) (TaskSource, error)
}

// StageTaskSourceFactory is the production TaskSourceFactory.
type StageTaskSourceFactory struct {
	splitSourceFactory SplitSourceFactory
	nodeManager        InternalNodeManager

	splitBatchSize             int
	targetPartitionSplitWeight SplitWeight
	targetPartitionSourceSize  datasize.ByteSize
	targetPartitionSize        datasize.ByteSize
	minSplitsPerTask           int
	maxSplitsPerTask           int
	splitWeightPerTask         SplitWeight
}

func NewStageTaskSourceFactory(
	splitSourceFactory SplitSourceFactory,
	nodeManager InternalNodeManager,
	splitBatchSize int,
	targetPartitionSplitWeight SplitWeight,
	targetPartitionSourceSize datasize.ByteSize,
	targetPartitionSize datasize.ByteSize,
	minSplitsPerTask int,
	maxSplitsPerTask int,
	splitWeightPerTask SplitWeight,
) *StageTaskSourceFactory {
	return &StageTaskSourceFactory{
		splitSourceFactory:         splitSourceFactory,
		nodeManager:                nodeManager,
		splitBatchSize:             splitBatchSize,
		targetPartitionSplitWeight: targetPartitionSplitWeight,
		targetPartitionSourceSize:  targetPartitionSourceSize,
		targetPartitionSize:        targetPartitionSize,
		minSplitsPerTask:           minSplitsPerTask,
		maxSplitsPerTask:           maxSplitsPerTask,
		splitWeightPerTask:         splitWeightPerTask,
	}
}

func (f *StageTaskSourceFactory) CreateTaskSource(
	queryID QueryID,
	fragment *PlanFragment,
	partitionedHandles []PlanNodeHandle,
	replicatedHandles map[PlanNodeID][]ExchangeSourceHandle,
	scheme *FaultTolerantPartitioningScheme,
) (TaskSource, error) {
	switch fragment.Partitioning.Kind {
	case SinglePartitioning, CoordinatorPartitioning:
		handles := groupHandles(partitionedHandles)
		for planNodeID, replicated := range replicatedHandles {
			handles[planNodeID] = append(handles[planNodeID], replicated...)
		}
		return NewSingleDistributionTaskSource(
			CreateRemoteSplits(handles),
			f.nodeManager,
			fragment.Partitioning.Kind == CoordinatorPartitioning,
		), nil
	case ArbitraryPartitioning:
		return NewArbitraryDistributionTaskSource(
			partitionedHandles,
			replicatedHandles,
			f.targetPartitionSize,
		), nil
	case FixedHashPartitioning:
		splitSources, err := f.splitSourceFactory.CreateSplitSources(queryID, fragment)
		if err != nil {
			return nil, err
		}
		return NewHashDistributionTaskSource(
			splitSources,
			partitionedHandles,
			replicatedHandles,
			f.splitBatchSize,
			scheme,
			fragment.CatalogHandle,
			f.targetPartitionSplitWeight,
			f.targetPartitionSourceSize,
		), nil
	case SourcePartitioning:
		if len(fragment.TableScanNodes) != 1 {
			return nil, errors.Errorf(
				"source distributed fragment %s must have exactly one table scan node, got %d",
				fragment.ID, len(fragment.TableScanNodes))
		}
		splitSources, err := f.splitSourceFactory.CreateSplitSources(queryID, fragment)
		if err != nil {
			return nil, err
		}
		planNodeID := fragment.TableScanNodes[0]
		splitSource, ok := splitSources[planNodeID]
		if !ok {
			return nil, errors.Errorf("no split source for plan node %s", planNodeID)
		}
		return NewSourceDistributionTaskSource(
			queryID,
			planNodeID,
			splitSource,
			CreateRemoteSplits(replicatedHandles),
			f.splitBatchSize,
			fragment.CatalogHandle,
			f.minSplitsPerTask,
			f.splitWeightPerTask,
			f.maxSplitsPerTask,
		), nil
	default:
		return nil, errors.Errorf("unexpected partitioning %s of fragment %s", fragment.Partitioning.Kind, fragment.ID)
	}
}

func groupHandles(handles []PlanNodeHandle) map[PlanNodeID][]ExchangeSourceHandle {
	grouped := make(map[PlanNodeID][]ExchangeSourceHandle)
	for _, entry := range handles {
		grouped[entry.PlanNodeID] = append(grouped[entry.PlanNodeID], entry.Handle)
	}
	return grouped
}

// SingleDistributionTaskSource emits exactly one task holding every split.
// With coordinatorOnly set, the task is pinned to the coordinator address.
type SingleDistributionTaskSource struct {
	splits          map[PlanNodeID][]Split
	nodeManager     InternalNodeManager
	coordinatorOnly bool

	mu       sync.Mutex
	finished bool
}

func NewSingleDistributionTaskSource(splits map[PlanNodeID][]Split, nodeManager InternalNodeManager, coordinatorOnly bool) *SingleDistributionTaskSource {
	return &SingleDistributionTaskSource{
		splits:          splits,
		nodeManager:     nodeManager,
		coordinatorOnly: coordinatorOnly,
	}
}

func (s *SingleDistributionTaskSource) MoreTasks() *future.Future[[]TaskDescriptor] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return future.Completed[[]TaskDescriptor](nil)
	}
	s.finished = true
	requirements := NewNodeRequirements("")
	if s.coordinatorOnly {
		requirements = NewNodeRequirements("", s.nodeManager.CurrentNode().Address)
	}
	task := TaskDescriptor{
		PartitionID:      0,
		Splits:           s.splits,
		NodeRequirements: requirements,
	}
	return future.Completed([]TaskDescriptor{task})
}

func (s *SingleDistributionTaskSource) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *SingleDistributionTaskSource) Close() error {
	return nil
}

// ArbitraryDistributionTaskSource packs non-replicated exchange source
// handles greedily into partitions by byte size. A handle is appended to the
// open partition unless that would push the running total past the target;
// a partition whose total reaches the target is sealed. A single handle
// larger than the target forms its own partition. Replicated handles are
// appended to every emitted task.
type ArbitraryDistributionTaskSource struct {
	partitionedHandles  []PlanNodeHandle
	replicatedHandles   map[PlanNodeID][]ExchangeSourceHandle
	targetPartitionSize datasize.ByteSize

	mu       sync.Mutex
	finished bool
}

func NewArbitraryDistributionTaskSource(
	partitionedHandles []PlanNodeHandle,
	replicatedHandles map[PlanNodeID][]ExchangeSourceHandle,
	targetPartitionSize datasize.ByteSize,
) *ArbitraryDistributionTaskSource {
	return &ArbitraryDistributionTaskSource{
		partitionedHandles:  partitionedHandles,
		replicatedHandles:   replicatedHandles,
		targetPartitionSize: targetPartitionSize,
	}
}

func (s *ArbitraryDistributionTaskSource) MoreTasks() *future.Future[[]TaskDescriptor] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return future.Completed[[]TaskDescriptor](nil)
	}
	s.finished = true

	var tasks []TaskDescriptor
	partitionID := 0
	var open []PlanNodeHandle
	var openBytes int64

	seal := func() {
		if len(open) == 0 {
			return
		}
		tasks = append(tasks, s.createTask(partitionID, open))
		partitionID++
		open = nil
		openBytes = 0
	}

	target := int64(s.targetPartitionSize)
	for _, entry := range s.partitionedHandles {
		size := entry.Handle.DataSizeInBytes()
		if len(open) > 0 && openBytes+size > target {
			seal()
		}
		open = append(open, entry)
		openBytes += size
		if openBytes >= target {
			seal()
		}
	}
	seal()

	return future.Completed(tasks)
}

func (s *ArbitraryDistributionTaskSource) createTask(partitionID int, handles []PlanNodeHandle) TaskDescriptor {
	splits := CreateRemoteSplits(groupHandles(handles))
	for planNodeID, replicated := range s.replicatedHandles {
		splits[planNodeID] = append(splits[planNodeID], NewRemoteSplit(replicated))
	}
	return TaskDescriptor{
		PartitionID:      partitionID,
		Splits:           splits,
		NodeRequirements: NewNodeRequirements(""),
	}
}

func (s *ArbitraryDistributionTaskSource) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *ArbitraryDistributionTaskSource) Close() error {
	return nil
}

// HashDistributionTaskSource groups bucketed connector splits and partitioned
// exchange source handles by downstream partition, then joins adjacent
// partitions into tasks while the accumulated split weight and exchange bytes
// stay within their targets and node affinity matches.
type HashDistributionTaskSource struct {
	splitSources               map[PlanNodeID]ConnectorSplitSource
	partitionedHandles         []PlanNodeHandle
	replicatedHandles          map[PlanNodeID][]ExchangeSourceHandle
	splitBatchSize             int
	scheme                     *FaultTolerantPartitioningScheme
	catalogRequirement         CatalogHandle
	targetPartitionSplitWeight SplitWeight
	targetPartitionSourceSize  datasize.ByteSize

	mu       sync.Mutex
	tasks    *future.Future[[]TaskDescriptor]
	finished bool
	cancel   context.CancelFunc
	closed   bool
}

func NewHashDistributionTaskSource(
	splitSources map[PlanNodeID]ConnectorSplitSource,
	partitionedHandles []PlanNodeHandle,
	replicatedHandles map[PlanNodeID][]ExchangeSourceHandle,
	splitBatchSize int,
	scheme *FaultTolerantPartitioningScheme,
	catalogRequirement CatalogHandle,
	targetPartitionSplitWeight SplitWeight,
	targetPartitionSourceSize datasize.ByteSize,
) *HashDistributionTaskSource {
	return &HashDistributionTaskSource{
		splitSources:               splitSources,
		partitionedHandles:         partitionedHandles,
		replicatedHandles:          replicatedHandles,
		splitBatchSize:             splitBatchSize,
		scheme:                     scheme,
		catalogRequirement:         catalogRequirement,
		targetPartitionSplitWeight: targetPartitionSplitWeight,
		targetPartitionSourceSize:  targetPartitionSourceSize,
	}
}

// hashPartitionInput is the accumulated input of one downstream partition.
type hashPartitionInput struct {
	splits  map[PlanNodeID][]Split
	handles []PlanNodeHandle
	weight  SplitWeight
	bytes   int64
}

func (s *HashDistributionTaskSource) MoreTasks() *future.Future[[]TaskDescriptor] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks == nil {
		s.tasks = future.New[[]TaskDescriptor]()
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.loadTasks(ctx)
		return s.tasks
	}
	if s.tasks.IsDone() {
		return future.Completed[[]TaskDescriptor](nil)
	}
	return s.tasks
}

func (s *HashDistributionTaskSource) loadTasks(ctx context.Context) {
	splitsByPartition := make(map[int]map[PlanNodeID][]Split)
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for planNodeID, splitSource := range s.splitSources {
		planNodeID, splitSource := planNodeID, splitSource
		group.Go(func() error {
			for {
				batch, err := splitSource.GetNextBatch(groupCtx, s.splitBatchSize)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, split := range batch.Splits {
					partition := s.scheme.SplitPartition(split)
					if splitsByPartition[partition] == nil {
						splitsByPartition[partition] = make(map[PlanNodeID][]Split)
					}
					splitsByPartition[partition][planNodeID] = append(splitsByPartition[partition][planNodeID], split)
				}
				mu.Unlock()
				if batch.NoMoreSplits {
					return nil
				}
			}
		})
	}
	err := group.Wait()
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	if err != nil {
		s.tasks.Fail(err)
		return
	}
	s.tasks.Complete(s.buildTasks(splitsByPartition))
}

func (s *HashDistributionTaskSource) buildTasks(splitsByPartition map[int]map[PlanNodeID][]Split) []TaskDescriptor {
	inputs := make(map[int]*hashPartitionInput)
	input := func(partition int) *hashPartitionInput {
		in := inputs[partition]
		if in == nil {
			in = &hashPartitionInput{splits: make(map[PlanNodeID][]Split)}
			inputs[partition] = in
		}
		return in
	}

	for partition, splits := range splitsByPartition {
		in := input(partition)
		for planNodeID, planNodeSplits := range splits {
			in.splits[planNodeID] = append(in.splits[planNodeID], planNodeSplits...)
			for _, split := range planNodeSplits {
				in.weight += split.Weight()
			}
		}
	}
	for _, entry := range s.partitionedHandles {
		in := input(s.scheme.HandlePartition(entry.Handle))
		in.handles = append(in.handles, entry)
		in.bytes += entry.Handle.DataSizeInBytes()
	}

	partitions := maps.Keys(inputs)
	slices.Sort(partitions)

	var tasks []TaskDescriptor
	taskPartitionID := 0
	var openPartitions []int
	var openWeight SplitWeight
	var openBytes int64

	seal := func() {
		if len(openPartitions) == 0 {
			return
		}
		tasks = append(tasks, s.createTask(taskPartitionID, openPartitions, inputs))
		taskPartitionID++
		openPartitions = nil
		openWeight = 0
		openBytes = 0
	}

	for _, partition := range partitions {
		in := inputs[partition]
		if len(openPartitions) > 0 {
			affinityMatches := slices.Equal(
				s.scheme.NodeRequirementAddresses(openPartitions[0]),
				s.scheme.NodeRequirementAddresses(partition))
			if !affinityMatches ||
				openWeight+in.weight > s.targetPartitionSplitWeight ||
				openBytes+in.bytes > int64(s.targetPartitionSourceSize) {
				seal()
			}
		}
		openPartitions = append(openPartitions, partition)
		openWeight += in.weight
		openBytes += in.bytes
		if openWeight >= s.targetPartitionSplitWeight || openBytes >= int64(s.targetPartitionSourceSize) {
			seal()
		}
	}
	seal()
	return tasks
}

func (s *HashDistributionTaskSource) createTask(taskPartitionID int, partitions []int, inputs map[int]*hashPartitionInput) TaskDescriptor {
	splits := make(map[PlanNodeID][]Split)
	var handles []PlanNodeHandle
	for _, partition := range partitions {
		in := inputs[partition]
		planNodeIDs := maps.Keys(in.splits)
		slices.Sort(planNodeIDs)
		for _, planNodeID := range planNodeIDs {
			splits[planNodeID] = append(splits[planNodeID], in.splits[planNodeID]...)
		}
		handles = append(handles, in.handles...)
	}
	for planNodeID, planNodeHandles := range groupHandles(handles) {
		splits[planNodeID] = append(splits[planNodeID], NewRemoteSplit(planNodeHandles))
	}
	for planNodeID, replicated := range s.replicatedHandles {
		splits[planNodeID] = append(splits[planNodeID], NewRemoteSplit(replicated))
	}
	return TaskDescriptor{
		PartitionID:      taskPartitionID,
		Splits:           splits,
		NodeRequirements: NewNodeRequirements(s.catalogRequirement, s.scheme.NodeRequirementAddresses(partitions[0])...),
	}
}

func (s *HashDistributionTaskSource) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *HashDistributionTaskSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var result *multierror.Error
	for _, splitSource := range s.splitSources {
		if err := splitSource.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// SourceDistributionTaskSource reads one connector split source and seals a
// task whenever an accumulated batch reaches the weight or count targets.
// Splits pinned to hosts only combine with splits sharing an address; the
// remainder is always emitted as a final task once the source is exhausted.
type SourceDistributionTaskSource struct {
	queryID            QueryID
	planNodeID         PlanNodeID
	splitSource        ConnectorSplitSource
	replicatedSplits   map[PlanNodeID][]Split
	splitBatchSize     int
	catalogRequirement CatalogHandle
	minSplitsPerTask   int
	splitWeightPerTask SplitWeight
	maxSplitsPerTask   int

	mu            sync.Mutex
	outstanding   *future.Future[[]TaskDescriptor]
	groups        *splitGroups
	nextPartition int
	finished      bool
	closed        bool
	cancel        context.CancelFunc
}

func NewSourceDistributionTaskSource(
	queryID QueryID,
	planNodeID PlanNodeID,
	splitSource ConnectorSplitSource,
	replicatedSplits map[PlanNodeID][]Split,
	splitBatchSize int,
	catalogRequirement CatalogHandle,
	minSplitsPerTask int,
	splitWeightPerTask SplitWeight,
	maxSplitsPerTask int,
) *SourceDistributionTaskSource {
	return &SourceDistributionTaskSource{
		queryID:            queryID,
		planNodeID:         planNodeID,
		splitSource:        splitSource,
		replicatedSplits:   replicatedSplits,
		splitBatchSize:     splitBatchSize,
		catalogRequirement: catalogRequirement,
		minSplitsPerTask:   minSplitsPerTask,
		splitWeightPerTask: splitWeightPerTask,
		maxSplitsPerTask:   maxSplitsPerTask,
		groups:             newSplitGroups(),
	}
}

func (s *SourceDistributionTaskSource) MoreTasks() *future.Future[[]TaskDescriptor] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding != nil && !s.outstanding.IsDone() {
		return s.outstanding
	}
	if s.finished {
		return future.Completed[[]TaskDescriptor](nil)
	}
	result := future.New[[]TaskDescriptor]()
	s.outstanding = result
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loadTasks(ctx, result)
	return result
}

func (s *SourceDistributionTaskSource) loadTasks(ctx context.Context, result *future.Future[[]TaskDescriptor]) {
	var tasks []TaskDescriptor
	for len(tasks) == 0 {
		batch, err := s.splitSource.GetNextBatch(ctx, s.splitBatchSize)
		if err != nil {
			result.Fail(err)
			return
		}
		s.mu.Lock()
		for _, split := range batch.Splits {
			s.groups.add(split)
			for _, address := range groupAddresses(split) {
				group := s.groups.get(address)
				if s.groupReady(group) {
					tasks = append(tasks, s.sealTaskLocked(address, group.splits))
					break
				}
			}
		}
		if batch.NoMoreSplits {
			tasks = append(tasks, s.drainRemainderLocked()...)
			s.finished = true
			s.mu.Unlock()
			result.Complete(tasks)
			return
		}
		s.mu.Unlock()
	}
	result.Complete(tasks)
}

// groupReady reports whether a pending group must be sealed into a task.
func (s *SourceDistributionTaskSource) groupReady(group *splitGroup) bool {
	if len(group.splits) >= s.maxSplitsPerTask {
		return true
	}
	return group.weight >= s.splitWeightPerTask && len(group.splits) >= s.minSplitsPerTask
}

func (s *SourceDistributionTaskSource) sealTaskLocked(address HostAddress, splits []Split) TaskDescriptor {
	// splits may alias a group's pending slice, which remove mutates in place.
	splits = slices.Clone(splits)
	s.groups.remove(splits)
	taskSplits := map[PlanNodeID][]Split{s.planNodeID: splits}
	for planNodeID, replicated := range s.replicatedSplits {
		taskSplits[planNodeID] = append(taskSplits[planNodeID], replicated...)
	}
	requirements := NewNodeRequirements(s.catalogRequirement)
	if address != anyAddress {
		requirements = NewNodeRequirements(s.catalogRequirement, address)
	}
	task := TaskDescriptor{
		PartitionID:      s.nextPartition,
		Splits:           taskSplits,
		NodeRequirements: requirements,
	}
	s.nextPartition++
	return task
}

// drainRemainderLocked flushes pending splits once the source is exhausted,
// anchoring each task on the address shared by the most pending splits.
func (s *SourceDistributionTaskSource) drainRemainderLocked() []TaskDescriptor {
	var tasks []TaskDescriptor
	for {
		address, group := s.groups.largest()
		if group == nil {
			return tasks
		}
		splits := group.splits
		if len(splits) > s.maxSplitsPerTask {
			splits = splits[:s.maxSplitsPerTask]
		}
		tasks = append(tasks, s.sealTaskLocked(address, splits))
	}
}

func (s *SourceDistributionTaskSource) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *SourceDistributionTaskSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return s.splitSource.Close()
}

// anyAddress groups remotely accessible splits.
const anyAddress HostAddress = ""

func groupAddresses(split Split) []HostAddress {
	addresses := split.Addresses()
	if len(addresses) == 0 {
		return []HostAddress{anyAddress}
	}
	return addresses
}

type splitGroup struct {
	splits []Split
	weight SplitWeight
}

// splitGroups indexes pending splits by host address, in address insertion
// order. A split pinned to several hosts is pending in all of its groups
// until sealed into a task.
type splitGroups struct {
	order  []HostAddress
	groups map[HostAddress]*splitGroup
}

func newSplitGroups() *splitGroups {
	return &splitGroups{groups: make(map[HostAddress]*splitGroup)}
}

func (g *splitGroups) add(split Split) {
	for _, address := range groupAddresses(split) {
		group := g.groups[address]
		if group == nil {
			group = &splitGroup{}
			g.groups[address] = group
			g.order = append(g.order, address)
		}
		group.splits = append(group.splits, split)
		group.weight += split.Weight()
	}
}

func (g *splitGroups) get(address HostAddress) *splitGroup {
	return g.groups[address]
}

// remove drops the given splits from every group they are pending in.
func (g *splitGroups) remove(splits []Split) {
	for _, split := range splits {
		for _, address := range groupAddresses(split) {
			group := g.groups[address]
			if group == nil {
				continue
			}
			for i, pending := range group.splits {
				if pending.Connector == split.Connector {
					group.splits = append(group.splits[:i], group.splits[i+1:]...)
					group.weight -= split.Weight()
					break
				}
			}
		}
	}
}

// largest returns the non-empty group with the most pending splits, ties
// broken by insertion order.
func (g *splitGroups) largest() (HostAddress, *splitGroup) {
	var bestAddress HostAddress
	var best *splitGroup
	for _, address := range g.order {
		group := g.groups[address]
		if len(group.splits) == 0 {
			continue
		}
		if best == nil || len(group.splits) > len(best.splits) {
			best = group
			bestAddress = address
		}
	}
	return bestAddress, best
}
