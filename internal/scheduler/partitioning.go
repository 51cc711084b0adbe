package scheduler

// BucketNodeMap is the connector-provided assignment of buckets to nodes for
// a catalog-bound partitioning handle.
type BucketNodeMap interface {
	BucketCount() int
	AssignedNode(bucket int) *InternalNode
}

// NodePartitioningManager resolves catalog-bound partitioning handles.
type NodePartitioningManager interface {
	GetBucketNodeMap(queryID QueryID, handle PartitioningHandle) (BucketNodeMap, error)
	// GetSplitToBucket returns the connector's bucket function for splits of
	// the handle's catalog.
	GetSplitToBucket(queryID QueryID, handle PartitioningHandle) (func(Split) int, error)
}

// FaultTolerantPartitioningScheme describes how a stage's input is split into
// partitions. Buckets are the fine-grained hash units of the plan; multiple
// buckets collapse into one partition via BucketToPartition.
type FaultTolerantPartitioningScheme struct {
	partitionCount    int
	bucketToPartition []int
	splitBucket       func(Split) int
	partitionToNode   []*InternalNode
}

func NewFaultTolerantPartitioningScheme(
	partitionCount int,
	bucketToPartition []int,
	splitBucket func(Split) int,
	partitionToNode []*InternalNode,
) *FaultTolerantPartitioningScheme {
	return &FaultTolerantPartitioningScheme{
		partitionCount:    partitionCount,
		bucketToPartition: bucketToPartition,
		splitBucket:       splitBucket,
		partitionToNode:   partitionToNode,
	}
}

func (s *FaultTolerantPartitioningScheme) PartitionCount() int {
	return s.partitionCount
}

// SplitPartition maps a bucketed split to its partition.
func (s *FaultTolerantPartitioningScheme) SplitPartition(split Split) int {
	return s.bucketToPartition[s.splitBucket(split)]
}

func (s *FaultTolerantPartitioningScheme) HasSplitBucketFunction() bool {
	return s.splitBucket != nil
}

// HandlePartition maps an exchange source handle to its downstream partition.
func (s *FaultTolerantPartitioningScheme) HandlePartition(handle ExchangeSourceHandle) int {
	return s.bucketToPartition[handle.PartitionID()]
}

// NodeRequirementAddresses returns the addresses a partition is pinned to, or
// nil when the scheme carries no node affinity.
func (s *FaultTolerantPartitioningScheme) NodeRequirementAddresses(partition int) []HostAddress {
	if s.partitionToNode == nil {
		return nil
	}
	return []HostAddress{s.partitionToNode[partition].Address}
}
