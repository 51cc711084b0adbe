package scheduler

import (
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// TaskDescriptorStorage is the durable index of in-flight task descriptors.
// It is shared across queries but partitions state by query id; a query must
// be initialized before descriptors can be stored and destroyed once done.
// Inserts that would exceed the memory cap fail with
// StorageCapacityExceededError, which the stage scheduler treats as fatal to
// the query.
type TaskDescriptorStorage struct {
	capacity datasize.ByteSize

	mu       sync.Mutex
	queries  map[QueryID]*queryDescriptors
	retained int64
}

type descriptorKey struct {
	StageID     StageID
	PartitionID int
}

type queryDescriptors struct {
	descriptors map[descriptorKey]*TaskDescriptor
	retained    int64
}

func NewTaskDescriptorStorage(capacity datasize.ByteSize) *TaskDescriptorStorage {
	return &TaskDescriptorStorage{
		capacity: capacity,
		queries:  make(map[QueryID]*queryDescriptors),
	}
}

func (s *TaskDescriptorStorage) Initialize(queryID QueryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queries[queryID]; !ok {
		s.queries[queryID] = &queryDescriptors{descriptors: make(map[descriptorKey]*TaskDescriptor)}
	}
}

func (s *TaskDescriptorStorage) Put(stageID StageID, descriptor *TaskDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	query, ok := s.queries[stageID.QueryID]
	if !ok {
		// The query finished concurrently; nothing to retain.
		return nil
	}
	size := descriptor.RetainedBytes()
	if s.retained+size > int64(s.capacity) {
		return errors.WithStack(&StorageCapacityExceededError{
			QueryID: stageID.QueryID,
			Limit:   int64(s.capacity),
		})
	}
	key := descriptorKey{StageID: stageID, PartitionID: descriptor.PartitionID}
	if previous, ok := query.descriptors[key]; ok {
		query.retained -= previous.RetainedBytes()
		s.retained -= previous.RetainedBytes()
	}
	query.descriptors[key] = descriptor
	query.retained += size
	s.retained += size
	return nil
}

func (s *TaskDescriptorStorage) Get(stageID StageID, partitionID int) (*TaskDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query, ok := s.queries[stageID.QueryID]
	if !ok {
		return nil, false
	}
	descriptor, ok := query.descriptors[descriptorKey{StageID: stageID, PartitionID: partitionID}]
	return descriptor, ok
}

func (s *TaskDescriptorStorage) Remove(stageID StageID, partitionID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query, ok := s.queries[stageID.QueryID]
	if !ok {
		return
	}
	key := descriptorKey{StageID: stageID, PartitionID: partitionID}
	if descriptor, ok := query.descriptors[key]; ok {
		query.retained -= descriptor.RetainedBytes()
		s.retained -= descriptor.RetainedBytes()
		delete(query.descriptors, key)
	}
}

// Destroy releases everything retained for the query. Idempotent.
func (s *TaskDescriptorStorage) Destroy(queryID QueryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query, ok := s.queries[queryID]
	if !ok {
		return
	}
	s.retained -= query.retained
	delete(s.queries, queryID)
	log.Debugf("destroyed task descriptor storage for query %s", queryID)
}

// RetainedBytes reports the total size retained across all queries.
func (s *TaskDescriptorStorage) RetainedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retained
}
