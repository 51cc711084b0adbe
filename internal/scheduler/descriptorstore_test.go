package scheduler

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskDescriptorStorage(t *testing.T) {
	storage := NewTaskDescriptorStorage(datasize.MB)
	stageID := StageID{QueryID: testQueryID, ID: 0}
	storage.Initialize(testQueryID)

	descriptor := taskForPartition(0)
	require.NoError(t, storage.Put(stageID, &descriptor))

	stored, ok := storage.Get(stageID, 0)
	require.True(t, ok)
	assert.Equal(t, &descriptor, stored)

	_, ok = storage.Get(stageID, 1)
	assert.False(t, ok)

	storage.Remove(stageID, 0)
	_, ok = storage.Get(stageID, 0)
	assert.False(t, ok)
	assert.Equal(t, int64(0), storage.RetainedBytes())
}

func TestTaskDescriptorStorageCapacity(t *testing.T) {
	descriptor := taskForPartition(0)
	storage := NewTaskDescriptorStorage(datasize.ByteSize(descriptor.RetainedBytes()))
	stageID := StageID{QueryID: testQueryID, ID: 0}
	storage.Initialize(testQueryID)

	require.NoError(t, storage.Put(stageID, &descriptor))

	overflow := taskForPartition(1)
	err := storage.Put(stageID, &overflow)
	require.Error(t, err)
	var capacityErr *StorageCapacityExceededError
	require.True(t, errors.As(err, &capacityErr))
	assert.Equal(t, testQueryID, capacityErr.QueryID)
	assert.Equal(t, FailureKindStorageOverflow, KindOf(err))

	// Removing frees capacity again.
	storage.Remove(stageID, 0)
	require.NoError(t, storage.Put(stageID, &overflow))
}

func TestTaskDescriptorStoragePartitionsStateByQuery(t *testing.T) {
	storage := NewTaskDescriptorStorage(datasize.MB)
	stage1 := StageID{QueryID: "query_a", ID: 0}
	stage2 := StageID{QueryID: "query_b", ID: 0}
	storage.Initialize("query_a")
	storage.Initialize("query_b")

	descriptor := taskForPartition(0)
	require.NoError(t, storage.Put(stage1, &descriptor))

	_, ok := storage.Get(stage2, 0)
	assert.False(t, ok)

	storage.Destroy("query_a")
	_, ok = storage.Get(stage1, 0)
	assert.False(t, ok)
	assert.Equal(t, int64(0), storage.RetainedBytes())

	// Destroy is idempotent; puts for a destroyed query are dropped.
	storage.Destroy("query_a")
	require.NoError(t, storage.Put(stage1, &descriptor))
	_, ok = storage.Get(stage1, 0)
	assert.False(t, ok)
}
