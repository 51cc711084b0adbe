package scheduler

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(id string, address HostAddress, memory datasize.ByteSize) *InternalNode {
	return &InternalNode{NodeID: id, Address: address, Memory: memory}
}

func TestNodeAllocatorGrantsAndReleasesMemory(t *testing.T) {
	allocator, err := NewNodeAllocator()
	require.NoError(t, err)
	require.NoError(t, allocator.Upsert(newTestNode("node1", "host1:8080", 4*datasize.GB)))

	lease1 := allocator.Acquire(NewNodeRequirements(""), 3*datasize.GB, 0)
	require.True(t, lease1.Node().IsDone())
	node, err := lease1.Node().Value()
	require.NoError(t, err)
	assert.Equal(t, "node1", node.NodeID)

	// Insufficient capacity; the lease stays pending rather than failing.
	lease2 := allocator.Acquire(NewNodeRequirements(""), 2*datasize.GB, 0)
	assert.False(t, lease2.Node().IsDone())

	lease1.Release()
	require.True(t, lease2.Node().IsDone())

	// Release is idempotent.
	lease1.Release()
	lease2.Release()
	lease2.Release()
}

func TestNodeAllocatorRespectsAddressRequirements(t *testing.T) {
	allocator, err := NewNodeAllocator()
	require.NoError(t, err)
	require.NoError(t, allocator.Upsert(newTestNode("node1", "host1:8080", datasize.GB)))
	require.NoError(t, allocator.Upsert(newTestNode("node2", "host2:8080", datasize.GB)))

	lease := allocator.Acquire(NewNodeRequirements("", "host2:8080"), datasize.MB, 0)
	require.True(t, lease.Node().IsDone())
	node, err := lease.Node().Value()
	require.NoError(t, err)
	assert.Equal(t, "node2", node.NodeID)
	lease.Release()

	// No node matches; pending until such a node is registered.
	pending := allocator.Acquire(NewNodeRequirements("", "host3:8080"), datasize.MB, 0)
	assert.False(t, pending.Node().IsDone())
	require.NoError(t, allocator.Upsert(newTestNode("node3", "host3:8080", datasize.GB)))
	assert.True(t, pending.Node().IsDone())
	pending.Release()
}

func TestNodeAllocatorRespectsCatalogRequirements(t *testing.T) {
	allocator, err := NewNodeAllocator()
	require.NoError(t, err)
	withCatalog := newTestNode("node1", "host1:8080", datasize.GB)
	withCatalog.Catalogs = []CatalogHandle{testCatalog}
	otherCatalog := newTestNode("node2", "host2:8080", datasize.GB)
	otherCatalog.Catalogs = []CatalogHandle{"other"}
	require.NoError(t, allocator.Upsert(withCatalog))
	require.NoError(t, allocator.Upsert(otherCatalog))

	lease := allocator.Acquire(NewNodeRequirements(testCatalog), datasize.MB, 0)
	require.True(t, lease.Node().IsDone())
	node, err := lease.Node().Value()
	require.NoError(t, err)
	assert.Equal(t, "node1", node.NodeID)
	lease.Release()
}

func TestNodeAllocatorFIFOWithinPriority(t *testing.T) {
	allocator, err := NewNodeAllocator()
	require.NoError(t, err)
	require.NoError(t, allocator.Upsert(newTestNode("node1", "host1:8080", datasize.GB)))

	hold := allocator.Acquire(NewNodeRequirements(""), datasize.GB, 0)
	require.True(t, hold.Node().IsDone())

	first := allocator.Acquire(NewNodeRequirements(""), datasize.GB, 0)
	second := allocator.Acquire(NewNodeRequirements(""), datasize.GB, 0)
	urgent := allocator.Acquire(NewNodeRequirements(""), datasize.GB, 1)

	hold.Release()
	// Higher priority wins despite arriving last.
	require.True(t, urgent.Node().IsDone())
	assert.False(t, first.Node().IsDone())

	urgent.Release()
	require.True(t, first.Node().IsDone())
	assert.False(t, second.Node().IsDone())

	first.Release()
	require.True(t, second.Node().IsDone())
	second.Release()
}

func TestNodeAllocatorCloseCancelsPendingLeases(t *testing.T) {
	allocator, err := NewNodeAllocator()
	require.NoError(t, err)
	require.NoError(t, allocator.Upsert(newTestNode("node1", "host1:8080", datasize.GB)))

	granted := allocator.Acquire(NewNodeRequirements(""), datasize.GB, 0)
	pending := allocator.Acquire(NewNodeRequirements(""), datasize.GB, 0)

	require.NoError(t, allocator.Close())
	require.True(t, pending.Node().IsDone())
	_, err = pending.Node().Value()
	assert.Error(t, err)

	// Granted leases stay valid until released.
	require.True(t, granted.Node().IsDone())
	_, err = granted.Node().Value()
	assert.NoError(t, err)
	granted.Release()

	// New acquisitions after close fail immediately.
	late := allocator.Acquire(NewNodeRequirements(""), datasize.MB, 0)
	_, err = late.Node().Value()
	assert.Error(t, err)
}

func TestNodeAllocatorReleaseBeforeGrant(t *testing.T) {
	allocator, err := NewNodeAllocator()
	require.NoError(t, err)
	require.NoError(t, allocator.Upsert(newTestNode("node1", "host1:8080", datasize.GB)))

	hold := allocator.Acquire(NewNodeRequirements(""), datasize.GB, 0)
	pending := allocator.Acquire(NewNodeRequirements(""), datasize.GB, 0)
	pending.Release()

	hold.Release()
	// The released acquisition must not take the freed capacity.
	_, err = pending.Node().Value()
	assert.Error(t, err)

	next := allocator.Acquire(NewNodeRequirements(""), datasize.GB, 0)
	assert.True(t, next.Node().IsDone())
}
