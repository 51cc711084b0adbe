package scheduler

import (
	"container/heap"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/swelldb/swell/internal/common/future"
)

// InternalNode is a worker known to the coordinator.
type InternalNode struct {
	NodeID      string
	Address     HostAddress
	Coordinator bool
	// Memory available for task attempts on this node.
	Memory datasize.ByteSize
	// Catalogs hosted by the node. Empty means all catalogs.
	Catalogs []CatalogHandle
}

func (n *InternalNode) hostsCatalog(catalogHandle CatalogHandle) bool {
	if catalogHandle == "" || len(n.Catalogs) == 0 {
		return true
	}
	return slices.Contains(n.Catalogs, catalogHandle)
}

// InternalNodeManager provides cluster membership to components that need it
// outside of lease acquisition.
type InternalNodeManager interface {
	CurrentNode() *InternalNode
}

// NodeLease is a grant of a worker node for one task attempt. Node resolves
// once a node satisfying the requirements has capacity; it stays pending
// indefinitely under allocation starvation. Release returns the reserved
// memory; it is idempotent and safe to call before the lease is granted.
type NodeLease struct {
	leaseID   uuid.UUID
	node      *future.Future[*InternalNode]
	allocator *NodeAllocator
	memory    datasize.ByteSize

	mu       sync.Mutex
	granted  *InternalNode
	released bool
}

func (l *NodeLease) LeaseID() uuid.UUID {
	return l.leaseID
}

func (l *NodeLease) Node() *future.Future[*InternalNode] {
	return l.node
}

func (l *NodeLease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	granted := l.granted
	l.mu.Unlock()
	l.allocator.release(l, granted)
}

// NodeAllocator grants worker leases respecting per-node memory. It is shared
// by every stage of a query; pending acquisitions are served highest priority
// first, FIFO within a priority.
type NodeAllocator struct {
	mu       sync.Mutex
	db       *memdb.MemDB
	current  *InternalNode
	reserved map[string]datasize.ByteSize
	pending  pendingAcquireQueue
	sequence uint64
	closed   bool
}

func nodeDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"nodes": {
				Name: "nodes",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "NodeID"},
					},
					"address": {
						Name:    "address",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Address"},
					},
				},
			},
		},
	}
}

func NewNodeAllocator() (*NodeAllocator, error) {
	db, err := memdb.NewMemDB(nodeDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &NodeAllocator{
		db:       db,
		reserved: make(map[string]datasize.ByteSize),
	}, nil
}

// Upsert registers a node or updates its capacity. The first coordinator
// upserted becomes the current node reported by CurrentNode.
func (a *NodeAllocator) Upsert(node *InternalNode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	txn := a.db.Txn(true)
	if err := txn.Insert("nodes", node); err != nil {
		txn.Abort()
		return errors.WithStack(err)
	}
	txn.Commit()
	if node.Coordinator && a.current == nil {
		a.current = node
	}
	a.processPendingLocked()
	return nil
}

func (a *NodeAllocator) CurrentNode() *InternalNode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Acquire requests a node satisfying the requirements with the given amount
// of memory available. The returned lease's node future stays pending until
// capacity frees up; starvation is not an error.
func (a *NodeAllocator) Acquire(requirements NodeRequirements, memory datasize.ByteSize, priority int) *NodeLease {
	lease := &NodeLease{
		leaseID:   uuid.New(),
		node:      future.New[*InternalNode](),
		allocator: a,
		memory:    memory,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		lease.node.Fail(errors.WithStack(errLeaseCancelled))
		return lease
	}
	a.sequence++
	acquire := &pendingAcquire{
		lease:        lease,
		requirements: requirements,
		memory:       memory,
		priority:     priority,
		sequence:     a.sequence,
	}
	heap.Push(&a.pending, acquire)
	a.processPendingLocked()
	return lease
}

// processPendingLocked grants as many pending acquisitions as capacity
// allows, in queue order.
func (a *NodeAllocator) processPendingLocked() {
	var retained pendingAcquireQueue
	for a.pending.Len() > 0 {
		acquire := heap.Pop(&a.pending).(*pendingAcquire)
		if acquire.lease.node.IsDone() {
			continue
		}
		node := a.selectNodeLocked(acquire.requirements, acquire.memory)
		if node == nil {
			retained = append(retained, acquire)
			continue
		}
		a.reserved[node.NodeID] += acquire.memory
		acquire.lease.mu.Lock()
		acquire.lease.granted = node
		acquire.lease.mu.Unlock()
		log.Debugf("granted lease %s on node %s", acquire.lease.leaseID, node.NodeID)
		acquire.lease.node.Complete(node)
	}
	for _, acquire := range retained {
		heap.Push(&a.pending, acquire)
	}
}

func (a *NodeAllocator) selectNodeLocked(requirements NodeRequirements, memory datasize.ByteSize) *InternalNode {
	txn := a.db.Txn(false)
	defer txn.Abort()

	candidates := func() []*InternalNode {
		if addresses := requirements.Addresses(); len(addresses) > 0 {
			var nodes []*InternalNode
			for _, address := range addresses {
				raw, err := txn.First("nodes", "address", string(address))
				if err != nil || raw == nil {
					continue
				}
				nodes = append(nodes, raw.(*InternalNode))
			}
			return nodes
		}
		it, err := txn.Get("nodes", "id")
		if err != nil {
			return nil
		}
		var nodes []*InternalNode
		for raw := it.Next(); raw != nil; raw = it.Next() {
			nodes = append(nodes, raw.(*InternalNode))
		}
		return nodes
	}()

	var best *InternalNode
	var bestFree datasize.ByteSize
	for _, node := range candidates {
		if !node.hostsCatalog(requirements.CatalogHandle) {
			continue
		}
		if a.reserved[node.NodeID]+memory > node.Memory {
			continue
		}
		free := node.Memory - a.reserved[node.NodeID]
		if best == nil || free > bestFree {
			best = node
			bestFree = free
		}
	}
	return best
}

func (a *NodeAllocator) release(lease *NodeLease, granted *InternalNode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if granted != nil {
		if a.reserved[granted.NodeID] < lease.memory {
			log.Warnf("releasing more memory than reserved on node %s", granted.NodeID)
			a.reserved[granted.NodeID] = 0
		} else {
			a.reserved[granted.NodeID] -= lease.memory
		}
	} else {
		// Not granted yet; cancelling the future removes it from the queue.
		lease.node.Fail(errors.WithStack(errLeaseCancelled))
	}
	a.processPendingLocked()
}

// Close cancels every pending lease. Granted leases stay valid until
// released.
func (a *NodeAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	for a.pending.Len() > 0 {
		acquire := heap.Pop(&a.pending).(*pendingAcquire)
		acquire.lease.node.Fail(errors.WithStack(errLeaseCancelled))
	}
	return nil
}

type pendingAcquire struct {
	lease        *NodeLease
	requirements NodeRequirements
	memory       datasize.ByteSize
	priority     int
	sequence     uint64
}

type pendingAcquireQueue []*pendingAcquire

func (q pendingAcquireQueue) Len() int { return len(q) }

func (q pendingAcquireQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].sequence < q[j].sequence
}

func (q pendingAcquireQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pendingAcquireQueue) Push(x any) { *q = append(*q, x.(*pendingAcquire)) }

func (q *pendingAcquireQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
