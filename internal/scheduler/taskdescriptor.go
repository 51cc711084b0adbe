package scheduler

import (
	"golang.org/x/exp/slices"
)

// NodeRequirements constrains the nodes a task may run on. An empty address
// set means any node; a non-empty set means the task must run on one of the
// listed addresses. A catalog handle, if present, requires a node hosting
// that catalog.
type NodeRequirements struct {
	CatalogHandle CatalogHandle
	addresses     []HostAddress
}

func NewNodeRequirements(catalogHandle CatalogHandle, addresses ...HostAddress) NodeRequirements {
	sorted := slices.Clone(addresses)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return NodeRequirements{CatalogHandle: catalogHandle, addresses: sorted}
}

// Addresses returns the allowed addresses in sorted order.
// The returned slice must not be modified.
func (r NodeRequirements) Addresses() []HostAddress {
	return r.addresses
}

func (r NodeRequirements) AllowsAddress(address HostAddress) bool {
	if len(r.addresses) == 0 {
		return true
	}
	_, found := slices.BinarySearch(r.addresses, address)
	return found
}

func (r NodeRequirements) Equal(other NodeRequirements) bool {
	return r.CatalogHandle == other.CatalogHandle && slices.Equal(r.addresses, other.addresses)
}

// TaskDescriptor fully describes the input of one task: the splits it reads
// per plan node and where it may run. Two descriptors with the same partition
// id in the same stage are successive attempts, never concurrent.
type TaskDescriptor struct {
	PartitionID      int
	Splits           map[PlanNodeID][]Split
	NodeRequirements NodeRequirements
}

// RetainedBytes estimates the in-memory footprint of the descriptor for
// storage accounting.
func (d *TaskDescriptor) RetainedBytes() int64 {
	var total int64 = 64
	for planNodeID, splits := range d.Splits {
		total += int64(len(planNodeID))
		for _, split := range splits {
			total += split.RetainedBytes()
		}
	}
	return total
}

// SplitWeight is the total weight of the descriptor's connector splits.
func (d *TaskDescriptor) SplitWeight() SplitWeight {
	var total SplitWeight
	for _, splits := range d.Splits {
		for _, split := range splits {
			if !split.IsRemote() {
				total += split.Weight()
			}
		}
	}
	return total
}
