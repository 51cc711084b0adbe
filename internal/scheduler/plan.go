package scheduler

import "fmt"

type QueryID string

type PlanFragmentID string

type PlanNodeID string

type StageID struct {
	QueryID QueryID
	ID      int
}

func (s StageID) String() string {
	return fmt.Sprintf("%s.%d", s.QueryID, s.ID)
}

type TaskID struct {
	StageID     StageID
	PartitionID int
	AttemptID   int
}

func (t TaskID) String() string {
	return fmt.Sprintf("%s.%d.%d", t.StageID, t.PartitionID, t.AttemptID)
}

// PartitioningKind determines how a fragment is decomposed into tasks.
type PartitioningKind int

const (
	SinglePartitioning PartitioningKind = iota
	CoordinatorPartitioning
	FixedHashPartitioning
	ArbitraryPartitioning
	SourcePartitioning
)

func (k PartitioningKind) String() string {
	switch k {
	case SinglePartitioning:
		return "SINGLE"
	case CoordinatorPartitioning:
		return "COORDINATOR"
	case FixedHashPartitioning:
		return "HASH"
	case ArbitraryPartitioning:
		return "ARBITRARY"
	case SourcePartitioning:
		return "SOURCE"
	default:
		return "UNKNOWN"
	}
}

// PartitioningHandle identifies a partitioning function. A handle may be bound
// to a catalog, in which case bucket to node assignments are provided by the
// connector via the NodePartitioningManager.
type PartitioningHandle struct {
	Kind          PartitioningKind
	CatalogHandle CatalogHandle
}

var (
	SingleDistribution      = PartitioningHandle{Kind: SinglePartitioning}
	CoordinatorDistribution = PartitioningHandle{Kind: CoordinatorPartitioning}
	FixedHashDistribution   = PartitioningHandle{Kind: FixedHashPartitioning}
	ArbitraryDistribution   = PartitioningHandle{Kind: ArbitraryPartitioning}
	SourceDistribution      = PartitioningHandle{Kind: SourcePartitioning}
)

// RemoteSourceNode describes a plan node reading from the exchanges of child
// fragments. Replicated sources are broadcast to every task of the fragment;
// partitioned sources are split per downstream partition.
type RemoteSourceNode struct {
	PlanNodeID      PlanNodeID
	SourceFragments []PlanFragmentID
	Replicated      bool
}

// PlanFragment is the planned unit of parallel work.
type PlanFragment struct {
	ID PlanFragmentID
	// Partitioning determines how this fragment's tasks are enumerated.
	Partitioning PartitioningHandle
	// OutputPartitioning is the partitioning of the data the fragment writes
	// to its output exchange.
	OutputPartitioning PartitioningHandle
	// TableScanNodes are plan nodes reading connector splits.
	// SOURCE distributed fragments have exactly one.
	TableScanNodes []PlanNodeID
	// RemoteSourceNodes read from child fragment exchanges.
	RemoteSourceNodes []RemoteSourceNode
	// CatalogHandle of the connector the fragment reads from, if any.
	CatalogHandle CatalogHandle
}

// RemoteSourceFor returns the remote source node consuming the given child
// fragment, if any.
func (f *PlanFragment) RemoteSourceFor(childID PlanFragmentID) (RemoteSourceNode, bool) {
	for _, source := range f.RemoteSourceNodes {
		for _, id := range source.SourceFragments {
			if id == childID {
				return source, true
			}
		}
	}
	return RemoteSourceNode{}, false
}

// SubPlan is a tree of plan fragments; children feed the parent via exchanges.
type SubPlan struct {
	Fragment *PlanFragment
	Children []*SubPlan
}
