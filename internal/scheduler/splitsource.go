package scheduler

import "context"

// SplitBatch is one pull from a connector split source.
type SplitBatch struct {
	Splits       []Split
	NoMoreSplits bool
}

// ConnectorSplitSource produces the splits of one table scan node.
// GetNextBatch blocks until at least one split is available or the source is
// exhausted.
type ConnectorSplitSource interface {
	GetNextBatch(ctx context.Context, maxSize int) (SplitBatch, error)
	CatalogHandle() CatalogHandle
	Close() error
}

// SplitSourceFactory opens the connector split sources of a fragment's table
// scan nodes.
type SplitSourceFactory interface {
	CreateSplitSources(queryID QueryID, fragment *PlanFragment) (map[PlanNodeID]ConnectorSplitSource, error)
}
