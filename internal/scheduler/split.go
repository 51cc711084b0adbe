package scheduler

import (
	"github.com/c2h5oh/datasize"
)

// HostAddress is a "host:port" worker address.
type HostAddress string

// CatalogHandle identifies the connector a split belongs to.
type CatalogHandle string

// RemoteCatalogHandle is the reserved catalog of synthetic remote splits
// wrapping exchange input.
const RemoteCatalogHandle CatalogHandle = "$remote"

// SplitWeight is a relative measure of the work a split represents,
// in raw units of 1/100 of a standard split.
type SplitWeight int64

const StandardSplitWeight SplitWeight = 100

// ConnectorSplit is an opaque connector-provided unit of input work.
type ConnectorSplit interface {
	// Weight of the split relative to StandardSplitWeight.
	Weight() SplitWeight
	// Addresses the split must be processed on. Empty means the split is
	// remotely accessible and may run anywhere.
	Addresses() []HostAddress
	// RetainedBytes estimates the in-memory footprint of the split, used for
	// task descriptor storage accounting.
	RetainedBytes() int64
}

// Split is a unit of input work: either a connector data split or a remote
// split referencing exchange output of an upstream stage.
type Split struct {
	CatalogHandle CatalogHandle
	Connector     ConnectorSplit
}

func (s Split) Weight() SplitWeight {
	return s.Connector.Weight()
}

func (s Split) Addresses() []HostAddress {
	return s.Connector.Addresses()
}

func (s Split) RetainedBytes() int64 {
	return int64(len(s.CatalogHandle)) + s.Connector.RetainedBytes()
}

// IsRemote reports whether the split wraps exchange input.
func (s Split) IsRemote() bool {
	return s.CatalogHandle == RemoteCatalogHandle
}

// SpoolingExchangeInput carries the exchange source handles a task reads.
type SpoolingExchangeInput struct {
	Handles []ExchangeSourceHandle
}

func (in SpoolingExchangeInput) DataSize() datasize.ByteSize {
	var total int64
	for _, handle := range in.Handles {
		total += handle.DataSizeInBytes()
	}
	return datasize.ByteSize(total)
}

// RemoteSplit is the synthetic connector split of remote splits.
type RemoteSplit struct {
	ExchangeInput SpoolingExchangeInput
}

func (s RemoteSplit) Weight() SplitWeight {
	return StandardSplitWeight
}

func (s RemoteSplit) Addresses() []HostAddress {
	return nil
}

func (s RemoteSplit) RetainedBytes() int64 {
	// Handles are owned by the exchange; only the references are retained.
	return int64(16 * len(s.ExchangeInput.Handles))
}

// NewRemoteSplit wraps exchange source handles into a single remote split.
func NewRemoteSplit(handles []ExchangeSourceHandle) Split {
	return Split{
		CatalogHandle: RemoteCatalogHandle,
		Connector:     RemoteSplit{ExchangeInput: SpoolingExchangeInput{Handles: handles}},
	}
}

// CreateRemoteSplits converts exchange source handles into remote splits, one
// split per plan node carrying all of that node's handles.
func CreateRemoteSplits(handles map[PlanNodeID][]ExchangeSourceHandle) map[PlanNodeID][]Split {
	splits := make(map[PlanNodeID][]Split, len(handles))
	for planNodeID, nodeHandles := range handles {
		if len(nodeHandles) == 0 {
			continue
		}
		splits[planNodeID] = []Split{NewRemoteSplit(nodeHandles)}
	}
	return splits
}
