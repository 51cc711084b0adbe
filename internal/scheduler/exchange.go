package scheduler

import (
	"fmt"

	"github.com/swelldb/swell/internal/common/future"
)

type ExchangeID string

// ExchangeSourceHandle references a piece of exchange output. Handles are
// opaque to the scheduler apart from the downstream partition they target and
// their size.
type ExchangeSourceHandle interface {
	// PartitionID is the output partition the handle's data belongs to.
	PartitionID() int
	DataSizeInBytes() int64
}

// ExchangeSink is the write side of an exchange for one task partition.
// Each attempt writes through its own sink; the exchange deduplicates
// committed output across attempts of the same partition.
type ExchangeSink interface {
	// Finish commits the sink's output. Called on successful attempts.
	Finish() error
	// Abort discards the sink's output.
	Abort() error
}

// Exchange is the external shuffle service decoupling a producer stage from
// its consumers.
type Exchange interface {
	// CreateSink returns a sink for the given task partition.
	CreateSink(taskPartitionID int) (ExchangeSink, error)
	// NoMoreSinks signals that every task partition has been announced.
	NoMoreSinks()
	// GetSourceHandles resolves with all source handles once the producing
	// stage has finished all partitions. For an exchange created with
	// preserveOrder, handles are revealed in producer order.
	GetSourceHandles() *future.Future[[]ExchangeSourceHandle]
	Close() error
}

// ExchangeManager creates exchanges, one per stage.
type ExchangeManager interface {
	CreateExchange(queryID QueryID, id ExchangeID, outputPartitionCount int, preserveOrder bool) (Exchange, error)
}

func externalExchangeID(stageID StageID) ExchangeID {
	return ExchangeID(fmt.Sprintf("external-exchange-%d", stageID.ID))
}

// AllSourceHandles collapses the handle futures of several exchanges into one
// future, resolved with the concatenation in exchange order.
func AllSourceHandles(exchanges []Exchange) *future.Future[[]ExchangeSourceHandle] {
	futures := make([]*future.Future[[]ExchangeSourceHandle], len(exchanges))
	for i, exchange := range exchanges {
		futures[i] = exchange.GetSourceHandles()
	}
	result := future.New[[]ExchangeSourceHandle]()
	future.All(futures).WhenDone(func(lists [][]ExchangeSourceHandle, err error) {
		if err != nil {
			result.Fail(err)
			return
		}
		var handles []ExchangeSourceHandle
		for _, list := range lists {
			handles = append(handles, list...)
		}
		result.Complete(handles)
	})
	return result
}
