package scheduler

import (
	"github.com/c2h5oh/datasize"
)

// PartitionMemoryEstimator predicts how much node memory a partition's task
// attempt needs.
type PartitionMemoryEstimator interface {
	// InitialEstimate returns the memory to reserve for a partition's first
	// attempt.
	InitialEstimate(partitionID int) datasize.ByteSize
	// NextEstimate returns the reservation for the attempt following a
	// failure. For an out of memory failure the result strictly exceeds
	// previous.
	NextEstimate(previous datasize.ByteSize, kind FailureKind) datasize.ByteSize
}

// PartitionMemoryEstimatorFactory creates one estimator per stage.
type PartitionMemoryEstimatorFactory func() PartitionMemoryEstimator

// ExponentialGrowthPartitionMemoryEstimator starts every partition at a fixed
// estimate and multiplies it by growthFactor after each out of memory
// failure, capped at maximum. Once the estimate is at or above maximum, each
// further out of memory failure adds one byte, so the estimate always grows.
type ExponentialGrowthPartitionMemoryEstimator struct {
	initial      datasize.ByteSize
	growthFactor float64
	maximum      datasize.ByteSize
}

func NewExponentialGrowthPartitionMemoryEstimator(initial datasize.ByteSize, growthFactor float64, maximum datasize.ByteSize) *ExponentialGrowthPartitionMemoryEstimator {
	return &ExponentialGrowthPartitionMemoryEstimator{
		initial:      initial,
		growthFactor: growthFactor,
		maximum:      maximum,
	}
}

func (e *ExponentialGrowthPartitionMemoryEstimator) InitialEstimate(partitionID int) datasize.ByteSize {
	return e.initial
}

func (e *ExponentialGrowthPartitionMemoryEstimator) NextEstimate(previous datasize.ByteSize, kind FailureKind) datasize.ByteSize {
	if kind != FailureKindWorkerOutOfMemory {
		return previous
	}
	next := datasize.ByteSize(float64(previous) * e.growthFactor)
	if next <= previous {
		next = previous + 1
	}
	if next > e.maximum {
		next = e.maximum
	}
	if next <= previous {
		// Already at the ceiling; still grow to honour the contract.
		next = previous + 1
	}
	return next
}
