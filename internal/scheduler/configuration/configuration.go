package configuration

import (
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
)

// Configuration is the root configuration of the scheduler binary.
type Configuration struct {
	// Scheduling configuration shared by every query.
	Scheduling SchedulingConfig
	// Port the prometheus metrics endpoint listens on.
	MetricsPort uint16
}

// SchedulingConfig controls fault tolerant query execution.
type SchedulingConfig struct {
	// Budget of counted task failures shared by all stages of a query.
	TaskRetryAttemptsOverall int
	// Budget of counted failures per partition.
	TaskRetryAttemptsPerTask int
	// Bounds concurrent node lease requests per stage.
	MaxTasksWaitingForNodePerStage int
	// Fan-out of hash distributed stages.
	FaultTolerantExecutionPartitionCount int
	// Target split weight when joining hash partitions into tasks,
	// in raw split weight units.
	TargetPartitionSplitWeight int64
	// Target exchange data size when joining hash partitions into tasks.
	TargetPartitionSourceSize datasize.ByteSize
	// Target output size of arbitrary distributed partitions.
	TargetPartitionSize datasize.ByteSize
	// Number of splits pulled from a connector split source per batch.
	SplitBatchSize int
	// Bounds on splits per source distributed task.
	MinSplitsPerTask int
	MaxSplitsPerTask int
	// Target split weight per source distributed task, in raw units.
	SplitWeightPerTask int64
	// Memory reserved for a partition's first attempt.
	InitialPartitionMemory datasize.ByteSize
	// Multiplier applied to the estimate after an out of memory failure.
	PartitionMemoryGrowthFactor float64
	// Ceiling for per-partition memory estimates.
	MaxPartitionMemory datasize.ByteSize
	// Cap on task descriptor storage across all queries.
	TaskDescriptorStorageCap datasize.ByteSize
	// Cap on waiting for blocked stages before re-running the loop.
	BlockedStageWait time.Duration
}

func (c SchedulingConfig) Validate() error {
	if c.TaskRetryAttemptsOverall < 0 {
		return errors.Errorf("taskRetryAttemptsOverall must be greater than or equal to 0: %d", c.TaskRetryAttemptsOverall)
	}
	if c.TaskRetryAttemptsPerTask < 0 {
		return errors.Errorf("taskRetryAttemptsPerTask must be greater than or equal to 0: %d", c.TaskRetryAttemptsPerTask)
	}
	if c.MaxTasksWaitingForNodePerStage < 1 {
		return errors.Errorf("maxTasksWaitingForNodePerStage must be at least 1: %d", c.MaxTasksWaitingForNodePerStage)
	}
	if c.FaultTolerantExecutionPartitionCount < 1 {
		return errors.Errorf("faultTolerantExecutionPartitionCount must be at least 1: %d", c.FaultTolerantExecutionPartitionCount)
	}
	if c.SplitBatchSize < 1 {
		return errors.Errorf("splitBatchSize must be at least 1: %d", c.SplitBatchSize)
	}
	if c.MinSplitsPerTask < 0 {
		return errors.Errorf("minSplitsPerTask must be greater than or equal to 0: %d", c.MinSplitsPerTask)
	}
	if c.MaxSplitsPerTask < 1 {
		return errors.Errorf("maxSplitsPerTask must be at least 1: %d", c.MaxSplitsPerTask)
	}
	if c.MinSplitsPerTask > c.MaxSplitsPerTask {
		return errors.Errorf("minSplitsPerTask %d exceeds maxSplitsPerTask %d", c.MinSplitsPerTask, c.MaxSplitsPerTask)
	}
	if c.PartitionMemoryGrowthFactor < 1.0 {
		return errors.Errorf("partitionMemoryGrowthFactor must be at least 1.0: %f", c.PartitionMemoryGrowthFactor)
	}
	return nil
}

// Default returns the configuration used when no file overrides are given.
func Default() Configuration {
	return Configuration{
		Scheduling: SchedulingConfig{
			TaskRetryAttemptsOverall:             1024,
			TaskRetryAttemptsPerTask:             4,
			MaxTasksWaitingForNodePerStage:       5,
			FaultTolerantExecutionPartitionCount: 50,
			TargetPartitionSplitWeight:           6400,
			TargetPartitionSourceSize:            4 * datasize.GB,
			TargetPartitionSize:                  4 * datasize.GB,
			SplitBatchSize:                       1024,
			MinSplitsPerTask:                     16,
			MaxSplitsPerTask:                     256,
			SplitWeightPerTask:                   6400,
			InitialPartitionMemory:               4 * datasize.GB,
			PartitionMemoryGrowthFactor:          3.0,
			MaxPartitionMemory:                   64 * datasize.GB,
			TaskDescriptorStorageCap:             8 * datasize.GB,
			BlockedStageWait:                     time.Second,
		},
		MetricsPort: 9005,
	}
}
