package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/swelldb/swell/internal/common/util"
	"github.com/swelldb/swell/internal/scheduler/configuration"
)

// App hosts the per-process scheduler services: the shared task descriptor
// storage, the node allocator and metrics. Queries are admitted by the
// embedding coordinator through Schedule.
type App struct {
	config    configuration.SchedulingConfig
	storage   *TaskDescriptorStorage
	allocator *NodeAllocator
	metrics   *SchedulerMetrics
}

func NewApp(config configuration.SchedulingConfig) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	allocator, err := NewNodeAllocator()
	if err != nil {
		return nil, err
	}
	return &App{
		config:    config,
		storage:   NewTaskDescriptorStorage(config.TaskDescriptorStorageCap),
		allocator: allocator,
		metrics:   NewSchedulerMetrics(),
	}, nil
}

func (a *App) NodeAllocator() *NodeAllocator {
	return a.allocator
}

func (a *App) TaskDescriptorStorage() *TaskDescriptorStorage {
	return a.storage
}

func (a *App) Metrics() *SchedulerMetrics {
	return a.metrics
}

// Schedule runs one query to a terminal state. Collaborators implementing the
// external contracts are provided by the embedding coordinator.
func (a *App) Schedule(
	ctx context.Context,
	queryStateMachine *QueryStateMachine,
	plan *SubPlan,
	exchangeManager ExchangeManager,
	nodePartitioningManager NodePartitioningManager,
	taskSourceFactory TaskSourceFactory,
	taskFactory RemoteTaskFactory,
	failureDetector FailureDetector,
) (*FaultTolerantQueryScheduler, error) {
	queryScheduler := NewFaultTolerantQueryScheduler(
		queryStateMachine,
		failureDetector,
		taskSourceFactory,
		a.storage,
		exchangeManager,
		nodePartitioningManager,
		a.allocator,
		func() PartitionMemoryEstimator {
			return NewExponentialGrowthPartitionMemoryEstimator(
				a.config.InitialPartitionMemory,
				a.config.PartitionMemoryGrowthFactor,
				a.config.MaxPartitionMemory,
			)
		},
		taskFactory,
		plan,
		a.config,
		clock.RealClock{},
		a.metrics,
	)
	if err := queryScheduler.Start(ctx); err != nil {
		return nil, err
	}
	return queryScheduler, nil
}

// Run starts the metrics endpoint and blocks until the process is signalled.
func Run(config configuration.Configuration) error {
	app, err := NewApp(config.Scheduling)
	if err != nil {
		return err
	}
	app.metrics.Register(prometheus.DefaultRegisterer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	log.Infof("scheduler instance %s started, metrics on :%d", util.NewULID(), config.MetricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	if err := app.allocator.Close(); err != nil {
		log.WithError(err).Warn("error closing node allocator")
	}
	return server.Shutdown(context.Background())
}
