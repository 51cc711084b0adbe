package scheduler

import (
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	log "github.com/sirupsen/logrus"
)

// StageState is the lifecycle of a stage.
type StageState int

const (
	StagePlanned StageState = iota
	StageScheduling
	StageRunning
	StageFinished
	StageFailed
	StageAborted
)

func (s StageState) String() string {
	switch s {
	case StagePlanned:
		return "PLANNED"
	case StageScheduling:
		return "SCHEDULING"
	case StageRunning:
		return "RUNNING"
	case StageFinished:
		return "FINISHED"
	case StageFailed:
		return "FAILED"
	case StageAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

func (s StageState) Terminal() bool {
	switch s {
	case StageFinished, StageFailed, StageAborted:
		return true
	default:
		return false
	}
}

// StageStats aggregates the resource usage of a stage's attempts, including
// retried ones.
type StageStats struct {
	TotalCPUTime       time.Duration
	PeakMemory         datasize.ByteSize
	TotalAttempts      int
	RetriedAttempts    int
	FinishedPartitions int
}

// Stage is the runtime instance of a plan fragment.
type Stage struct {
	stageID  StageID
	fragment *PlanFragment

	mu           sync.Mutex
	state        StageState
	failureCause error
	stats        StageStats
}

func newStage(stageID StageID, fragment *PlanFragment) *Stage {
	return &Stage{
		stageID:  stageID,
		fragment: fragment,
		state:    StagePlanned,
	}
}

func (s *Stage) StageID() StageID {
	return s.stageID
}

func (s *Stage) Fragment() *PlanFragment {
	return s.fragment
}

func (s *Stage) State() StageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stage) FailureCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureCause
}

func (s *Stage) Stats() StageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// transitionToScheduling is invoked on the first task emission.
func (s *Stage) transitionToScheduling() {
	s.transition(StageScheduling, nil)
}

func (s *Stage) transitionToRunning() {
	s.transition(StageRunning, nil)
}

// Finish moves the stage to FINISHED unless it is already terminal.
func (s *Stage) Finish() {
	s.transition(StageFinished, nil)
}

// Fail moves the stage to FAILED with the given cause.
func (s *Stage) Fail(cause error) {
	s.transition(StageFailed, cause)
}

// Abort moves the stage to ABORTED unless it is already terminal.
func (s *Stage) Abort() {
	s.transition(StageAborted, nil)
}

func (s *Stage) transition(target StageState, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if target <= s.state && !target.Terminal() {
		return
	}
	s.state = target
	if target == StageFailed && s.failureCause == nil {
		s.failureCause = cause
	}
	log.Debugf("stage %s transitioned to %s", s.stageID, target)
}

func (s *Stage) recordAttempt(retry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalAttempts++
	if retry {
		s.stats.RetriedAttempts++
	}
}

func (s *Stage) recordAttemptStats(status TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalCPUTime += time.Duration(status.CPUTimeMillis) * time.Millisecond
	if status.PeakMemory > s.stats.PeakMemory {
		s.stats.PeakMemory = status.PeakMemory
	}
	if status.State == TaskFinished {
		s.stats.FinishedPartitions++
	}
}

// StageManager holds the stages of one query in topological order, root
// first. It broadcasts terminal transitions and aggregates stats.
type StageManager struct {
	queryID                  QueryID
	stagesInTopologicalOrder []*Stage
	stagesByID               map[StageID]*Stage
	childrenByFragment       map[PlanFragmentID][]*Stage
	outputStage              *Stage

	mu       sync.Mutex
	finished bool
	aborted  bool
}

// NewStageManager materializes stages from a plan tree. The root fragment
// becomes the output stage.
func NewStageManager(queryID QueryID, plan *SubPlan) *StageManager {
	m := &StageManager{
		queryID:            queryID,
		stagesByID:         make(map[StageID]*Stage),
		childrenByFragment: make(map[PlanFragmentID][]*Stage),
	}
	nextStageID := 0
	var materialize func(node *SubPlan) *Stage
	materialize = func(node *SubPlan) *Stage {
		stage := newStage(StageID{QueryID: queryID, ID: nextStageID}, node.Fragment)
		nextStageID++
		m.stagesInTopologicalOrder = append(m.stagesInTopologicalOrder, stage)
		m.stagesByID[stage.StageID()] = stage
		for _, child := range node.Children {
			childStage := materialize(child)
			m.childrenByFragment[node.Fragment.ID] = append(m.childrenByFragment[node.Fragment.ID], childStage)
		}
		return stage
	}
	m.outputStage = materialize(plan)
	return m
}

// StagesInTopologicalOrder returns stages root first.
func (m *StageManager) StagesInTopologicalOrder() []*Stage {
	return m.stagesInTopologicalOrder
}

func (m *StageManager) Get(stageID StageID) (*Stage, bool) {
	stage, ok := m.stagesByID[stageID]
	return stage, ok
}

// Children returns the stages feeding the given fragment.
func (m *StageManager) Children(fragmentID PlanFragmentID) []*Stage {
	return m.childrenByFragment[fragmentID]
}

func (m *StageManager) OutputStage() *Stage {
	return m.outputStage
}

// Finish broadcasts Finish to every stage, once.
func (m *StageManager) Finish() {
	m.mu.Lock()
	if m.finished || m.aborted {
		m.mu.Unlock()
		return
	}
	m.finished = true
	m.mu.Unlock()
	for _, stage := range m.stagesInTopologicalOrder {
		stage.Finish()
	}
}

// Abort broadcasts Abort to every stage, once.
func (m *StageManager) Abort() {
	m.mu.Lock()
	if m.aborted {
		m.mu.Unlock()
		return
	}
	m.aborted = true
	m.mu.Unlock()
	for _, stage := range m.stagesInTopologicalOrder {
		stage.Abort()
	}
}

// Stats aggregates stage stats across the query.
func (m *StageManager) Stats() StageStats {
	var total StageStats
	for _, stage := range m.stagesInTopologicalOrder {
		stats := stage.Stats()
		total.TotalCPUTime += stats.TotalCPUTime
		total.PeakMemory += stats.PeakMemory
		total.TotalAttempts += stats.TotalAttempts
		total.RetriedAttempts += stats.RetriedAttempts
		total.FinishedPartitions += stats.FinishedPartitions
	}
	return total
}
