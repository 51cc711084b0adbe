package scheduler

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// QueryState is the query lifecycle.
type QueryState int

const (
	QueryQueued QueryState = iota
	QueryRunning
	QueryFinishing
	QueryFinished
	QueryFailed
)

func (s QueryState) String() string {
	switch s {
	case QueryQueued:
		return "QUEUED"
	case QueryRunning:
		return "RUNNING"
	case QueryFinishing:
		return "FINISHING"
	case QueryFinished:
		return "FINISHED"
	case QueryFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s QueryState) Done() bool {
	return s == QueryFinished || s == QueryFailed
}

// QueryStateMachine tracks the state of one query. Transitions are monotonic;
// terminal states win over any later transition. Listeners observe every
// transition, including the one that made the state terminal, and run on the
// transitioning goroutine.
type QueryStateMachine struct {
	queryID QueryID

	mu           sync.Mutex
	state        QueryState
	failureCause error
	listeners    []func(QueryState)
	resultInputs []SpoolingExchangeInput
}

func NewQueryStateMachine(queryID QueryID) *QueryStateMachine {
	return &QueryStateMachine{
		queryID: queryID,
		state:   QueryQueued,
	}
}

func (m *QueryStateMachine) QueryID() QueryID {
	return m.queryID
}

func (m *QueryStateMachine) State() QueryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *QueryStateMachine) IsDone() bool {
	return m.State().Done()
}

func (m *QueryStateMachine) FailureCause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureCause
}

// AddStateChangeListener registers a listener for future transitions. If the
// query is already in a terminal state the listener fires immediately.
func (m *QueryStateMachine) AddStateChangeListener(listener func(QueryState)) {
	m.mu.Lock()
	state := m.state
	if !state.Done() {
		m.listeners = append(m.listeners, listener)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	listener(state)
}

func (m *QueryStateMachine) TransitionToRunning() bool {
	return m.transition(QueryRunning, func(current QueryState) bool {
		return current == QueryQueued
	}, nil)
}

func (m *QueryStateMachine) TransitionToFinishing() bool {
	return m.transition(QueryFinishing, func(current QueryState) bool {
		return current == QueryQueued || current == QueryRunning
	}, nil)
}

func (m *QueryStateMachine) TransitionToFinished() bool {
	return m.transition(QueryFinished, func(current QueryState) bool {
		return !current.Done()
	}, nil)
}

func (m *QueryStateMachine) TransitionToFailed(cause error) bool {
	log.WithError(cause).Debugf("query %s failed", m.queryID)
	return m.transition(QueryFailed, func(current QueryState) bool {
		return !current.Done()
	}, cause)
}

func (m *QueryStateMachine) transition(target QueryState, allowed func(QueryState) bool, cause error) bool {
	m.mu.Lock()
	if !allowed(m.state) {
		m.mu.Unlock()
		return false
	}
	m.state = target
	if target == QueryFailed && m.failureCause == nil {
		m.failureCause = cause
	}
	listeners := m.listeners
	if target.Done() {
		m.listeners = nil
	}
	m.mu.Unlock()
	for _, listener := range listeners {
		listener(target)
	}
	return true
}

// UpdateInputsForQueryResults publishes the exchange inputs the client reads
// the final results from.
func (m *QueryStateMachine) UpdateInputsForQueryResults(inputs []SpoolingExchangeInput) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resultInputs = inputs
}

func (m *QueryStateMachine) ResultInputs() []SpoolingExchangeInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resultInputs
}
