package mqlight

import (
	"sync"
)

// ClientState is the lifecycle state of a Client.
type ClientState int

const (
	// StateStopped means the client holds no connection and accepts no commands.
	StateStopped ClientState = iota
	// StateStarting means the client is connecting to the service.
	StateStarting
	// StateStarted means the client is connected.
	StateStarted
	// StateRetrying means the connection was lost and the client will reconnect.
	StateRetrying
	// StateStopping means Stop is draining queued commands.
	StateStopping
)

// String returns the string representation of the state.
func (s ClientState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateRetrying:
		return "retrying"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type stateEvent struct {
	state  ClientState
	reason error
}

// sharedState is the per-client mutable state. Every transition closes the
// current changed channel, so a waiter that took the channel from watch
// observes the transition together with the new state.
type sharedState struct {
	mu         sync.Mutex
	state      ClientState
	lastErr    error
	epoch      uint64
	processing int
	service    *Service
	changed    chan struct{}

	// callback queue, drained by the callback loop
	events      []stateEvent
	eventSignal chan struct{}
}

func newSharedState() *sharedState {
	return &sharedState{
		state:       StateStopped,
		changed:     make(chan struct{}),
		eventSignal: make(chan struct{}, 1),
	}
}

// current returns the state.
func (s *sharedState) current() ClientState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// watch returns the state and a channel closed on the next transition.
func (s *sharedState) watch() (ClientState, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state, s.changed
}

// transition moves to next and queues a callback event. A transition to the
// current state is ignored and reported as false. Once Stopping or Stopped,
// only transitions made by Stop itself (force) are honored.
func (s *sharedState) transition(next ClientState, reason error) bool {
	return s.set(next, reason, false)
}

func (s *sharedState) force(next ClientState, reason error) bool {
	return s.set(next, reason, true)
}

// transitionFrom moves to next only while the state is from.
func (s *sharedState) transitionFrom(from, next ClientState, reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from {
		return false
	}
	return s.setLocked(next, reason)
}

func (s *sharedState) set(next ClientState, reason error, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && (s.state == StateStopping || s.state == StateStopped) && next != StateStopped {
		return false
	}
	return s.setLocked(next, reason)
}

func (s *sharedState) setLocked(next ClientState, reason error) bool {
	if reason != nil {
		s.lastErr = reason
	}
	if s.state == next {
		return false
	}

	s.state = next
	if next != StateStarted {
		s.service = nil
	}

	close(s.changed)
	s.changed = make(chan struct{})

	s.events = append(s.events, stateEvent{state: next, reason: reason})
	select {
	case s.eventSignal <- struct{}{}:
	default:
	}
	return true
}

// restart clears the last error and moves to Starting for a new run.
func (s *sharedState) restart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastErr = nil
	s.setLocked(StateStarting, nil)
}

// started records a successful connection to svc and moves to Started.
func (s *sharedState) started(svc *Service) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopping || s.state == StateStopped {
		return false
	}
	s.lastErr = nil
	s.service = svc
	return s.setLocked(StateStarted, nil)
}

// reconnected advances the connection epoch and returns the new value.
func (s *sharedState) reconnected() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	return s.epoch
}

func (s *sharedState) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.epoch
}

func (s *sharedState) lastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

func (s *sharedState) currentService() *Service {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.service
}

// beginCommand and endCommand bracket a command the processor is running.
func (s *sharedState) beginCommand() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processing++
}

func (s *sharedState) endCommand() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processing--
}

func (s *sharedState) commandInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.processing > 0
}

// takeEvents returns and clears the queued callback events.
func (s *sharedState) takeEvents() []stateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events
	s.events = nil
	return events
}
