package capacity

import "time"

// State of the capacity channel as seen by the supervisor.
type State int

const (
	Connected State = iota
	Disconnected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// Event is something the channel read loop observed.
type Event int

const (
	// EventClosed: the channel was closed or errored.
	EventClosed Event = iota
	// EventDialFailed: a reconnection attempt did not produce a channel.
	EventDialFailed
	// EventDialSucceeded: a reconnection attempt produced a channel.
	EventDialSucceeded
)

// Decision tells the caller whether to dial again and after how long.
type Decision struct {
	Redial bool
	After  time.Duration
}

// TransitionFunc is called for every state change, including the
// Connected -> Disconnected -> Reconnecting(1) pair produced by a single close.
type TransitionFunc func(from, to State, attempt uint)

// Supervisor is the reconnect state machine. It has no terminal state: it keeps
// asking for redials until its owner stops feeding it events.
//
// A Supervisor is not safe for concurrent use; it belongs to a single read loop.
type Supervisor struct {
	backoff      Backoff
	state        State
	attempt      uint
	onTransition TransitionFunc
}

// NewSupervisor returns a supervisor in the Connected state, which is where a
// channel is right after it has been established.
func NewSupervisor(backoff Backoff, onTransition TransitionFunc) *Supervisor {
	return &Supervisor{
		backoff:      backoff,
		state:        Connected,
		onTransition: onTransition,
	}
}

func (s *Supervisor) State() State {
	return s.state
}

// Attempt is the current reconnection attempt, 0 while connected.
func (s *Supervisor) Attempt() uint {
	return s.attempt
}

// Observe feeds an event into the state machine. Events that do not apply to
// the current state are ignored.
func (s *Supervisor) Observe(ev Event) Decision {
	switch {
	case s.state == Connected && ev == EventClosed:
		s.transition(Disconnected, 0)
		s.transition(Reconnecting, 1)
		return Decision{Redial: true, After: s.backoff.Delay(s.attempt)}

	case s.state == Reconnecting && ev == EventDialFailed:
		s.transition(Reconnecting, s.attempt+1)
		return Decision{Redial: true, After: s.backoff.Delay(s.attempt)}

	case s.state == Reconnecting && ev == EventDialSucceeded:
		s.transition(Connected, 0)
		return Decision{}
	}

	if s.state == Reconnecting {
		return Decision{Redial: true, After: s.backoff.Delay(s.attempt)}
	}
	return Decision{}
}

func (s *Supervisor) transition(to State, attempt uint) {
	from := s.state
	s.state = to
	s.attempt = attempt
	if s.onTransition != nil {
		s.onTransition(from, to, attempt)
	}
}
