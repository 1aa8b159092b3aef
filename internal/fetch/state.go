package fetch

// State is where an identifier is in its fetch lifecycle
type State int

const (
	StatePending State = iota
	StateInFlight
	StateRetrying
	StateSucceeded
	StateExhausted
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "inFlight"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateAbandoned
}

// validNext lists the legal transitions
var validNext = map[State][]State{
	StatePending:  {StateInFlight, StateSucceeded, StateAbandoned},
	StateInFlight: {StateSucceeded, StateRetrying, StateExhausted, StateAbandoned},
	StateRetrying: {StateInFlight, StateSucceeded, StateAbandoned},
}

// CanMove reports whether from -> to is a legal transition
func CanMove(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is delivered to observers on every state change
type Transition struct {
	ID      string
	From    State
	To      State
	Attempt int
	Err     error
}
