package node

// State is one position in the leader election FSM: eight states plus
// the Unknown sentinel. Ordering matters: several predicates compare
// state <= Waiting.
type State int

const (
	Unknown State = iota
	Searching
	Synchronizing
	Waiting
	StandingUp
	Leading
	StandingDown
	Subscribing
	Following
)

func (s State) String() string {
	switch s {
	case Searching:
		return "SEARCHING"
	case Synchronizing:
		return "SYNCHRONIZING"
	case Waiting:
		return "WAITING"
	case StandingUp:
		return "STANDINGUP"
	case Leading:
		return "LEADING"
	case StandingDown:
		return "STANDINGDOWN"
	case Subscribing:
		return "SUBSCRIBING"
	case Following:
		return "FOLLOWING"
	default:
		return "UNKNOWN"
	}
}

// ParseState parses the wire representation of a state, used for the
// State header on STATE/LOGIN messages.
func ParseState(s string) State {
	switch s {
	case "SEARCHING":
		return Searching
	case "SYNCHRONIZING":
		return Synchronizing
	case "WAITING":
		return Waiting
	case "STANDINGUP":
		return StandingUp
	case "LEADING":
		return Leading
	case "STANDINGDOWN":
		return StandingDown
	case "SUBSCRIBING":
		return Subscribing
	case "FOLLOWING":
		return Following
	default:
		return Unknown
	}
}

// transitions is the allowed-transition table from spec 4.2. Any
// transition not listed here is rejected with a warning, not applied.
var transitions = map[State]map[State]bool{
	Searching:     {Synchronizing: true, Waiting: true, Leading: true},
	Synchronizing: {Searching: true, Waiting: true},
	Waiting:       {Searching: true, StandingUp: true, Subscribing: true},
	StandingUp:    {Searching: true, Leading: true},
	Leading:       {Searching: true, StandingDown: true},
	StandingDown:  {Searching: true},
	Subscribing:   {Searching: true, Following: true},
	Following:     {Searching: true},
}

// legal reports whether from->to is an allowed transition. The
// identity transition (no-op re-entry) is always legal.
func legal(from, to State) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

// isLeaderlike reports whether a peer in this state is a candidate or
// actual leader, used for "current leader" and multi-leader detection.
func isLeaderlike(s State) bool {
	return s == StandingUp || s == Leading || s == StandingDown
}
