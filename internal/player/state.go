package player

// State is the lifecycle state of a Session.
type State int

const (
	Uninitialized State = iota
	Loading
	Ready
	Playing
	Paused
	Stalled
	Recovering
	Failed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stalled:
		return "stalled"
	case Recovering:
		return "recovering"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// transitions lists the states reachable from each state. Failed is terminal.
var transitions = map[State]map[State]bool{
	Uninitialized: {Loading: true, Failed: true},
	Loading:       {Ready: true, Recovering: true, Failed: true},
	Ready:         {Playing: true, Paused: true, Stalled: true, Recovering: true, Loading: true, Failed: true},
	Playing:       {Paused: true, Stalled: true, Recovering: true, Loading: true, Failed: true},
	Paused:        {Playing: true, Stalled: true, Recovering: true, Loading: true, Failed: true},
	Stalled:       {Playing: true, Paused: true, Recovering: true, Loading: true, Failed: true},
	Recovering:    {Loading: true, Ready: true, Playing: true, Paused: true, Stalled: true, Failed: true},
	Failed:        {},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}
