package session

// State is the orchestrator's position in a turn.
type State int32

const (
	StateIdle State = iota
	StateBuffering
	StateAwaitingModel
	StateSpeaking
	StateDelegatingVision
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateSpeaking:
		return "speaking"
	case StateDelegatingVision:
		return "delegating_vision"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
