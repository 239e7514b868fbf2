package engine

// State of an Engine. Failed is reachable from every state but Done.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateStreaming
	StateDraining
	StateCheckpointed
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateCheckpointed:
		return "checkpointed"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
