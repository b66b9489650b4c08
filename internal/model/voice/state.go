package voice

// Role identifies who produced a transcript fragment.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UpstreamState tracks the speech-endpoint leg of a session.
type UpstreamState int

const (
	UpstreamConnecting UpstreamState = iota
	UpstreamOpen
	UpstreamClosed
)

func (s UpstreamState) String() string {
	switch s {
	case UpstreamConnecting:
		return "connecting"
	case UpstreamOpen:
		return "open"
	case UpstreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TurnState mirrors the upstream's turn boundaries. Diagnostic only.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnAwaiting
	TurnComplete
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnAwaiting:
		return "awaitingTurn"
	case TurnComplete:
		return "turnComplete"
	default:
		return "unknown"
	}
}

// TurnBoundary is the kind of turn signal the upstream emitted.
type TurnBoundary int

const (
	BoundaryComplete TurnBoundary = iota
	BoundaryInterrupted
)

func (b TurnBoundary) String() string {
	if b == BoundaryInterrupted {
		return "interrupted"
	}
	return "complete"
}
