package common

// MessageKind classifies what travels on the bus.
type MessageKind byte

const (
	CommandMessage     MessageKind = 1
	EventMessage       MessageKind = 2
	FailureMessage     MessageKind = 3
	ApplicationMessage MessageKind = 4
)

func (k MessageKind) String() string {
	switch k {
	case CommandMessage:
		return "command"
	case EventMessage:
		return "event"
	case FailureMessage:
		return "failure"
	case ApplicationMessage:
		return "application"
	}
	return "unknown"
}
