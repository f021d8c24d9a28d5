// Package eventual2pc implements the state machines of an eventually consistent two-phase
// commit. An initiator aggregate tracks the roster of a transaction and the responses of its
// participants; participant aggregates reserve, then commit or roll back, their part of it.
//
// Both state machines are meant to be embedded in event-sourced aggregates. Operations decide
// and hand events to a Raise function supplied by the aggregate; the aggregate folds every
// event back through the Apply methods, so state only ever changes through the fold.
package eventual2pc

// AggregateType identifies the kind of aggregate taking part in a transaction.
type AggregateType byte

// TransactionType identifies the kind of business transaction.
type TransactionType byte

// Raise hands an event to the owning aggregate, which folds it into its state and records it
// as a pending change.
type Raise func(event any) error

// ParticipantInfo identifies a participant. Two infos denote the same participant when their
// ids match; the type only routes commands.
type ParticipantInfo struct {
	ParticipantID   string        `json:"participantId"`
	ParticipantType AggregateType `json:"participantType"`
}

// PreparationInfo correlates a participant-side reservation with the transaction and the
// initiator that requested it.
type PreparationInfo struct {
	ParticipantID   string          `json:"participantId"`
	ParticipantType AggregateType   `json:"participantType"`
	TransactionID   string          `json:"transactionId"`
	TransactionType TransactionType `json:"transactionType"`
	InitiatorID     string          `json:"initiatorId"`
	InitiatorType   AggregateType   `json:"initiatorType"`
}

// Info returns the info itself, so that preparations embedding it satisfy Preparation.
func (i PreparationInfo) Info() PreparationInfo {
	return i
}

// Participant returns the participant half of the info.
func (i PreparationInfo) Participant() ParticipantInfo {
	return ParticipantInfo{ParticipantID: i.ParticipantID, ParticipantType: i.ParticipantType}
}

// Preparation is a pending operation owned by a participant, keyed by transaction id.
// Concrete preparations embed PreparationInfo and add their payload.
type Preparation interface {
	Info() PreparationInfo
	// Kind names the operation; participants declare the kinds they accept.
	Kind() string
}

// Roster is an ordered set of participants keyed by participant id.
type Roster []ParticipantInfo

// Contains reports whether a participant with the given id is in the roster.
func (r Roster) Contains(participantID string) bool {
	_, ok := r.Find(participantID)
	return ok
}

// Find returns the roster entry with the given id.
func (r Roster) Find(participantID string) (ParticipantInfo, bool) {
	for _, p := range r {
		if p.ParticipantID == participantID {
			return p, true
		}
	}
	return ParticipantInfo{}, false
}

// Clone returns a copy that does not share storage with r.
func (r Roster) Clone() Roster {
	if r == nil {
		return nil
	}
	c := make(Roster, len(r))
	copy(c, r)
	return c
}
