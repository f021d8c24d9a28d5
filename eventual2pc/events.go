package eventual2pc

// TransactionStarted freezes the roster of a new transaction.
type TransactionStarted struct {
	TransactionID   string          `json:"transactionId"`
	TransactionType TransactionType `json:"transactionType"`
	Participants    Roster          `json:"participants"`
}

// ParticipantAdded records one participant response.
type ParticipantAdded struct {
	TransactionID   string          `json:"transactionId"`
	TransactionType TransactionType `json:"transactionType"`
	Participant     ParticipantInfo `json:"participant"`
}

// PreCommitResolved summarises the pre-commit phase. Participants holds the participants whose
// pre-commit succeeded.
type PreCommitResolved struct {
	TransactionID   string          `json:"transactionId"`
	TransactionType TransactionType `json:"transactionType"`
	Participants    Roster          `json:"participants"`
}

// TransactionCompleted ends a transaction.
type TransactionCompleted struct {
	TransactionID   string          `json:"transactionId"`
	TransactionType TransactionType `json:"transactionType"`
	IsCommitSuccess bool            `json:"isCommitSuccess"`
}

// InitiatorEvents wraps the core payloads into the aggregate's own event types. A nil builder
// makes the corresponding operation fail with ErrUnsupportedEvent.
type InitiatorEvents struct {
	Started                 func(TransactionStarted) any
	PreCommitSucceededAdded func(ParticipantAdded) any
	PreCommitFailedAdded    func(ParticipantAdded) any
	AllPreCommitSucceeded   func(PreCommitResolved) any
	AnyPreCommitFailed      func(PreCommitResolved) any
	CommittedAdded          func(ParticipantAdded) any
	RolledBackAdded         func(ParticipantAdded) any
	Completed               func(TransactionCompleted) any
}
