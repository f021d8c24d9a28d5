package eventual2pc

import "errors"

// Structural errors: the request can never succeed against any state.
var (
	ErrNoParticipants               = errors.New("transaction has no participants")
	ErrInitiatorCannotBeParticipant = errors.New("initiator cannot be a participant of its own transaction")
	ErrDuplicateParticipant         = errors.New("participant listed more than once")
	ErrTransactionIDRequired        = errors.New("transaction id is required")
	ErrNilPreparation               = errors.New("preparation is required")
	ErrInvalidPreparationType       = errors.New("preparation type not supported by participant")
	ErrUnsupportedEvent             = errors.New("aggregate does not raise this event")
)

// Protocol errors: the request does not fit the current state of the transaction.
var (
	ErrTransactionInProgress       = errors.New("a transaction is already in progress")
	ErrNotProcessing               = errors.New("no transaction in progress")
	ErrTransactionIDMismatch       = errors.New("transaction id does not match the current transaction")
	ErrTransactionTypeMismatch     = errors.New("transaction type does not match the current transaction")
	ErrPreparationPhaseNotResolved = errors.New("pre-commit phase not resolved")
	ErrPreparationNotFound         = errors.New("transaction preparation not found")
	ErrPreparationExists           = errors.New("transaction preparation already exists")
)
