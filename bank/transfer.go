package bank

import (
	"fmt"

	"github.com/raft-saga-store/eventsource"
	"github.com/raft-saga-store/eventual2pc"
	"github.com/shopspring/decimal"
)

// TransferInfo describes a transfer.
type TransferInfo struct {
	SourceAccountID string          `json:"sourceAccountId"`
	TargetAccountID string          `json:"targetAccountId"`
	Amount          decimal.Decimal `json:"amount"`
}

func (i TransferInfo) validate() error {
	if i.SourceAccountID == "" || i.TargetAccountID == "" {
		return ErrAccountRequired
	}
	if i.SourceAccountID == i.TargetAccountID {
		return ErrSameAccount
	}
	if !i.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// TransferStarted starts a transfer between two accounts.
type TransferStarted struct {
	eventual2pc.TransactionStarted
	Info TransferInfo `json:"info"`
}

func (TransferStarted) EventType() string { return "TransferTransactionStarted" }

// TransferPreCommitSucceededAdded records that one side reserved its part.
type TransferPreCommitSucceededAdded struct {
	eventual2pc.ParticipantAdded
	PreparationType PreparationType `json:"preparationType"`
}

func (TransferPreCommitSucceededAdded) EventType() string {
	return "TransferTransactionPreCommitSucceededParticipantAdded"
}

// TransferPreCommitFailedAdded records that one side declined.
type TransferPreCommitFailedAdded struct {
	eventual2pc.ParticipantAdded
}

func (TransferPreCommitFailedAdded) EventType() string {
	return "TransferTransactionPreCommitFailedParticipantAdded"
}

// TransferAllPreCommitSucceeded asks both sides to commit.
type TransferAllPreCommitSucceeded struct {
	eventual2pc.PreCommitResolved
}

func (TransferAllPreCommitSucceeded) EventType() string {
	return "TransferTransactionAllParticipantPreCommitSucceeded"
}

// TransferAnyPreCommitFailed asks the sides that reserved to roll back.
type TransferAnyPreCommitFailed struct {
	eventual2pc.PreCommitResolved
}

func (TransferAnyPreCommitFailed) EventType() string {
	return "TransferTransactionAnyParticipantPreCommitFailed"
}

// TransferCommittedAdded records a committed side.
type TransferCommittedAdded struct {
	eventual2pc.ParticipantAdded
}

func (TransferCommittedAdded) EventType() string {
	return "TransferTransactionCommittedParticipantAdded"
}

// TransferRolledBackAdded records a rolled back side.
type TransferRolledBackAdded struct {
	eventual2pc.ParticipantAdded
}

func (TransferRolledBackAdded) EventType() string {
	return "TransferTransactionRolledBackParticipantAdded"
}

// TransferCompleted ends a transfer.
type TransferCompleted struct {
	eventual2pc.TransactionCompleted
}

func (TransferCompleted) EventType() string { return "TransferTransactionCompleted" }

// Transfer moves money between two accounts. Its id is the id of the transaction it runs.
type Transfer struct {
	eventsource.Root
	eventual2pc.Initiator

	info   TransferInfo
	status TransactionStatus
}

// NewTransfer returns an empty transfer to load or start.
func NewTransfer(id string) *Transfer {
	t := &Transfer{Root: eventsource.NewRoot(id, TransferTransactionType)}
	t.Initiator = eventual2pc.NewInitiator(id, eventual2pc.InitiatorEvents{
		Started: func(e eventual2pc.TransactionStarted) any {
			return TransferStarted{TransactionStarted: e}
		},
		PreCommitSucceededAdded: func(e eventual2pc.ParticipantAdded) any {
			side := CreditPreparation
			if e.Participant.ParticipantID == t.info.SourceAccountID {
				side = DebitPreparation
			}
			return TransferPreCommitSucceededAdded{ParticipantAdded: e, PreparationType: side}
		},
		PreCommitFailedAdded: func(e eventual2pc.ParticipantAdded) any {
			return TransferPreCommitFailedAdded{ParticipantAdded: e}
		},
		AllPreCommitSucceeded: func(e eventual2pc.PreCommitResolved) any {
			return TransferAllPreCommitSucceeded{PreCommitResolved: e}
		},
		AnyPreCommitFailed: func(e eventual2pc.PreCommitResolved) any {
			return TransferAnyPreCommitFailed{PreCommitResolved: e}
		},
		CommittedAdded: func(e eventual2pc.ParticipantAdded) any {
			return TransferCommittedAdded{ParticipantAdded: e}
		},
		RolledBackAdded: func(e eventual2pc.ParticipantAdded) any {
			return TransferRolledBackAdded{ParticipantAdded: e}
		},
		Completed: func(e eventual2pc.TransactionCompleted) any {
			return TransferCompleted{TransactionCompleted: e}
		},
	})
	return t
}

func (t *Transfer) Info() TransferInfo        { return t.info }
func (t *Transfer) Status() TransactionStatus { return t.status }

func (t *Transfer) raise(e any) error {
	return t.Root.Raise(t, e)
}

// Start begins the transfer described by info.
func (t *Transfer) Start(info TransferInfo) error {
	if err := info.validate(); err != nil {
		return err
	}
	roster := []eventual2pc.ParticipantInfo{
		{ParticipantID: info.SourceAccountID, ParticipantType: BankAccountAggregate},
		{ParticipantID: info.TargetAccountID, ParticipantType: BankAccountAggregate},
	}
	return t.Initiator.Start(t.ID(), TransactionTransfer, roster, func(e any) error {
		started, ok := e.(TransferStarted)
		if !ok {
			return t.raise(e)
		}
		started.Info = info
		return t.raise(started)
	})
}

func (t *Transfer) AddPreCommitSucceededParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error {
	return t.Initiator.AddPreCommitSucceededParticipant(transactionID, transactionType, p, t.raise)
}

func (t *Transfer) AddPreCommitFailedParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error {
	return t.Initiator.AddPreCommitFailedParticipant(transactionID, transactionType, p, t.raise)
}

func (t *Transfer) AddCommittedParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error {
	return t.Initiator.AddCommittedParticipant(transactionID, transactionType, p, t.raise)
}

func (t *Transfer) AddRolledBackParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error {
	return t.Initiator.AddRolledBackParticipant(transactionID, transactionType, p, t.raise)
}

// Apply folds e into the transfer.
func (t *Transfer) Apply(e eventsource.Event) error {
	switch d := e.Data.(type) {
	case TransferStarted:
		t.info = d.Info
		t.status = StatusStarted
		t.ApplyStarted(d.TransactionStarted)
	case TransferPreCommitSucceededAdded:
		t.ApplyPreCommitSucceededAdded(d.ParticipantAdded)
	case TransferPreCommitFailedAdded:
		t.ApplyPreCommitFailedAdded(d.ParticipantAdded)
	case TransferAllPreCommitSucceeded:
		t.status = StatusPreparationCompleted
	case TransferAnyPreCommitFailed:
	case TransferCommittedAdded:
		t.ApplyCommittedAdded(d.ParticipantAdded)
	case TransferRolledBackAdded:
		t.ApplyRolledBackAdded(d.ParticipantAdded)
	case TransferCompleted:
		t.status = StatusCanceled
		if d.IsCommitSuccess {
			t.status = StatusCompleted
		}
		t.ApplyCompleted(d.TransactionCompleted)
	default:
		return fmt.Errorf("%w: %s on %s", eventual2pc.ErrUnsupportedEvent, e.Type, TransferTransactionType)
	}
	return nil
}
