package bank

import (
	"fmt"

	"github.com/raft-saga-store/eventsource"
	"github.com/raft-saga-store/eventual2pc"
	"github.com/shopspring/decimal"
)

// DepositStarted starts a deposit into one account.
type DepositStarted struct {
	eventual2pc.TransactionStarted
	AccountID string          `json:"accountId"`
	Amount    decimal.Decimal `json:"amount"`
}

func (DepositStarted) EventType() string { return "DepositTransactionStarted" }

// DepositPreCommitSucceededAdded records that the account reserved the deposit.
type DepositPreCommitSucceededAdded struct {
	eventual2pc.ParticipantAdded
}

func (DepositPreCommitSucceededAdded) EventType() string {
	return "DepositTransactionPreCommitSucceededParticipantAdded"
}

// DepositAllPreCommitSucceeded asks the account to commit.
type DepositAllPreCommitSucceeded struct {
	eventual2pc.PreCommitResolved
}

func (DepositAllPreCommitSucceeded) EventType() string {
	return "DepositTransactionAllParticipantPreCommitSucceeded"
}

// DepositCommittedAdded records that the account committed.
type DepositCommittedAdded struct {
	eventual2pc.ParticipantAdded
}

func (DepositCommittedAdded) EventType() string {
	return "DepositTransactionCommittedParticipantAdded"
}

// DepositCompleted ends a deposit.
type DepositCompleted struct {
	eventual2pc.TransactionCompleted
}

func (DepositCompleted) EventType() string { return "DepositTransactionCompleted" }

// Deposit credits a single account. Accounts never decline deposits, so a deposit has no
// failure path: the failure and rollback operations are unsupported.
type Deposit struct {
	eventsource.Root
	eventual2pc.Initiator

	accountID string
	amount    decimal.Decimal
	status    TransactionStatus
}

// NewDeposit returns an empty deposit to load or start.
func NewDeposit(id string) *Deposit {
	d := &Deposit{Root: eventsource.NewRoot(id, DepositTransactionType)}
	d.Initiator = eventual2pc.NewInitiator(id, eventual2pc.InitiatorEvents{
		Started: func(e eventual2pc.TransactionStarted) any {
			return DepositStarted{TransactionStarted: e}
		},
		PreCommitSucceededAdded: func(e eventual2pc.ParticipantAdded) any {
			return DepositPreCommitSucceededAdded{ParticipantAdded: e}
		},
		AllPreCommitSucceeded: func(e eventual2pc.PreCommitResolved) any {
			return DepositAllPreCommitSucceeded{PreCommitResolved: e}
		},
		CommittedAdded: func(e eventual2pc.ParticipantAdded) any {
			return DepositCommittedAdded{ParticipantAdded: e}
		},
		Completed: func(e eventual2pc.TransactionCompleted) any {
			return DepositCompleted{TransactionCompleted: e}
		},
	})
	return d
}

func (d *Deposit) AccountID() string         { return d.accountID }
func (d *Deposit) Amount() decimal.Decimal   { return d.amount }
func (d *Deposit) Status() TransactionStatus { return d.status }

func (d *Deposit) raise(e any) error {
	return d.Root.Raise(d, e)
}

// Start begins a deposit of amount into accountID.
func (d *Deposit) Start(accountID string, amount decimal.Decimal) error {
	if accountID == "" {
		return ErrAccountRequired
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	roster := []eventual2pc.ParticipantInfo{{ParticipantID: accountID, ParticipantType: BankAccountAggregate}}
	return d.Initiator.Start(d.ID(), TransactionDeposit, roster, func(e any) error {
		started, ok := e.(DepositStarted)
		if !ok {
			return d.raise(e)
		}
		started.AccountID = accountID
		started.Amount = amount
		return d.raise(started)
	})
}

func (d *Deposit) AddPreCommitSucceededParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error {
	return d.Initiator.AddPreCommitSucceededParticipant(transactionID, transactionType, p, d.raise)
}

func (d *Deposit) AddPreCommitFailedParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error {
	return d.Initiator.AddPreCommitFailedParticipant(transactionID, transactionType, p, d.raise)
}

func (d *Deposit) AddCommittedParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error {
	return d.Initiator.AddCommittedParticipant(transactionID, transactionType, p, d.raise)
}

func (d *Deposit) AddRolledBackParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error {
	return d.Initiator.AddRolledBackParticipant(transactionID, transactionType, p, d.raise)
}

// Apply folds e into the deposit.
func (d *Deposit) Apply(e eventsource.Event) error {
	switch v := e.Data.(type) {
	case DepositStarted:
		d.accountID = v.AccountID
		d.amount = v.Amount
		d.status = StatusStarted
		d.ApplyStarted(v.TransactionStarted)
	case DepositPreCommitSucceededAdded:
		d.ApplyPreCommitSucceededAdded(v.ParticipantAdded)
	case DepositAllPreCommitSucceeded:
		d.status = StatusPreparationCompleted
	case DepositCommittedAdded:
		d.ApplyCommittedAdded(v.ParticipantAdded)
	case DepositCompleted:
		d.status = StatusCanceled
		if v.IsCommitSuccess {
			d.status = StatusCompleted
		}
		d.ApplyCompleted(v.TransactionCompleted)
	default:
		return fmt.Errorf("%w: %s on %s", eventual2pc.ErrUnsupportedEvent, e.Type, DepositTransactionType)
	}
	return nil
}
