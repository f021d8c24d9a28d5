package bank

import (
	"encoding/json"
	"fmt"

	"github.com/raft-saga-store/eventsource"
	"github.com/raft-saga-store/eventual2pc"
	"github.com/shopspring/decimal"
)

// CodeInsufficientBalance declines a withdrawal larger than the available balance.
const CodeInsufficientBalance = "InsufficientBalance"

// Details of an InsufficientBalance failure.
const (
	DetailAmount                  = "amount"
	DetailCurrentBalance          = "currentBalance"
	DetailCurrentAvailableBalance = "currentAvailableBalance"
)

// AccountCreated opens an account.
type AccountCreated struct {
	Owner string `json:"owner"`
}

func (AccountCreated) EventType() string { return "AccountCreated" }

// WithdrawPreCommitSucceeded reserves a withdrawal.
type WithdrawPreCommitSucceeded struct {
	Preparation WithdrawPreparation `json:"preparation"`
}

func (WithdrawPreCommitSucceeded) EventType() string { return "WithdrawPreCommitSucceeded" }

// WithdrawCommitted debits a reserved withdrawal.
type WithdrawCommitted struct {
	Preparation    WithdrawPreparation `json:"preparation"`
	CurrentBalance decimal.Decimal     `json:"currentBalance"`
}

func (WithdrawCommitted) EventType() string { return "WithdrawCommitted" }

// WithdrawRolledBack releases a reserved withdrawal.
type WithdrawRolledBack struct {
	Preparation WithdrawPreparation `json:"preparation"`
}

func (WithdrawRolledBack) EventType() string { return "WithdrawRolledBack" }

// DepositPreCommitSucceeded reserves a deposit.
type DepositPreCommitSucceeded struct {
	Preparation DepositPreparation `json:"preparation"`
}

func (DepositPreCommitSucceeded) EventType() string { return "DepositPreCommitSucceeded" }

// DepositCommitted credits a reserved deposit.
type DepositCommitted struct {
	Preparation    DepositPreparation `json:"preparation"`
	CurrentBalance decimal.Decimal    `json:"currentBalance"`
}

func (DepositCommitted) EventType() string { return "DepositCommitted" }

// DepositRolledBack drops a reserved deposit.
type DepositRolledBack struct {
	Preparation DepositPreparation `json:"preparation"`
}

func (DepositRolledBack) EventType() string { return "DepositRolledBack" }

// Account is a bank account. It takes part in transactions as a participant and never
// initiates one, so it accepts any number of concurrent reservations.
type Account struct {
	eventsource.Root
	eventual2pc.Participant

	owner   string
	balance decimal.Decimal
}

// NewAccount returns an empty account to load or create.
func NewAccount(id string) *Account {
	return &Account{
		Root:        eventsource.NewRoot(id, BankAccountType),
		Participant: eventual2pc.NewParticipant(KindWithdraw, KindDeposit),
	}
}

func (a *Account) Owner() string            { return a.owner }
func (a *Account) Balance() decimal.Decimal { return a.balance }

// AvailableBalance is the balance minus every reserved withdrawal.
func (a *Account) AvailableBalance() decimal.Decimal {
	available := a.balance
	for _, p := range a.Preparations(KindWithdraw) {
		available = available.Sub(amountOf(p))
	}
	return available
}

func (a *Account) raise(e any) error {
	return a.Root.Raise(a, e)
}

// Create opens the account for owner.
func (a *Account) Create(owner string) error {
	if owner == "" {
		return ErrOwnerRequired
	}
	return a.raise(AccountCreated{Owner: owner})
}

// PreCommitWithdraw reserves p.Amount, declining with InsufficientBalance when the available
// balance does not cover it.
func (a *Account) PreCommitWithdraw(p WithdrawPreparation) (eventual2pc.Outcome, error) {
	if err := a.address(&p.PreparationInfo, p.Amount); err != nil {
		return eventual2pc.Outcome{}, err
	}
	return a.PreCommit(p, func(eventual2pc.Preparation) eventual2pc.Outcome {
		available := a.AvailableBalance()
		if available.LessThan(p.Amount) {
			return eventual2pc.Decline(eventual2pc.NewFailure(CodeInsufficientBalance, p,
				fmt.Sprintf("account %s cannot withdraw %s, available %s", a.ID(), p.Amount, available)).
				With(DetailAmount, p.Amount.String()).
				With(DetailCurrentBalance, a.balance.String()).
				With(DetailCurrentAvailableBalance, available.String()))
		}
		return eventual2pc.Accept(WithdrawPreCommitSucceeded{Preparation: p})
	}, a.raise)
}

// PreCommitDeposit reserves an incoming p.Amount. Deposits are never declined.
func (a *Account) PreCommitDeposit(p DepositPreparation) (eventual2pc.Outcome, error) {
	if err := a.address(&p.PreparationInfo, p.Amount); err != nil {
		return eventual2pc.Outcome{}, err
	}
	return a.PreCommit(p, func(eventual2pc.Preparation) eventual2pc.Outcome {
		return eventual2pc.Accept(DepositPreCommitSucceeded{Preparation: p})
	}, a.raise)
}

func (a *Account) address(info *eventual2pc.PreparationInfo, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if info.ParticipantID == "" {
		info.ParticipantID = a.ID()
	}
	if info.ParticipantID != a.ID() {
		return fmt.Errorf("%w: %s on %s", ErrWrongAccount, info.ParticipantID, a.ID())
	}
	info.ParticipantType = BankAccountAggregate
	return nil
}

// Commit applies the reservation of transactionID to the balance.
func (a *Account) Commit(transactionID string) error {
	return a.Participant.Commit(transactionID, func(p eventual2pc.Preparation) any {
		switch p := p.(type) {
		case WithdrawPreparation:
			return WithdrawCommitted{Preparation: p, CurrentBalance: a.balance.Sub(p.Amount)}
		case DepositPreparation:
			return DepositCommitted{Preparation: p, CurrentBalance: a.balance.Add(p.Amount)}
		}
		return nil
	}, a.raise)
}

// Rollback drops the reservation of transactionID.
func (a *Account) Rollback(transactionID string) error {
	return a.Participant.Rollback(transactionID, func(p eventual2pc.Preparation) any {
		switch p := p.(type) {
		case WithdrawPreparation:
			return WithdrawRolledBack{Preparation: p}
		case DepositPreparation:
			return DepositRolledBack{Preparation: p}
		}
		return nil
	}, a.raise)
}

// accountState is the snapshot of an account.
type accountState struct {
	Owner       string                `json:"owner"`
	Balance     decimal.Decimal       `json:"balance"`
	Withdrawals []WithdrawPreparation `json:"withdrawals,omitempty"`
	Deposits    []DepositPreparation  `json:"deposits,omitempty"`
}

func (a *Account) SnapshotState() ([]byte, error) {
	st := accountState{Owner: a.owner, Balance: a.balance}
	for _, p := range a.Preparations("") {
		switch p := p.(type) {
		case WithdrawPreparation:
			st.Withdrawals = append(st.Withdrawals, p)
		case DepositPreparation:
			st.Deposits = append(st.Deposits, p)
		default:
			return nil, fmt.Errorf("%w: %T", eventual2pc.ErrInvalidPreparationType, p)
		}
	}
	return json.Marshal(st)
}

// RestoreState loads a snapshot into a fresh account.
func (a *Account) RestoreState(state []byte) error {
	var st accountState
	if err := json.Unmarshal(state, &st); err != nil {
		return err
	}
	a.owner, a.balance = st.Owner, st.Balance
	for _, p := range st.Withdrawals {
		a.Reserve(p)
	}
	for _, p := range st.Deposits {
		a.Reserve(p)
	}
	return nil
}

// Apply folds e into the account.
func (a *Account) Apply(e eventsource.Event) error {
	switch d := e.Data.(type) {
	case AccountCreated:
		a.owner = d.Owner
	case WithdrawPreCommitSucceeded:
		a.Reserve(d.Preparation)
	case WithdrawCommitted:
		a.balance = d.CurrentBalance
		a.Release(d.Preparation.TransactionID)
	case WithdrawRolledBack:
		a.Release(d.Preparation.TransactionID)
	case DepositPreCommitSucceeded:
		a.Reserve(d.Preparation)
	case DepositCommitted:
		a.balance = d.CurrentBalance
		a.Release(d.Preparation.TransactionID)
	case DepositRolledBack:
		a.Release(d.Preparation.TransactionID)
	default:
		return fmt.Errorf("%w: %s on %s", eventual2pc.ErrUnsupportedEvent, e.Type, BankAccountType)
	}
	return nil
}
