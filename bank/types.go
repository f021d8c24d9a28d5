// Package bank is the sample domain of the saga framework: bank accounts take part in
// transfer and deposit transactions as participants, and the transactions themselves are the
// initiators.
package bank

import (
	"errors"

	"github.com/raft-saga-store/eventual2pc"
)

var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrOwnerRequired   = errors.New("account owner is required")
	ErrAccountRequired = errors.New("account id is required")
	ErrSameAccount     = errors.New("source and target account must differ")
	ErrWrongAccount    = errors.New("preparation addressed to another account")
)

// Aggregate types, as carried in rosters and preparations.
const (
	BankAccountAggregate         eventual2pc.AggregateType = 1
	TransferTransactionAggregate eventual2pc.AggregateType = 2
	DepositTransactionAggregate  eventual2pc.AggregateType = 3
)

// Aggregate type names, as used by the event store.
const (
	BankAccountType         = "BankAccount"
	TransferTransactionType = "TransferTransaction"
	DepositTransactionType  = "DepositTransaction"
)

// Transaction types.
const (
	TransactionDeposit  eventual2pc.TransactionType = 1
	TransactionWithdraw eventual2pc.TransactionType = 2
	TransactionTransfer eventual2pc.TransactionType = 3
)

// TransactionName names a transaction type for logs and metrics.
func TransactionName(t eventual2pc.TransactionType) string {
	switch t {
	case TransactionDeposit:
		return "deposit"
	case TransactionWithdraw:
		return "withdraw"
	case TransactionTransfer:
		return "transfer"
	}
	return "unknown"
}

// PreparationType tells which side of a transfer a participant is on.
type PreparationType byte

const (
	DebitPreparation  PreparationType = 1
	CreditPreparation PreparationType = 2
)

func (p PreparationType) String() string {
	switch p {
	case DebitPreparation:
		return "debit"
	case CreditPreparation:
		return "credit"
	}
	return "unknown"
}

// TransactionStatus is the lifecycle of a transfer or deposit.
type TransactionStatus byte

const (
	StatusStarted              TransactionStatus = 1
	StatusPreparationCompleted TransactionStatus = 2
	StatusCompleted            TransactionStatus = 3
	StatusCanceled             TransactionStatus = 4
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusPreparationCompleted:
		return "preparation-completed"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	}
	return "unknown"
}
