package bank

import (
	"github.com/raft-saga-store/eventsource"
	"github.com/raft-saga-store/eventual2pc"
	"github.com/shopspring/decimal"
)

// Command topics.
const (
	TopicCreateAccount       = "CreateAccount"
	TopicValidateAccount     = "ValidateAccount"
	TopicPreCommitWithdraw   = "PreCommitWithdrawPreparation"
	TopicPreCommitDeposit    = "PreCommitDepositPreparation"
	TopicCommitPreparation   = "CommitTransactionPreparation"
	TopicRollbackPreparation = "RollbackTransactionPreparation"

	TopicStartTransfer                 = "StartTransferTransaction"
	TopicAddTransferPreCommitSucceeded = "AddTransferPreCommitSucceededParticipant"
	TopicAddTransferPreCommitFailed    = "AddTransferPreCommitFailedParticipant"
	TopicAddTransferCommitted          = "AddTransferCommittedParticipant"
	TopicAddTransferRolledBack         = "AddTransferRolledBackParticipant"

	TopicStartDeposit                 = "StartDepositTransaction"
	TopicAddDepositPreCommitSucceeded = "AddDepositPreCommitSucceededParticipant"
	TopicAddDepositCommitted          = "AddDepositCommittedParticipant"
)

// Application message topics.
const (
	TopicAccountValidatePassed = "AccountValidatePassed"
	TopicAccountValidateFailed = "AccountValidateFailed"
)

// InvalidAccountPrefix marks account ids that never pass validation.
const InvalidAccountPrefix = "INVALID"

type CreateAccount struct {
	AccountID string `json:"accountId"`
	Owner     string `json:"owner"`
}

// ValidateAccount checks that an account may take part in a transaction.
type ValidateAccount struct {
	AccountID       string                      `json:"accountId"`
	TransactionID   string                      `json:"transactionId"`
	TransactionType eventual2pc.TransactionType `json:"transactionType"`
	PreparationType PreparationType             `json:"preparationType"`
	Amount          decimal.Decimal             `json:"amount"`
}

// PreparationCommand commits or rolls back the reservation of a transaction on an account.
type PreparationCommand struct {
	AccountID     string `json:"accountId"`
	TransactionID string `json:"transactionId"`
}

// ParticipantCommand reports a participant response to an initiator.
type ParticipantCommand struct {
	InitiatorID     string                      `json:"initiatorId"`
	TransactionID   string                      `json:"transactionId"`
	TransactionType eventual2pc.TransactionType `json:"transactionType"`
	Participant     eventual2pc.ParticipantInfo `json:"participant"`
}

type StartTransfer struct {
	TransactionID string       `json:"transactionId"`
	Info          TransferInfo `json:"info"`
}

type StartDeposit struct {
	TransactionID string          `json:"transactionId"`
	AccountID     string          `json:"accountId"`
	Amount        decimal.Decimal `json:"amount"`
}

// AccountValidatePassed is published when an account may take part in a transaction.
type AccountValidatePassed struct {
	AccountID       string                      `json:"accountId"`
	TransactionID   string                      `json:"transactionId"`
	TransactionType eventual2pc.TransactionType `json:"transactionType"`
	PreparationType PreparationType             `json:"preparationType"`
	Amount          decimal.Decimal             `json:"amount"`
}

// AccountValidateFailed is published when an account may not take part in a transaction.
type AccountValidateFailed struct {
	AccountID       string                      `json:"accountId"`
	TransactionID   string                      `json:"transactionId"`
	TransactionType eventual2pc.TransactionType `json:"transactionType"`
	PreparationType PreparationType             `json:"preparationType"`
	Reason          string                      `json:"reason"`
}

// RegisterEvents makes every bank event decodable by r.
func RegisterEvents(r *eventsource.Registry) {
	r.Register(
		AccountCreated{},
		WithdrawPreCommitSucceeded{},
		WithdrawCommitted{},
		WithdrawRolledBack{},
		DepositPreCommitSucceeded{},
		DepositCommitted{},
		DepositRolledBack{},

		TransferStarted{},
		TransferPreCommitSucceededAdded{},
		TransferPreCommitFailedAdded{},
		TransferAllPreCommitSucceeded{},
		TransferAnyPreCommitFailed{},
		TransferCommittedAdded{},
		TransferRolledBackAdded{},
		TransferCompleted{},

		DepositStarted{},
		DepositPreCommitSucceededAdded{},
		DepositAllPreCommitSucceeded{},
		DepositCommittedAdded{},
		DepositCompleted{},
	)
}
