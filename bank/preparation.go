package bank

import (
	"github.com/raft-saga-store/eventual2pc"
	"github.com/shopspring/decimal"
)

// Preparation kinds accepted by bank accounts.
const (
	KindWithdraw = "Withdraw"
	KindDeposit  = "Deposit"
)

// WithdrawPreparation reserves Amount out of an account. Until it is committed or rolled back
// the amount is not available to other withdrawals.
type WithdrawPreparation struct {
	eventual2pc.PreparationInfo
	Amount decimal.Decimal `json:"amount"`
}

func (WithdrawPreparation) Kind() string { return KindWithdraw }

// DepositPreparation announces Amount to be added to an account.
type DepositPreparation struct {
	eventual2pc.PreparationInfo
	Amount decimal.Decimal `json:"amount"`
}

func (DepositPreparation) Kind() string { return KindDeposit }

func amountOf(p eventual2pc.Preparation) decimal.Decimal {
	switch p := p.(type) {
	case WithdrawPreparation:
		return p.Amount
	case DepositPreparation:
		return p.Amount
	}
	return decimal.Zero
}
