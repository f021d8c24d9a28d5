package coordinator

import (
	"context"

	"github.com/raft-saga-store/bank"
	"github.com/raft-saga-store/bus"
	"github.com/raft-saga-store/eventual2pc"
)

func (c *Coordinator) registerTransfer() {
	p := TransferProcess
	c.on(p, bank.TransferStarted{}.EventType(), c.transferStarted)
	c.on(p, bank.TopicAccountValidatePassed, c.transferAccountValidated)
	c.on(p, bank.TopicAccountValidateFailed, c.transferAccountRejected)
	c.on(p, bank.WithdrawPreCommitSucceeded{}.EventType(), transferPreparation(c, bank.TopicAddTransferPreCommitSucceeded, func(e bank.WithdrawPreCommitSucceeded) eventual2pc.PreparationInfo {
		return e.Preparation.PreparationInfo
	}))
	c.on(p, bank.DepositPreCommitSucceeded{}.EventType(), transferPreparation(c, bank.TopicAddTransferPreCommitSucceeded, func(e bank.DepositPreCommitSucceeded) eventual2pc.PreparationInfo {
		return e.Preparation.PreparationInfo
	}))
	c.on(p, bank.CodeInsufficientBalance, c.transferPreCommitFailed)
	// declined by exclusive participants, aggregates that also initiate transactions
	c.on(p, eventual2pc.CodeAlreadyInTransaction, c.transferPreCommitFailed)
	c.on(p, bank.TransferAllPreCommitSucceeded{}.EventType(), c.transferCommit)
	c.on(p, bank.TransferAnyPreCommitFailed{}.EventType(), c.transferRollback)
	c.on(p, bank.WithdrawCommitted{}.EventType(), transferPreparation(c, bank.TopicAddTransferCommitted, func(e bank.WithdrawCommitted) eventual2pc.PreparationInfo {
		return e.Preparation.PreparationInfo
	}))
	c.on(p, bank.DepositCommitted{}.EventType(), transferPreparation(c, bank.TopicAddTransferCommitted, func(e bank.DepositCommitted) eventual2pc.PreparationInfo {
		return e.Preparation.PreparationInfo
	}))
	c.on(p, bank.WithdrawRolledBack{}.EventType(), transferPreparation(c, bank.TopicAddTransferRolledBack, func(e bank.WithdrawRolledBack) eventual2pc.PreparationInfo {
		return e.Preparation.PreparationInfo
	}))
	c.on(p, bank.DepositRolledBack{}.EventType(), transferPreparation(c, bank.TopicAddTransferRolledBack, func(e bank.DepositRolledBack) eventual2pc.PreparationInfo {
		return e.Preparation.PreparationInfo
	}))
	c.on(p, bank.TransferCompleted{}.EventType(), c.transferCompleted)
}

func (c *Coordinator) transferStarted(ctx context.Context, msg bus.Message) error {
	e, err := bus.Decode[bank.TransferStarted](msg)
	if err != nil {
		return err
	}
	c.log.Infof("[txid %s] transfer of %s from %s to %s started", e.TransactionID, e.Info.Amount, e.Info.SourceAccountID, e.Info.TargetAccountID)
	c.metrics.TransactionStarted(bank.TransactionName(e.TransactionType))

	validate := func(accountID string, side bank.PreparationType) outgoing {
		return outgoing{
			topic: bank.TopicValidateAccount,
			key:   accountID,
			payload: bank.ValidateAccount{
				AccountID:       accountID,
				TransactionID:   e.TransactionID,
				TransactionType: e.TransactionType,
				PreparationType: side,
				Amount:          e.Info.Amount,
			},
		}
	}
	return c.send(ctx, msg,
		validate(e.Info.SourceAccountID, bank.DebitPreparation),
		validate(e.Info.TargetAccountID, bank.CreditPreparation))
}

func (c *Coordinator) transferAccountValidated(ctx context.Context, msg bus.Message) error {
	m, err := bus.Decode[bank.AccountValidatePassed](msg)
	if err != nil || m.TransactionType != bank.TransactionTransfer {
		return err
	}
	info := eventual2pc.PreparationInfo{
		ParticipantID:   m.AccountID,
		ParticipantType: bank.BankAccountAggregate,
		TransactionID:   m.TransactionID,
		TransactionType: m.TransactionType,
		InitiatorID:     m.TransactionID,
		InitiatorType:   bank.TransferTransactionAggregate,
	}
	switch m.PreparationType {
	case bank.DebitPreparation:
		return c.send(ctx, msg, outgoing{bank.TopicPreCommitWithdraw, m.AccountID, bank.WithdrawPreparation{PreparationInfo: info, Amount: m.Amount}})
	case bank.CreditPreparation:
		return c.send(ctx, msg, outgoing{bank.TopicPreCommitDeposit, m.AccountID, bank.DepositPreparation{PreparationInfo: info, Amount: m.Amount}})
	}
	c.log.Warnf("[txid %s] unknown preparation type %d for account %s", m.TransactionID, m.PreparationType, m.AccountID)
	return nil
}

func (c *Coordinator) transferAccountRejected(ctx context.Context, msg bus.Message) error {
	m, err := bus.Decode[bank.AccountValidateFailed](msg)
	if err != nil || m.TransactionType != bank.TransactionTransfer {
		return err
	}
	c.log.Infof("[txid %s] account %s rejected: %s", m.TransactionID, m.AccountID, m.Reason)
	return c.send(ctx, msg, outgoing{bank.TopicAddTransferPreCommitFailed, m.TransactionID, bank.ParticipantCommand{
		InitiatorID:     m.TransactionID,
		TransactionID:   m.TransactionID,
		TransactionType: m.TransactionType,
		Participant:     eventual2pc.ParticipantInfo{ParticipantID: m.AccountID, ParticipantType: bank.BankAccountAggregate},
	}})
}

func (c *Coordinator) transferPreCommitFailed(ctx context.Context, msg bus.Message) error {
	f, err := bus.Decode[eventual2pc.Failure](msg)
	if err != nil || f.Preparation.TransactionType != bank.TransactionTransfer {
		return err
	}
	c.log.Infof("[txid %s] pre-commit on %s failed: %s", f.Preparation.TransactionID, f.Preparation.ParticipantID, &f)
	return c.send(ctx, msg, reportTo(bank.TopicAddTransferPreCommitFailed, f.Preparation))
}

func (c *Coordinator) transferCommit(ctx context.Context, msg bus.Message) error {
	e, err := bus.Decode[bank.TransferAllPreCommitSucceeded](msg)
	if err != nil {
		return err
	}
	c.log.Infof("[txid %s] all participants prepared, committing", e.TransactionID)
	return c.send(ctx, msg, resolve(bank.TopicCommitPreparation, e.TransactionID, e.Participants)...)
}

func (c *Coordinator) transferRollback(ctx context.Context, msg bus.Message) error {
	e, err := bus.Decode[bank.TransferAnyPreCommitFailed](msg)
	if err != nil {
		return err
	}
	c.log.Infof("[txid %s] pre-commit failed, rolling back %d participant(s)", e.TransactionID, len(e.Participants))
	return c.send(ctx, msg, resolve(bank.TopicRollbackPreparation, e.TransactionID, e.Participants)...)
}

func (c *Coordinator) transferCompleted(ctx context.Context, msg bus.Message) error {
	e, err := bus.Decode[bank.TransferCompleted](msg)
	if err != nil {
		return err
	}
	c.log.Infof("[txid %s] transfer completed, committed: %t", e.TransactionID, e.IsCommitSuccess)
	c.metrics.TransactionCompleted(bank.TransactionName(e.TransactionType), e.IsCommitSuccess)
	return nil
}

// transferPreparation reports an account event about a transfer back to the transfer.
func transferPreparation[E any](c *Coordinator, topic string, info func(E) eventual2pc.PreparationInfo) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		e, err := bus.Decode[E](msg)
		if err != nil {
			return err
		}
		prep := info(e)
		if prep.TransactionType != bank.TransactionTransfer {
			return nil
		}
		return c.send(ctx, msg, reportTo(topic, prep))
	}
}

func reportTo(topic string, prep eventual2pc.PreparationInfo) outgoing {
	return outgoing{topic, prep.InitiatorID, bank.ParticipantCommand{
		InitiatorID:     prep.InitiatorID,
		TransactionID:   prep.TransactionID,
		TransactionType: prep.TransactionType,
		Participant:     prep.Participant(),
	}}
}

func resolve(topic, transactionID string, participants eventual2pc.Roster) []outgoing {
	cmds := make([]outgoing, 0, len(participants))
	for _, p := range participants {
		cmds = append(cmds, outgoing{topic, p.ParticipantID, bank.PreparationCommand{
			AccountID:     p.ParticipantID,
			TransactionID: transactionID,
		}})
	}
	return cmds
}
