package coordinator

import (
	"context"

	"github.com/raft-saga-store/bank"
	"github.com/raft-saga-store/bus"
	"github.com/raft-saga-store/eventual2pc"
)

func (c *Coordinator) registerDeposit() {
	p := DepositProcess
	c.on(p, bank.DepositStarted{}.EventType(), c.depositStarted)
	c.on(p, bank.DepositPreCommitSucceeded{}.EventType(), c.depositPrepared)
	c.on(p, bank.DepositAllPreCommitSucceeded{}.EventType(), c.depositCommit)
	c.on(p, bank.DepositCommitted{}.EventType(), c.depositCommitted)
	c.on(p, bank.DepositCompleted{}.EventType(), c.depositCompleted)
}

func (c *Coordinator) depositStarted(ctx context.Context, msg bus.Message) error {
	e, err := bus.Decode[bank.DepositStarted](msg)
	if err != nil {
		return err
	}
	c.log.Infof("[txid %s] deposit of %s into %s started", e.TransactionID, e.Amount, e.AccountID)
	c.metrics.TransactionStarted(bank.TransactionName(e.TransactionType))
	return c.send(ctx, msg, outgoing{bank.TopicPreCommitDeposit, e.AccountID, bank.DepositPreparation{
		PreparationInfo: eventual2pc.PreparationInfo{
			ParticipantID:   e.AccountID,
			ParticipantType: bank.BankAccountAggregate,
			TransactionID:   e.TransactionID,
			TransactionType: e.TransactionType,
			InitiatorID:     e.TransactionID,
			InitiatorType:   bank.DepositTransactionAggregate,
		},
		Amount: e.Amount,
	}})
}

func (c *Coordinator) depositPrepared(ctx context.Context, msg bus.Message) error {
	e, err := bus.Decode[bank.DepositPreCommitSucceeded](msg)
	if err != nil || e.Preparation.TransactionType != bank.TransactionDeposit {
		return err
	}
	return c.send(ctx, msg, reportTo(bank.TopicAddDepositPreCommitSucceeded, e.Preparation.PreparationInfo))
}

// depositCommit commits the only participant of the deposit.
func (c *Coordinator) depositCommit(ctx context.Context, msg bus.Message) error {
	e, err := bus.Decode[bank.DepositAllPreCommitSucceeded](msg)
	if err != nil {
		return err
	}
	if len(e.Participants) == 0 {
		c.log.Warnf("[txid %s] deposit prepared without participants", e.TransactionID)
		return nil
	}
	return c.send(ctx, msg, resolve(bank.TopicCommitPreparation, e.TransactionID, e.Participants[:1])...)
}

func (c *Coordinator) depositCommitted(ctx context.Context, msg bus.Message) error {
	e, err := bus.Decode[bank.DepositCommitted](msg)
	if err != nil || e.Preparation.TransactionType != bank.TransactionDeposit {
		return err
	}
	return c.send(ctx, msg, reportTo(bank.TopicAddDepositCommitted, e.Preparation.PreparationInfo))
}

func (c *Coordinator) depositCompleted(ctx context.Context, msg bus.Message) error {
	e, err := bus.Decode[bank.DepositCompleted](msg)
	if err != nil {
		return err
	}
	c.log.Infof("[txid %s] deposit completed, committed: %t", e.TransactionID, e.IsCommitSuccess)
	c.metrics.TransactionCompleted(bank.TransactionName(e.TransactionType), e.IsCommitSuccess)
	return nil
}
