package bank

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raft-saga-store/bus"
	"github.com/raft-saga-store/command"
	"github.com/raft-saga-store/common"
	"github.com/raft-saga-store/eventual2pc"
	"github.com/raft-saga-store/store"
	log "github.com/sirupsen/logrus"
)

// Subscriber is the name the command handlers subscribe under.
const Subscriber = "bank"

var ErrUnknownCommand = errors.New("unknown command")

// initiator is implemented by Transfer and Deposit.
type initiator interface {
	AddPreCommitSucceededParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error
	AddPreCommitFailedParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error
	AddCommittedParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error
	AddRolledBackParticipant(transactionID string, transactionType eventual2pc.TransactionType, p eventual2pc.ParticipantInfo) error
}

// Handlers runs the bank commands.
type Handlers struct {
	exec     *command.Executor
	repo     *store.Repository
	bus      bus.Bus
	handlers map[string]bus.Handler
	log      *log.Entry
}

func NewHandlers(logger *log.Logger, exec *command.Executor, repo *store.Repository, b bus.Bus) *Handlers {
	h := &Handlers{
		exec: exec,
		repo: repo,
		bus:  b,
		log:  logger.WithField("component", "bank"),
	}
	h.handlers = map[string]bus.Handler{
		TopicCreateAccount:       h.createAccount,
		TopicValidateAccount:     h.validateAccount,
		TopicPreCommitWithdraw:   h.preCommitWithdraw,
		TopicPreCommitDeposit:    h.preCommitDeposit,
		TopicCommitPreparation:   h.commitPreparation,
		TopicRollbackPreparation: h.rollbackPreparation,

		TopicStartTransfer: h.startTransfer,
		TopicAddTransferPreCommitSucceeded: h.transferStep(func(t initiator, c ParticipantCommand) error {
			return t.AddPreCommitSucceededParticipant(c.TransactionID, c.TransactionType, c.Participant)
		}),
		TopicAddTransferPreCommitFailed: h.transferStep(func(t initiator, c ParticipantCommand) error {
			return t.AddPreCommitFailedParticipant(c.TransactionID, c.TransactionType, c.Participant)
		}),
		TopicAddTransferCommitted: h.transferStep(func(t initiator, c ParticipantCommand) error {
			return t.AddCommittedParticipant(c.TransactionID, c.TransactionType, c.Participant)
		}),
		TopicAddTransferRolledBack: h.transferStep(func(t initiator, c ParticipantCommand) error {
			return t.AddRolledBackParticipant(c.TransactionID, c.TransactionType, c.Participant)
		}),

		TopicStartDeposit: h.startDeposit,
		TopicAddDepositPreCommitSucceeded: h.depositStep(func(d initiator, c ParticipantCommand) error {
			return d.AddPreCommitSucceededParticipant(c.TransactionID, c.TransactionType, c.Participant)
		}),
		TopicAddDepositCommitted: h.depositStep(func(d initiator, c ParticipantCommand) error {
			return d.AddCommittedParticipant(c.TransactionID, c.TransactionType, c.Participant)
		}),
	}
	return h
}

// Register subscribes every command handler to b.
func (h *Handlers) Register() {
	for topic, handler := range h.handlers {
		h.bus.Subscribe(topic, Subscriber, handler)
	}
}

// Dispatch runs the handler of msg in the calling goroutine.
func (h *Handlers) Dispatch(ctx context.Context, msg bus.Message) error {
	handler, ok := h.handlers[msg.Topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, msg.Topic)
	}
	return handler(ctx, msg)
}

func (h *Handlers) createAccount(ctx context.Context, msg bus.Message) error {
	cmd, err := bus.Decode[CreateAccount](msg)
	if err != nil {
		return err
	}
	if cmd.AccountID == "" {
		return ErrAccountRequired
	}
	a := NewAccount(cmd.AccountID)
	return h.exec.Execute(ctx, msg, a, command.Create, func() (*eventual2pc.Failure, error) {
		return nil, a.Create(cmd.Owner)
	})
}

// validateAccount answers with an application message instead of touching the account. The
// answer id is derived from the command id so that a redelivered command repeats it exactly.
func (h *Handlers) validateAccount(ctx context.Context, msg bus.Message) error {
	cmd, err := bus.Decode[ValidateAccount](msg)
	if err != nil {
		return err
	}
	reason, err := h.validate(ctx, cmd.AccountID)
	if err != nil {
		return err
	}

	var out bus.Message
	if reason == "" {
		out, err = bus.NewMessage(common.ApplicationMessage, TopicAccountValidatePassed, cmd.TransactionID, AccountValidatePassed{
			AccountID:       cmd.AccountID,
			TransactionID:   cmd.TransactionID,
			TransactionType: cmd.TransactionType,
			PreparationType: cmd.PreparationType,
			Amount:          cmd.Amount,
		}, msg.Items)
	} else {
		h.log.Infof("account %s failed validation for transaction %s: %s", cmd.AccountID, cmd.TransactionID, reason)
		out, err = bus.NewMessage(common.ApplicationMessage, TopicAccountValidateFailed, cmd.TransactionID, AccountValidateFailed{
			AccountID:       cmd.AccountID,
			TransactionID:   cmd.TransactionID,
			TransactionType: cmd.TransactionType,
			PreparationType: cmd.PreparationType,
			Reason:          reason,
		}, msg.Items)
	}
	if err != nil {
		return err
	}
	out.ID = msg.ID + ":" + cmd.AccountID
	return h.bus.Publish(ctx, out)
}

func (h *Handlers) validate(ctx context.Context, accountID string) (string, error) {
	if strings.HasPrefix(accountID, InvalidAccountPrefix) {
		return "account is blocked", nil
	}
	_, err := h.repo.Load(ctx, NewAccount(accountID))
	if errors.Is(err, store.ErrAggregateNotFound) {
		return "account does not exist", nil
	}
	return "", err
}

func (h *Handlers) preCommitWithdraw(ctx context.Context, msg bus.Message) error {
	p, err := bus.Decode[WithdrawPreparation](msg)
	if err != nil {
		return err
	}
	a := NewAccount(p.ParticipantID)
	return h.exec.Execute(ctx, msg, a, command.Existing, func() (*eventual2pc.Failure, error) {
		out, err := a.PreCommitWithdraw(p)
		return out.Failure, err
	})
}

func (h *Handlers) preCommitDeposit(ctx context.Context, msg bus.Message) error {
	p, err := bus.Decode[DepositPreparation](msg)
	if err != nil {
		return err
	}
	a := NewAccount(p.ParticipantID)
	return h.exec.Execute(ctx, msg, a, command.Existing, func() (*eventual2pc.Failure, error) {
		out, err := a.PreCommitDeposit(p)
		return out.Failure, err
	})
}

func (h *Handlers) commitPreparation(ctx context.Context, msg bus.Message) error {
	cmd, err := bus.Decode[PreparationCommand](msg)
	if err != nil {
		return err
	}
	a := NewAccount(cmd.AccountID)
	return h.exec.Execute(ctx, msg, a, command.Existing, func() (*eventual2pc.Failure, error) {
		return nil, a.Commit(cmd.TransactionID)
	})
}

func (h *Handlers) rollbackPreparation(ctx context.Context, msg bus.Message) error {
	cmd, err := bus.Decode[PreparationCommand](msg)
	if err != nil {
		return err
	}
	a := NewAccount(cmd.AccountID)
	return h.exec.Execute(ctx, msg, a, command.Existing, func() (*eventual2pc.Failure, error) {
		return nil, a.Rollback(cmd.TransactionID)
	})
}

func (h *Handlers) startTransfer(ctx context.Context, msg bus.Message) error {
	cmd, err := bus.Decode[StartTransfer](msg)
	if err != nil {
		return err
	}
	if cmd.TransactionID == "" {
		return eventual2pc.ErrTransactionIDRequired
	}
	t := NewTransfer(cmd.TransactionID)
	return h.exec.Execute(ctx, msg, t, command.Create, func() (*eventual2pc.Failure, error) {
		return nil, t.Start(cmd.Info)
	})
}

func (h *Handlers) startDeposit(ctx context.Context, msg bus.Message) error {
	cmd, err := bus.Decode[StartDeposit](msg)
	if err != nil {
		return err
	}
	if cmd.TransactionID == "" {
		return eventual2pc.ErrTransactionIDRequired
	}
	d := NewDeposit(cmd.TransactionID)
	return h.exec.Execute(ctx, msg, d, command.Create, func() (*eventual2pc.Failure, error) {
		return nil, d.Start(cmd.AccountID, cmd.Amount)
	})
}

func (h *Handlers) transferStep(step func(initiator, ParticipantCommand) error) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		cmd, err := bus.Decode[ParticipantCommand](msg)
		if err != nil {
			return err
		}
		t := NewTransfer(cmd.InitiatorID)
		return h.exec.Execute(ctx, msg, t, command.Existing, func() (*eventual2pc.Failure, error) {
			return nil, step(t, cmd)
		})
	}
}

func (h *Handlers) depositStep(step func(initiator, ParticipantCommand) error) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		cmd, err := bus.Decode[ParticipantCommand](msg)
		if err != nil {
			return err
		}
		d := NewDeposit(cmd.InitiatorID)
		return h.exec.Execute(ctx, msg, d, command.Existing, func() (*eventual2pc.Failure, error) {
			return nil, step(d, cmd)
		})
	}
}
