package command_test

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/raft-saga-store/bank"
	"github.com/raft-saga-store/bus"
	"github.com/raft-saga-store/command"
	"github.com/raft-saga-store/common"
	"github.com/raft-saga-store/eventsource"
	"github.com/raft-saga-store/eventual2pc"
	"github.com/raft-saga-store/metric"
	"github.com/raft-saga-store/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (b *recordingBus) Publish(ctx context.Context, msgs ...bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msgs...)
	return nil
}

func (b *recordingBus) Subscribe(topic, subscriber string, h bus.Handler) {}

func (b *recordingBus) take() []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.msgs
	b.msgs = nil
	return msgs
}

type fixture struct {
	exec    *command.Executor
	repo    *store.Repository
	bus     *recordingBus
	metrics *metric.Metrics
}

func newFixture() *fixture {
	logger := log.New()
	logger.SetOutput(io.Discard)
	registry := eventsource.NewRegistry()
	bank.RegisterEvents(registry)
	events := store.NewMemoryStore()
	repo := store.NewRepository(logger, events, registry).WithSnapshots(events, 2)
	b := &recordingBus{}
	m := metric.New()
	return &fixture{
		exec:    command.NewExecutor(logger, repo, registry, b, m),
		repo:    repo,
		bus:     b,
		metrics: m,
	}
}

func cmd(t *testing.T, topic, key string) bus.Message {
	t.Helper()
	m, err := bus.NewMessage(common.CommandMessage, topic, key, struct{}{}, map[string]string{"trace": "t-1"})
	require.NoError(t, err)
	return m
}

func (f *fixture) create(ctx context.Context, msg bus.Message, id, owner string) error {
	a := bank.NewAccount(id)
	return f.exec.Execute(ctx, msg, a, command.Create, func() (*eventual2pc.Failure, error) {
		return nil, a.Create(owner)
	})
}

func TestExecute_Create(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	open := cmd(t, bank.TopicCreateAccount, "a1")

	require.NoError(t, f.create(ctx, open, "a1", "alice"))
	msgs := f.bus.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, common.EventMessage, msgs[0].Kind)
	assert.Equal(t, "AccountCreated", msgs[0].Topic)
	assert.Equal(t, "a1", msgs[0].Key)
	assert.Equal(t, bank.BankAccountType, msgs[0].AggregateType)
	assert.Equal(t, 1, msgs[0].Version)
	assert.Equal(t, "t-1", msgs[0].Items["trace"])

	// the same command again republishes what it produced
	require.NoError(t, f.create(ctx, open, "a1", "alice"))
	again := f.bus.take()
	require.Len(t, again, 1)
	assert.Equal(t, msgs[0].ID, again[0].ID)

	err := f.create(ctx, cmd(t, bank.TopicCreateAccount, "a1"), "a1", "bob")
	assert.ErrorIs(t, err, command.ErrAggregateExists)
	assert.Empty(t, f.bus.take())

	a := bank.NewAccount("a1")
	_, err = f.repo.Load(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "alice", a.Owner())
	assert.Equal(t, 1, a.Version())
}

func TestExecute_ExistingRequiresStream(t *testing.T) {
	f := newFixture()
	a := bank.NewAccount("ghost")
	ran := false
	err := f.exec.Execute(context.Background(), cmd(t, bank.TopicCommitPreparation, "ghost"), a, command.Existing,
		func() (*eventual2pc.Failure, error) {
			ran = true
			return nil, nil
		})
	assert.ErrorIs(t, err, store.ErrAggregateNotFound)
	assert.False(t, ran)
}

// onAccount runs op on the existing account id through the executor.
func (f *fixture) onAccount(ctx context.Context, msg bus.Message, id string, op func(*bank.Account) (*eventual2pc.Failure, error)) error {
	a := bank.NewAccount(id)
	return f.exec.Execute(ctx, msg, a, command.Existing, func() (*eventual2pc.Failure, error) {
		return op(a)
	})
}

func preparation(tx string, txType eventual2pc.TransactionType, initiator eventual2pc.AggregateType) eventual2pc.PreparationInfo {
	return eventual2pc.PreparationInfo{
		TransactionID:   tx,
		TransactionType: txType,
		InitiatorID:     tx,
		InitiatorType:   initiator,
	}
}

func withdraw(tx string, amount int64) func(*bank.Account) (*eventual2pc.Failure, error) {
	return func(a *bank.Account) (*eventual2pc.Failure, error) {
		out, err := a.PreCommitWithdraw(bank.WithdrawPreparation{
			PreparationInfo: preparation(tx, bank.TransactionTransfer, bank.TransferTransactionAggregate),
			Amount:          decimal.NewFromInt(amount),
		})
		return out.Failure, err
	}
}

// deposit credits amount to id in two commands, as a deposit transaction would.
func (f *fixture) deposit(t *testing.T, ctx context.Context, id, tx string, amount int64) {
	t.Helper()
	require.NoError(t, f.onAccount(ctx, cmd(t, bank.TopicPreCommitDeposit, id), id, func(a *bank.Account) (*eventual2pc.Failure, error) {
		out, err := a.PreCommitDeposit(bank.DepositPreparation{
			PreparationInfo: preparation(tx, bank.TransactionDeposit, bank.DepositTransactionAggregate),
			Amount:          decimal.NewFromInt(amount),
		})
		return out.Failure, err
	}))
	require.NoError(t, f.onAccount(ctx, cmd(t, bank.TopicCommitPreparation, id), id, func(a *bank.Account) (*eventual2pc.Failure, error) {
		return nil, a.Commit(tx)
	}))
	f.bus.take()
}

func (f *fixture) counter(t *testing.T, line string) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), line)
}

func TestExecute_FailureIsPublishedWithReceipt(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.create(ctx, cmd(t, bank.TopicCreateAccount, "a1"), "a1", "alice"))
	f.bus.take()

	msg := cmd(t, bank.TopicPreCommitWithdraw, "a1")
	require.NoError(t, f.onAccount(ctx, msg, "a1", withdraw("tx-1", 10)))

	msgs := f.bus.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, common.FailureMessage, msgs[0].Kind)
	assert.Equal(t, bank.CodeInsufficientBalance, msgs[0].Topic)
	assert.Equal(t, "tx-1", msgs[0].Key)
	assert.Equal(t, msg.ID, msgs[0].ID)
	failure, err := bus.Decode[eventual2pc.Failure](msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "a1", failure.Preparation.ParticipantID)

	reloaded := bank.NewAccount("a1")
	history, err := f.repo.Load(ctx, reloaded)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, eventsource.ReceiptType, history[1].Type)
	assert.Equal(t, msg.ID, history[1].CommandID)
	assert.Empty(t, reloaded.Preparations(""))

	f.counter(t, `saga_commands_handled_total{result="failure",topic="PreCommitWithdrawPreparation"} 1`)
}

func TestExecute_RedeliveredDeclineStaysDeclined(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.create(ctx, cmd(t, bank.TopicCreateAccount, "a1"), "a1", "alice"))
	f.deposit(t, ctx, "a1", "d-1", 50)

	msg := cmd(t, bank.TopicPreCommitWithdraw, "a1")
	require.NoError(t, f.onAccount(ctx, msg, "a1", withdraw("t-1", 100)))
	declined := f.bus.take()
	require.Len(t, declined, 1)

	// the balance now covers the withdrawal, but the command was already answered
	f.deposit(t, ctx, "a1", "d-2", 100)
	require.NoError(t, f.onAccount(ctx, msg, "a1", withdraw("t-1", 100)))

	again := f.bus.take()
	require.Len(t, again, 1)
	assert.Equal(t, declined[0].ID, again[0].ID)
	assert.Equal(t, bank.CodeInsufficientBalance, again[0].Topic)
	assert.JSONEq(t, string(declined[0].Payload), string(again[0].Payload))

	a := bank.NewAccount("a1")
	_, err := f.repo.Load(ctx, a)
	require.NoError(t, err)
	_, reserved := a.Preparation("t-1")
	assert.False(t, reserved)
	assert.True(t, a.Balance().Equal(decimal.NewFromInt(150)))
	assert.True(t, a.AvailableBalance().Equal(decimal.NewFromInt(150)))

	f.counter(t, `saga_commands_handled_total{result="duplicate",topic="PreCommitWithdrawPreparation"} 1`)
}

func TestExecute_NoChangeIsNotRunAgain(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.create(ctx, cmd(t, bank.TopicCreateAccount, "a1"), "a1", "alice"))
	f.bus.take()

	runs := 0
	msg := cmd(t, bank.TopicValidateAccount, "a1")
	noop := func(*bank.Account) (*eventual2pc.Failure, error) {
		runs++
		return nil, nil
	}
	require.NoError(t, f.onAccount(ctx, msg, "a1", noop))
	require.NoError(t, f.onAccount(ctx, msg, "a1", noop))
	assert.Equal(t, 1, runs)
	assert.Empty(t, f.bus.take(), "a receipt without a reply publishes nothing")

	a := bank.NewAccount("a1")
	_, err := f.repo.Load(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Version())
}

func TestRetryable(t *testing.T) {
	assert.True(t, command.Retryable(store.ErrConcurrencyConflict))
	assert.True(t, command.Retryable(common.ErrLocked))
	assert.False(t, command.Retryable(store.ErrAggregateNotFound))
	assert.False(t, command.Retryable(command.ErrAggregateExists))
}
