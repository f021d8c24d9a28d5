package bank

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/raft-saga-store/eventual2pc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func account(id string) eventual2pc.ParticipantInfo {
	return eventual2pc.ParticipantInfo{ParticipantID: id, ParticipantType: BankAccountAggregate}
}

func started(t *testing.T) *Transfer {
	t.Helper()
	tr := NewTransfer("tx1")
	require.NoError(t, tr.Start(TransferInfo{SourceAccountID: "src", TargetAccountID: "dst", Amount: amount("25")}))
	return tr
}

func TestTransfer_StartValidation(t *testing.T) {
	cases := []struct {
		name string
		info TransferInfo
		want error
	}{
		{"missing source", TransferInfo{TargetAccountID: "b", Amount: amount("1")}, ErrAccountRequired},
		{"same account", TransferInfo{SourceAccountID: "a", TargetAccountID: "a", Amount: amount("1")}, ErrSameAccount},
		{"zero amount", TransferInfo{SourceAccountID: "a", TargetAccountID: "b", Amount: amount("0")}, ErrInvalidAmount},
		{"initiator in roster", TransferInfo{SourceAccountID: "tx1", TargetAccountID: "b", Amount: amount("1")}, eventual2pc.ErrInitiatorCannotBeParticipant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, NewTransfer("tx1").Start(tc.info), tc.want)
		})
	}
}

func TestTransfer_Start(t *testing.T) {
	tr := started(t)
	assert.Equal(t, StatusStarted, tr.Status())
	assert.Equal(t, "tx1", tr.TransactionID())
	assert.Equal(t, TransactionTransfer, tr.TransactionType())
	assert.Equal(t, eventual2pc.Roster{account("src"), account("dst")}, tr.Participants())

	require.Len(t, tr.Changes(), 1)
	evt := tr.Changes()[0].Data.(TransferStarted)
	assert.Equal(t, "dst", evt.Info.TargetAccountID)
	assert.True(t, evt.Info.Amount.Equal(amount("25")))

	assert.ErrorIs(t, tr.Start(TransferInfo{SourceAccountID: "x", TargetAccountID: "y", Amount: amount("1")}),
		eventual2pc.ErrTransactionInProgress)
}

func TestTransfer_CommitPath(t *testing.T) {
	tr := started(t)

	require.NoError(t, tr.AddPreCommitSucceededParticipant("tx1", TransactionTransfer, account("dst")))
	require.NoError(t, tr.AddPreCommitSucceededParticipant("tx1", TransactionTransfer, account("src")))
	assert.Equal(t, StatusPreparationCompleted, tr.Status())
	require.NoError(t, tr.AddCommittedParticipant("tx1", TransactionTransfer, account("src")))
	require.NoError(t, tr.AddCommittedParticipant("tx1", TransactionTransfer, account("dst")))
	assert.Equal(t, StatusCompleted, tr.Status())
	assert.False(t, tr.IsProcessing())

	var got []string
	var sides []PreparationType
	for _, e := range tr.Changes() {
		got = append(got, e.Type)
		if added, ok := e.Data.(TransferPreCommitSucceededAdded); ok {
			sides = append(sides, added.PreparationType)
		}
	}
	want := []string{
		"TransferTransactionStarted",
		"TransferTransactionPreCommitSucceededParticipantAdded",
		"TransferTransactionPreCommitSucceededParticipantAdded",
		"TransferTransactionAllParticipantPreCommitSucceeded",
		"TransferTransactionCommittedParticipantAdded",
		"TransferTransactionCommittedParticipantAdded",
		"TransferTransactionCompleted",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	assert.Equal(t, []PreparationType{CreditPreparation, DebitPreparation}, sides)
}

func TestTransfer_RollbackPath(t *testing.T) {
	tr := started(t)

	require.NoError(t, tr.AddPreCommitSucceededParticipant("tx1", TransactionTransfer, account("dst")))
	require.NoError(t, tr.AddPreCommitFailedParticipant("tx1", TransactionTransfer, account("src")))
	assert.Equal(t, StatusStarted, tr.Status())

	last := tr.Changes()[len(tr.Changes())-1].Data.(TransferAnyPreCommitFailed)
	assert.Equal(t, eventual2pc.Roster{account("dst")}, last.Participants)

	assert.ErrorIs(t, tr.AddCommittedParticipant("tx1", TransactionDeposit, account("dst")), eventual2pc.ErrTransactionTypeMismatch)
	require.NoError(t, tr.AddRolledBackParticipant("tx1", TransactionTransfer, account("dst")))
	assert.Equal(t, StatusCanceled, tr.Status())
	assert.False(t, tr.IsProcessing())
}

func TestTransfer_AllFailedCompletesAtOnce(t *testing.T) {
	tr := started(t)
	require.NoError(t, tr.AddPreCommitFailedParticipant("tx1", TransactionTransfer, account("src")))
	require.NoError(t, tr.AddPreCommitFailedParticipant("tx1", TransactionTransfer, account("dst")))
	assert.Equal(t, StatusCanceled, tr.Status())
	assert.Equal(t, "TransferTransactionCompleted", tr.Changes()[len(tr.Changes())-1].Type)
}

func TestDeposit_Lifecycle(t *testing.T) {
	d := NewDeposit("dep1")
	assert.ErrorIs(t, d.Start("", amount("1")), ErrAccountRequired)
	assert.ErrorIs(t, d.Start("a1", amount("-3")), ErrInvalidAmount)

	require.NoError(t, d.Start("a1", amount("40")))
	assert.Equal(t, "a1", d.AccountID())
	assert.Equal(t, StatusStarted, d.Status())

	assert.ErrorIs(t, d.AddPreCommitFailedParticipant("dep1", TransactionDeposit, account("a1")), eventual2pc.ErrUnsupportedEvent)

	require.NoError(t, d.AddPreCommitSucceededParticipant("dep1", TransactionDeposit, account("a1")))
	assert.Equal(t, StatusPreparationCompleted, d.Status())
	require.NoError(t, d.AddCommittedParticipant("dep1", TransactionDeposit, account("a1")))
	assert.Equal(t, StatusCompleted, d.Status())
	assert.Len(t, d.Changes(), 5)
}
