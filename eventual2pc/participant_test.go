package eventual2pc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hold struct {
	PreparationInfo
	Units int
}

func (hold) Kind() string { return "Hold" }

type release struct {
	PreparationInfo
}

func (release) Kind() string { return "Release" }

type (
	reserved   struct{ Prep Preparation }
	committed  struct{ Prep Preparation }
	rolledBack struct{ Prep Preparation }
)

// warehouse is a participant reserving units out of a stock.
type warehouse struct {
	Participant
	stock  int
	events []any
}

func newWarehouse(stock int) *warehouse {
	return &warehouse{Participant: NewParticipant("Hold"), stock: stock}
}

func (w *warehouse) available() int {
	n := w.stock
	for _, prep := range w.Preparations("Hold") {
		n -= prep.(hold).Units
	}
	return n
}

func (w *warehouse) raise(e any) error {
	switch e := e.(type) {
	case reserved:
		w.Reserve(e.Prep)
	case committed:
		w.stock -= e.Prep.(hold).Units
		w.Release(e.Prep.Info().TransactionID)
	case rolledBack:
		w.Release(e.Prep.Info().TransactionID)
	default:
		return fmt.Errorf("unexpected event %T", e)
	}
	w.events = append(w.events, e)
	return nil
}

func (w *warehouse) reserve(prep Preparation) Outcome {
	if prep.(hold).Units > w.available() {
		return Decline(NewFailure("OutOfStock", prep, "").With("available", fmt.Sprint(w.available())))
	}
	return Accept(reserved{prep})
}

func (w *warehouse) preCommit(prep Preparation) (Outcome, error) {
	return w.PreCommit(prep, w.reserve, w.raise)
}

func (w *warehouse) commit(txID string) error {
	return w.Commit(txID, func(prep Preparation) any { return committed{prep} }, w.raise)
}

func (w *warehouse) rollback(txID string) error {
	return w.Rollback(txID, func(prep Preparation) any { return rolledBack{prep} }, w.raise)
}

func holdOf(txID string, units int) hold {
	return hold{
		PreparationInfo: PreparationInfo{
			ParticipantID:   "w1",
			ParticipantType: 1,
			TransactionID:   txID,
			TransactionType: testTransfer,
			InitiatorID:     txID,
			InitiatorType:   2,
		},
		Units: units,
	}
}

func TestParticipant_PreCommitGuards(t *testing.T) {
	w := newWarehouse(10)

	_, err := w.preCommit(nil)
	assert.ErrorIs(t, err, ErrNilPreparation)

	_, err = w.preCommit(release{PreparationInfo: holdOf("tx1", 1).PreparationInfo})
	assert.ErrorIs(t, err, ErrInvalidPreparationType)

	_, err = w.preCommit(holdOf("", 1))
	assert.ErrorIs(t, err, ErrTransactionIDRequired)

	out, err := w.preCommit(holdOf("tx1", 4))
	require.NoError(t, err)
	assert.True(t, out.Accepted())
	_, err = w.preCommit(holdOf("tx1", 1))
	assert.ErrorIs(t, err, ErrPreparationExists)
	assert.Len(t, w.events, 1)
}

func TestParticipant_AvailableCapacity(t *testing.T) {
	w := newWarehouse(10)

	out, err := w.preCommit(holdOf("tx1", 6))
	require.NoError(t, err)
	require.True(t, out.Accepted())
	assert.Equal(t, 4, w.available())
	assert.Equal(t, 10, w.stock, "a reservation must not touch committed state")

	out, err = w.preCommit(holdOf("tx2", 5))
	require.NoError(t, err)
	require.False(t, out.Accepted())
	assert.Equal(t, "OutOfStock", out.Failure.Code)
	assert.Equal(t, "4", out.Failure.Detail("available"))
	assert.Equal(t, "tx2", out.Failure.Preparation.TransactionID)
	assert.Equal(t, "Hold", out.Failure.Kind)
	_, ok := w.Preparation("tx2")
	assert.False(t, ok, "a declined pre-commit must not create a reservation")
	assert.Len(t, w.events, 1)

	out, err = w.preCommit(holdOf("tx3", 4))
	require.NoError(t, err)
	assert.True(t, out.Accepted())
	assert.Equal(t, 0, w.available())
}

func TestParticipant_CommitAndRollback(t *testing.T) {
	w := newWarehouse(10)
	_, err := w.preCommit(holdOf("tx1", 3))
	require.NoError(t, err)
	_, err = w.preCommit(holdOf("tx2", 2))
	require.NoError(t, err)
	assert.Len(t, w.Preparations(""), 2)

	require.NoError(t, w.commit("tx1"))
	assert.Equal(t, 7, w.stock)
	assert.Equal(t, 5, w.available())

	require.NoError(t, w.rollback("tx2"))
	assert.Equal(t, 7, w.stock)
	assert.Equal(t, 7, w.available())
	assert.Empty(t, w.Preparations(""))

	assert.ErrorIs(t, w.commit("tx1"), ErrPreparationNotFound)
	assert.ErrorIs(t, w.rollback("tx2"), ErrPreparationNotFound)
	assert.ErrorIs(t, w.rollback("nope"), ErrPreparationNotFound)
	assert.Len(t, w.events, 4)
}

func TestParticipant_CommitUnknownPreparationType(t *testing.T) {
	w := newWarehouse(10)
	_, err := w.preCommit(holdOf("tx1", 3))
	require.NoError(t, err)

	unknown := func(Preparation) any { return nil }
	err = w.Commit("tx1", unknown, w.raise)
	assert.ErrorIs(t, err, ErrInvalidPreparationType)
	assert.ErrorContains(t, err, "Hold")
	assert.ErrorIs(t, w.Rollback("tx1", unknown, w.raise), ErrInvalidPreparationType)

	_, ok := w.Preparation("tx1")
	assert.True(t, ok, "the reservation is kept")
	assert.Equal(t, 7, w.available())
}

// depot both initiates transactions and takes part in others, one at a time.
type depot struct {
	*saga
	*warehouse
}

func TestParticipant_ExclusiveWhileInitiating(t *testing.T) {
	d := depot{saga: newSaga("d1"), warehouse: newWarehouse(10)}
	d.warehouse.Exclusive(d.saga.IsProcessing)

	require.NoError(t, d.saga.Start("d1", testTransfer, participants("other"), d.saga.raise))
	out, err := d.warehouse.preCommit(holdOf("tx9", 1))
	require.NoError(t, err)
	require.NotNil(t, out.Failure)
	assert.Equal(t, CodeAlreadyInTransaction, out.Failure.Code)
	assert.Equal(t, "w1", out.Failure.Preparation.ParticipantID)
	assert.Empty(t, d.warehouse.Preparations(""))

	require.NoError(t, d.saga.AddPreCommitFailedParticipant("d1", testTransfer, p("other"), d.saga.raise))
	out, err = d.warehouse.preCommit(holdOf("tx9", 1))
	require.NoError(t, err)
	assert.True(t, out.Accepted())
}

func TestFailure_Error(t *testing.T) {
	f := NewFailure("OutOfStock", holdOf("tx1", 1), "")
	assert.Equal(t, "OutOfStock: Hold preparation of transaction tx1 on w1", f.Error())
	f = NewFailure(CodeAlreadyInTransaction, holdOf("tx1", 1), "busy")
	assert.Equal(t, "AlreadyInTransaction: busy", f.Error())
	assert.Equal(t, "", f.Detail("missing"))
}
