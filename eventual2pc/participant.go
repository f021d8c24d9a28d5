package eventual2pc

import (
	"fmt"
	"sort"
)

// Participant holds the outstanding reservations of an aggregate. It is embedded in the
// aggregate, which supplies the domain hooks for each operation.
type Participant struct {
	kinds        map[string]struct{}
	busy         func() bool
	preparations map[string]Preparation
}

// NewParticipant returns a participant accepting preparations of the given kinds.
func NewParticipant(kinds ...string) Participant {
	p := Participant{
		kinds:        make(map[string]struct{}, len(kinds)),
		preparations: make(map[string]Preparation),
	}
	for _, k := range kinds {
		p.kinds[k] = struct{}{}
	}
	return p
}

// Exclusive makes PreCommit decline with AlreadyInTransaction while busy reports true. It is
// used by aggregates that also initiate transactions of their own.
func (p *Participant) Exclusive(busy func() bool) {
	p.busy = busy
}

// Supports reports whether kind is an accepted preparation kind.
func (p *Participant) Supports(kind string) bool {
	_, ok := p.kinds[kind]
	return ok
}

// PreCommit validates prep and hands it to reserve, which checks it against the aggregate's
// state and returns either the event recording the reservation or a failure. An accepted
// event is raised; a failure is returned without touching state.
func (p *Participant) PreCommit(prep Preparation, reserve func(Preparation) Outcome, raise Raise) (Outcome, error) {
	if prep == nil {
		return Outcome{}, ErrNilPreparation
	}
	if !p.Supports(prep.Kind()) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrInvalidPreparationType, prep.Kind())
	}
	info := prep.Info()
	if info.TransactionID == "" {
		return Outcome{}, ErrTransactionIDRequired
	}
	if p.busy != nil && p.busy() {
		return Decline(NewFailure(CodeAlreadyInTransaction, prep,
			fmt.Sprintf("participant %s is already in a transaction", info.ParticipantID))), nil
	}
	if _, ok := p.preparations[info.TransactionID]; ok {
		return Outcome{}, fmt.Errorf("%w: transaction %s", ErrPreparationExists, info.TransactionID)
	}

	out := reserve(prep)
	if out.Failure != nil {
		return out, nil
	}
	if out.Event == nil {
		return Outcome{}, fmt.Errorf("%w: pre-commit of %s raised nothing", ErrUnsupportedEvent, prep.Kind())
	}
	if err := raise(out.Event); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Commit raises the event built by commit for the reservation of transactionID. commit
// returns nil for a preparation type it does not know.
func (p *Participant) Commit(transactionID string, commit func(Preparation) any, raise Raise) error {
	return p.settle(transactionID, commit, raise)
}

// Rollback raises the event built by rollback for the reservation of transactionID.
func (p *Participant) Rollback(transactionID string, rollback func(Preparation) any, raise Raise) error {
	return p.settle(transactionID, rollback, raise)
}

func (p *Participant) settle(transactionID string, build func(Preparation) any, raise Raise) error {
	prep, err := p.lookup(transactionID)
	if err != nil {
		return err
	}
	e := build(prep)
	if e == nil {
		return fmt.Errorf("%w: %T (%s) of transaction %s", ErrInvalidPreparationType, prep, prep.Kind(), transactionID)
	}
	return raise(e)
}

func (p *Participant) lookup(transactionID string) (Preparation, error) {
	prep, ok := p.preparations[transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ErrPreparationNotFound, transactionID)
	}
	return prep, nil
}

// Reserve records prep. Called from the aggregate's fold.
func (p *Participant) Reserve(prep Preparation) {
	if p.preparations == nil {
		p.preparations = make(map[string]Preparation)
	}
	p.preparations[prep.Info().TransactionID] = prep
}

// Release drops the reservation of transactionID. Called from the aggregate's fold.
func (p *Participant) Release(transactionID string) {
	delete(p.preparations, transactionID)
}

// Preparation returns the reservation of transactionID.
func (p *Participant) Preparation(transactionID string) (Preparation, bool) {
	prep, ok := p.preparations[transactionID]
	return prep, ok
}

// Preparations returns the outstanding reservations of the given kind, or all of them when
// kind is empty, ordered by transaction id.
func (p *Participant) Preparations(kind string) []Preparation {
	var res []Preparation
	for _, prep := range p.preparations {
		if kind == "" || prep.Kind() == kind {
			res = append(res, prep)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Info().TransactionID < res[j].Info().TransactionID
	})
	return res
}
