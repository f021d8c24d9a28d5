package eventual2pc

import "fmt"

// Initiator tracks the roster of the transaction an aggregate started and the four disjoint
// result sets filled by participant responses.
type Initiator struct {
	id     string
	events InitiatorEvents

	processing      bool
	transactionID   string
	transactionType TransactionType

	all                Roster
	preCommitSucceeded Roster
	preCommitFailed    Roster
	committed          Roster
	rolledBack         Roster
}

// NewInitiator returns an idle initiator for the aggregate with the given id.
func NewInitiator(id string, events InitiatorEvents) Initiator {
	return Initiator{id: id, events: events}
}

func (in *Initiator) InitiatorID() string              { return in.id }
func (in *Initiator) IsProcessing() bool               { return in.processing }
func (in *Initiator) TransactionID() string            { return in.transactionID }
func (in *Initiator) TransactionType() TransactionType { return in.transactionType }
func (in *Initiator) Participants() Roster             { return in.all.Clone() }
func (in *Initiator) PreCommitSucceeded() Roster       { return in.preCommitSucceeded.Clone() }
func (in *Initiator) PreCommitFailed() Roster          { return in.preCommitFailed.Clone() }
func (in *Initiator) Committed() Roster                { return in.committed.Clone() }
func (in *Initiator) RolledBack() Roster               { return in.rolledBack.Clone() }

// PreCommitResolved reports whether every participant has answered the pre-commit.
func (in *Initiator) PreCommitResolved() bool {
	return in.processing && len(in.preCommitSucceeded)+len(in.preCommitFailed) == len(in.all)
}

// Start begins a transaction over participants.
func (in *Initiator) Start(transactionID string, transactionType TransactionType, participants []ParticipantInfo, raise Raise) error {
	if transactionID == "" {
		return ErrTransactionIDRequired
	}
	if len(participants) == 0 {
		return ErrNoParticipants
	}
	if in.processing {
		return fmt.Errorf("%w: %s", ErrTransactionInProgress, in.transactionID)
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p.ParticipantID == in.id {
			return ErrInitiatorCannotBeParticipant
		}
		if _, ok := seen[p.ParticipantID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateParticipant, p.ParticipantID)
		}
		seen[p.ParticipantID] = struct{}{}
	}
	return emit(raise, in.events.Started, TransactionStarted{
		TransactionID:   transactionID,
		TransactionType: transactionType,
		Participants:    Roster(participants).Clone(),
	})
}

// AddPreCommitSucceededParticipant records a successful pre-commit. Once every participant
// has answered it also raises AllPreCommitSucceeded, or AnyPreCommitFailed if an earlier
// answer was a failure.
func (in *Initiator) AddPreCommitSucceededParticipant(transactionID string, transactionType TransactionType, participant ParticipantInfo, raise Raise) error {
	if err := in.check(transactionID, transactionType); err != nil {
		return err
	}
	member, ok := in.all.Find(participant.ParticipantID)
	if !ok || in.preCommitSucceeded.Contains(member.ParticipantID) || in.preCommitFailed.Contains(member.ParticipantID) {
		return nil
	}
	if err := emit(raise, in.events.PreCommitSucceededAdded, in.added(member)); err != nil {
		return err
	}

	switch {
	case len(in.preCommitSucceeded) == len(in.all):
		return emit(raise, in.events.AllPreCommitSucceeded, in.resolved())
	case len(in.preCommitSucceeded)+len(in.preCommitFailed) == len(in.all):
		return emit(raise, in.events.AnyPreCommitFailed, in.resolved())
	}
	return nil
}

// AddPreCommitFailedParticipant records a failed pre-commit. Once every participant has
// answered it raises AnyPreCommitFailed; when nobody succeeded there is nothing to roll back
// and the transaction completes right away.
func (in *Initiator) AddPreCommitFailedParticipant(transactionID string, transactionType TransactionType, participant ParticipantInfo, raise Raise) error {
	if err := in.check(transactionID, transactionType); err != nil {
		return err
	}
	member, ok := in.all.Find(participant.ParticipantID)
	if !ok || in.preCommitSucceeded.Contains(member.ParticipantID) || in.preCommitFailed.Contains(member.ParticipantID) {
		return nil
	}
	if err := emit(raise, in.events.PreCommitFailedAdded, in.added(member)); err != nil {
		return err
	}

	if len(in.preCommitSucceeded)+len(in.preCommitFailed) != len(in.all) {
		return nil
	}
	if err := emit(raise, in.events.AnyPreCommitFailed, in.resolved()); err != nil {
		return err
	}
	if len(in.preCommitFailed) == len(in.all) {
		return emit(raise, in.events.Completed, in.completed(false))
	}
	return nil
}

// AddCommittedParticipant records a commit and completes the transaction once it is resolved.
func (in *Initiator) AddCommittedParticipant(transactionID string, transactionType TransactionType, participant ParticipantInfo, raise Raise) error {
	return in.addResolution(transactionID, transactionType, participant, in.events.CommittedAdded, raise)
}

// AddRolledBackParticipant records a rollback and completes the transaction once it is resolved.
func (in *Initiator) AddRolledBackParticipant(transactionID string, transactionType TransactionType, participant ParticipantInfo, raise Raise) error {
	return in.addResolution(transactionID, transactionType, participant, in.events.RolledBackAdded, raise)
}

func (in *Initiator) addResolution(transactionID string, transactionType TransactionType, participant ParticipantInfo, build func(ParticipantAdded) any, raise Raise) error {
	if err := in.check(transactionID, transactionType); err != nil {
		return err
	}
	if len(in.preCommitSucceeded)+len(in.preCommitFailed) < len(in.all) {
		return ErrPreparationPhaseNotResolved
	}
	member, ok := in.all.Find(participant.ParticipantID)
	if !ok || in.committed.Contains(member.ParticipantID) || in.rolledBack.Contains(member.ParticipantID) {
		return nil
	}
	if err := emit(raise, build, in.added(member)); err != nil {
		return err
	}

	if len(in.committed) == len(in.all) || len(in.preCommitSucceeded) == len(in.rolledBack) {
		return emit(raise, in.events.Completed, in.completed(len(in.rolledBack) == 0))
	}
	return nil
}

func (in *Initiator) check(transactionID string, transactionType TransactionType) error {
	if !in.processing {
		return ErrNotProcessing
	}
	if in.transactionType != transactionType {
		return fmt.Errorf("%w: got %d, current %d", ErrTransactionTypeMismatch, transactionType, in.transactionType)
	}
	if in.transactionID != transactionID {
		return fmt.Errorf("%w: got %s, current %s", ErrTransactionIDMismatch, transactionID, in.transactionID)
	}
	return nil
}

func (in *Initiator) added(p ParticipantInfo) ParticipantAdded {
	return ParticipantAdded{TransactionID: in.transactionID, TransactionType: in.transactionType, Participant: p}
}

func (in *Initiator) resolved() PreCommitResolved {
	return PreCommitResolved{
		TransactionID:   in.transactionID,
		TransactionType: in.transactionType,
		Participants:    in.preCommitSucceeded.Clone(),
	}
}

func (in *Initiator) completed(success bool) TransactionCompleted {
	return TransactionCompleted{TransactionID: in.transactionID, TransactionType: in.transactionType, IsCommitSuccess: success}
}

// ApplyStarted folds TransactionStarted.
func (in *Initiator) ApplyStarted(e TransactionStarted) {
	in.processing = true
	in.transactionID = e.TransactionID
	in.transactionType = e.TransactionType
	in.all = e.Participants.Clone()
	in.preCommitSucceeded = nil
	in.preCommitFailed = nil
	in.committed = nil
	in.rolledBack = nil
}

// ApplyPreCommitSucceededAdded folds a successful pre-commit response.
func (in *Initiator) ApplyPreCommitSucceededAdded(e ParticipantAdded) {
	in.preCommitSucceeded = append(in.preCommitSucceeded, e.Participant)
}

// ApplyPreCommitFailedAdded folds a failed pre-commit response.
func (in *Initiator) ApplyPreCommitFailedAdded(e ParticipantAdded) {
	in.preCommitFailed = append(in.preCommitFailed, e.Participant)
}

// ApplyCommittedAdded folds a commit response.
func (in *Initiator) ApplyCommittedAdded(e ParticipantAdded) {
	in.committed = append(in.committed, e.Participant)
}

// ApplyRolledBackAdded folds a rollback response.
func (in *Initiator) ApplyRolledBackAdded(e ParticipantAdded) {
	in.rolledBack = append(in.rolledBack, e.Participant)
}

// ApplyCompleted folds TransactionCompleted. The id and type of the finished transaction stay
// readable until the next start.
func (in *Initiator) ApplyCompleted(TransactionCompleted) {
	in.processing = false
	in.all = nil
	in.preCommitSucceeded = nil
	in.preCommitFailed = nil
	in.committed = nil
	in.rolledBack = nil
}

func emit[T any](raise Raise, build func(T) any, payload T) error {
	if build == nil {
		return fmt.Errorf("%w: %T", ErrUnsupportedEvent, payload)
	}
	return raise(build(payload))
}
