package eventual2pc

import "fmt"

// CodeAlreadyInTransaction declines a pre-commit on a participant that only takes part in one
// transaction at a time and is busy.
const CodeAlreadyInTransaction = "AlreadyInTransaction"

// Failure is a declined pre-commit. It is the pre-commit-failed signal of the protocol and is
// published on the topic named by its Code.
type Failure struct {
	Code        string            `json:"code"`
	Kind        string            `json:"kind"`
	Preparation PreparationInfo   `json:"preparation"`
	Message     string            `json:"message,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// NewFailure declines prep with the given code.
func NewFailure(code string, prep Preparation, message string) *Failure {
	return &Failure{
		Code:        code,
		Kind:        prep.Kind(),
		Preparation: prep.Info(),
		Message:     message,
	}
}

// With sets a domain-specific detail and returns f.
func (f *Failure) With(key, value string) *Failure {
	if f.Details == nil {
		f.Details = make(map[string]string)
	}
	f.Details[key] = value
	return f
}

// Detail returns a domain-specific detail, or "" if unset.
func (f *Failure) Detail(key string) string {
	return f.Details[key]
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s preparation of transaction %s on %s", f.Code, f.Kind,
		f.Preparation.TransactionID, f.Preparation.ParticipantID)
}

// Outcome is the result of a pre-commit: either the event recording the reservation, or the
// failure declining it.
type Outcome struct {
	Event   any
	Failure *Failure
}

// Accept returns an outcome that reserves through evt.
func Accept(evt any) Outcome {
	return Outcome{Event: evt}
}

// Decline returns an outcome carrying f.
func Decline(f *Failure) Outcome {
	return Outcome{Failure: f}
}

// Accepted reports whether the reservation was made.
func (o Outcome) Accepted() bool {
	return o.Failure == nil && o.Event != nil
}
