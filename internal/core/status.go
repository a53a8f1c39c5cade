package core

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusSending, StatusScheduled},
	StatusScheduled: {StatusScheduled, StatusSending, StatusFailed},
	StatusSending:   {StatusCompleted, StatusFailed},
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusSending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transition checks the move from -> to against the transition table.
//
// Moves out of a terminal state and sending -> sending are no-ops: changed is
// false and err is nil, so a duplicated trigger never mutates a campaign nor
// fails. Any other move missing from the table returns a *TransitionError.
func Transition(from, to Status) (changed bool, err error) {
	if !from.Valid() || !to.Valid() {
		return false, &TransitionError{From: from, To: to}
	}
	if from.Terminal() {
		return false, nil
	}
	if from == StatusSending && to == StatusSending {
		return false, nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true, nil
		}
	}
	return false, &TransitionError{From: from, To: to}
}

// CanDelete reports whether a campaign in status s may be removed: before
// dispatch starts or after it has finished, never while sending.
func CanDelete(s Status) bool {
	return s.Valid() && s != StatusSending
}
