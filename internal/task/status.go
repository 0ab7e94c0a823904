package task

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusDeleted   Status = "deleted"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a task may move from one status to another.
// Every status may move to deleted.
func CanTransition(from, to Status) bool {
	if to == StatusDeleted {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusDeleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition other than delete exists.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}
