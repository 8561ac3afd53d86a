package models

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"   // Persisted, waiting for the device
	TaskStatusRunning   TaskStatus = "running"   // Device acknowledged and started work
	TaskStatusCompleted TaskStatus = "completed" // Terminal, result present
	TaskStatusFailed    TaskStatus = "failed"    // Terminal, error present
	TaskStatusTimeout   TaskStatus = "timeout"   // Terminal, forced by the timeout sweep
	TaskStatusCancelled TaskStatus = "cancelled" // Terminal, power actions only
)

// TaskStatuses lists every known status in lifecycle order.
var TaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusTimeout,
	TaskStatusCancelled,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range TaskStatuses {
		if s == known {
			return true
		}
	}

	return false
}

// IsTerminal reports whether no further transition is permitted from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// rank orders statuses along the forward-only lifecycle.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusRunning:
		return 1
	default:
		return 2
	}
}

// CheckTransition validates moving a task of the given kind from one status
// to another. changed is false for a duplicate running report, which is
// accepted as a no-op.
func CheckTransition(kind TaskKind, from, to TaskStatus) (changed bool, err error) {
	if !to.Valid() || !from.Valid() {
		return false, ErrInvalidTransition
	}

	if from.IsTerminal() {
		return false, ErrInvalidTransition
	}

	if from == TaskStatusRunning && to == TaskStatusRunning {
		return false, nil
	}

	if to.rank() <= from.rank() {
		return false, ErrInvalidTransition
	}

	if to == TaskStatusCancelled && kind != TaskKindPowerAction {
		return false, ErrInvalidTransition
	}

	return true, nil
}
