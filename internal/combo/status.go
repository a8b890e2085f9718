package combo

// Status is the lifecycle state of a combination record.
type Status string

const (
	// StatusPending means the combination is registered and waiting for dispatch.
	StatusPending Status = "pending"

	// StatusPreprocessing means the preprocessing step is running.
	StatusPreprocessing Status = "preprocessing"

	// StatusProcessing means the combination was claimed by a dispatcher or
	// its transform jobs are running.
	StatusProcessing Status = "processing"

	// StatusCompleted is terminal: both transform jobs succeeded.
	StatusCompleted Status = "completed"

	// StatusFailed is terminal until an explicit reset.
	StatusFailed Status = "failed"
)

// AllStatuses lists every recognized status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusPreprocessing,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
}

// Valid reports whether s is one of the recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPreprocessing, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// InProgress reports whether s is an in-flight status that must carry a
// started_at timestamp.
func (s Status) InProgress() bool {
	return s == StatusPreprocessing || s == StatusProcessing
}

// Terminal reports whether s ends a processing attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// transitions is the explicit transition table. Resets into pending from an
// unrecognized status are handled by CanTransition, since the source value
// is by definition not in this table.
var transitions = map[Status][]Status{
	StatusPending:       {StatusPreprocessing, StatusProcessing},
	StatusProcessing:    {StatusPreprocessing, StatusCompleted, StatusFailed, StatusPending},
	StatusPreprocessing: {StatusProcessing, StatusCompleted, StatusFailed, StatusPending},
	StatusFailed:        {StatusPending},
	StatusCompleted:     {},
}

// CanTransition reports whether a record may move from one status to another.
//
// The target must always be a recognized status. A source outside the enum
// may only be force-reset to pending.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if !from.Valid() {
		return to == StatusPending
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
