package download

// Status is the lifecycle state of a download.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	// StatusExternal marks a transfer handed to another application. The engine never drives it.
	StatusExternal Status = "external"
)

// Terminal reports whether no worker can own a record in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusExternal:
		return true
	default:
		return false
	}
}

// Trigger is a request to move a record to another status.
type Trigger string

const (
	TriggerAdmit    Trigger = "admit"
	TriggerPause    Trigger = "pause"
	TriggerResume   Trigger = "resume"
	TriggerCancel   Trigger = "cancel"
	TriggerRestart  Trigger = "restart"
	TriggerComplete Trigger = "complete"
	TriggerFail     Trigger = "fail"

	// TriggerRemove is not a transition; it is only legal on terminal records.
	TriggerRemove Trigger = "remove"
)

// validTransitions is the adjacency map of the download lifecycle. Anything missing is illegal.
var validTransitions = map[Status]map[Trigger]Status{
	StatusQueued: {
		TriggerAdmit: StatusRunning,
	},
	StatusRunning: {
		TriggerPause:    StatusPaused,
		TriggerCancel:   StatusCanceled,
		TriggerComplete: StatusCompleted,
		TriggerFail:     StatusFailed,
	},
	StatusPaused: {
		TriggerResume: StatusQueued,
		TriggerCancel: StatusCanceled,
	},
	StatusFailed: {
		TriggerRestart: StatusQueued,
	},
	StatusCanceled: {
		TriggerRestart: StatusQueued,
	},
}

// Next returns the status reached from s by trigger, or a TransitionError.
func Next(s Status, trigger Trigger) (Status, error) {
	next, ok := validTransitions[s][trigger]
	if !ok {
		return s, &TransitionError{From: s, Trigger: trigger}
	}

	return next, nil
}

// CanTransition reports whether trigger is legal in status s.
func CanTransition(s Status, trigger Trigger) bool {
	_, ok := validTransitions[s][trigger]

	return ok
}

// Apply moves the record through trigger. The record is left untouched when the move is illegal.
func (r *Record) Apply(trigger Trigger) error {
	next, err := Next(r.Status, trigger)
	if err != nil {
		return &TransitionError{ID: r.ID, From: r.Status, Trigger: trigger}
	}

	r.Status = next

	return nil
}
