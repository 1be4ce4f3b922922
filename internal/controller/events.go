package controller

import "time"

// EventType labels a controller lifecycle event.
type EventType string

const (
	EventStarted           EventType = "/started"
	EventPhaseEntered      EventType = "/phase_entered"
	EventApprovalRequested EventType = "/approval_requested"
	EventApproved          EventType = "/approved"
	EventRejected          EventType = "/rejected"
	EventTransitioned      EventType = "/transitioned"
	EventFanOut            EventType = "/fan_out"
	EventJoined            EventType = "/joined"
	EventEscalated         EventType = "/escalated"
	EventRolledBack        EventType = "/rolled_back"
	EventCompleted         EventType = "/completed"
	EventFailed            EventType = "/failed"
	EventCancelled         EventType = "/cancelled"
)

// Event is a notification about one execution's progress. Events are advisory;
// the execution record in the state store is the source of truth.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Phase       int       `json:"phase"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Events exposes the controller's event stream. The channel is buffered and
// sends never block; a slow consumer loses events rather than stalling the
// controller.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) emit(evt EventType, execID string, phase int, message string) {
	e := Event{
		Type:        evt,
		ExecutionID: execID,
		Phase:       phase,
		Message:     message,
		Timestamp:   time.Now(),
	}
	select {
	case c.events <- e:
	default:
	}
}
