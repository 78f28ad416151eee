package fanout

const (
	EventLocationUpdate  = "locationUpdate"
	EventStatusChange    = "statusChange"
	EventTripTerminated  = "tripTerminated"
	EventSubscriptionAck = "subscriptionAck"
	EventError           = "error"
	EventTripOffer       = "tripOffer"
)

// Event is the envelope every subscriber receives.
type Event struct {
	Type    string `json:"type"`
	TripID  string `json:"tripId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ErrorEvent(tripID, code, msg string) Event {
	return Event{Type: EventError, TripID: tripID, Payload: ErrorPayload{Code: code, Message: msg}}
}

// MoverTopic is the topic a mover's own connections join to receive offers.
func MoverTopic(moverID string) string { return "mover:" + moverID }

// TerminatedPayload closes a trip stream for its subscribers.
type TerminatedPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
