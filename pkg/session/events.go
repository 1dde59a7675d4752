package session

import (
	"encoding/json"

	"github.com/tphan267/guggleweed-client/pkg/media"
	"github.com/tphan267/guggleweed-client/pkg/signaling"
)

// event is a signal handled by the controller's event loop. Signaling pushes
// and media hooks are translated into events instead of touching state from
// their own goroutines.
type event interface{}

type connectedEvent struct{}

type connectErrorEvent struct{ reason string }

type disconnectedEvent struct{ reason string }

type chatReceivedEvent struct{ message ChatMessage }

type attentionRequestedEvent struct{ attendeeID string }

type attentionAcceptedEvent struct{ attendeeID string }

type attendeeEvent struct {
	name       string
	attendeeID string
}

type producerCreatedEvent struct {
	attendeeID string
	producerID string
}

type consumerClosedEvent struct{ consumerID string }

type meetingEndedEvent struct{}

type transportClosedEvent struct{ direction media.Direction }

type producerEndedEvent struct{ kind media.ProducerKind }

type attendeePayload struct {
	AttendeeID string `json:"attendeeId"`
}

type producerCreatedPayload struct {
	AttendeeID string `json:"attendeeId"`
	ProducerID string `json:"producerId"`
}

type consumerClosedPayload struct {
	ConsumerID string `json:"consumerId"`
}

type messagePayload struct {
	Message string `json:"message"`
}

// decodeEvent turns a raw push into an event. Unknown names yield a nil event
// and malformed payloads an error.
func decodeEvent(name string, data json.RawMessage) (event, error) {
	switch name {
	case signaling.EventConnect:
		return connectedEvent{}, nil
	case signaling.EventConnectError, signaling.EventDisconnect:
		var p signaling.ErrorPayload
		_ = json.Unmarshal(data, &p)
		if name == signaling.EventConnectError {
			return connectErrorEvent{reason: p.Message}, nil
		}
		return disconnectedEvent{reason: p.Message}, nil
	case signaling.EventMessageSent:
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return chatReceivedEvent{message: msg}, nil
	case signaling.EventAttentionRequested, signaling.EventAttentionAccepted,
		signaling.EventAttendeeJoined, signaling.EventAttendeeLeft,
		signaling.EventAttendeeDisconnected, signaling.EventAttendeeError:
		var p attendeePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		switch name {
		case signaling.EventAttentionRequested:
			return attentionRequestedEvent{attendeeID: p.AttendeeID}, nil
		case signaling.EventAttentionAccepted:
			return attentionAcceptedEvent{attendeeID: p.AttendeeID}, nil
		}
		return attendeeEvent{name: name, attendeeID: p.AttendeeID}, nil
	case signaling.EventProducerCreated:
		var p producerCreatedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return producerCreatedEvent{attendeeID: p.AttendeeID, producerID: p.ProducerID}, nil
	case signaling.EventConsumerClosed:
		var p consumerClosedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return consumerClosedEvent{consumerID: p.ConsumerID}, nil
	case signaling.EventMeetingEnded:
		return meetingEndedEvent{}, nil
	}
	return nil, nil
}

// subscribedEvents are registered on the channel when the controller starts
var subscribedEvents = []string{
	signaling.EventConnect,
	signaling.EventConnectError,
	signaling.EventDisconnect,
	signaling.EventMessageSent,
	signaling.EventAttentionRequested,
	signaling.EventAttentionAccepted,
	signaling.EventAttendeeJoined,
	signaling.EventAttendeeLeft,
	signaling.EventAttendeeDisconnected,
	signaling.EventAttendeeError,
	signaling.EventProducerCreated,
	signaling.EventConsumerClosed,
	signaling.EventMeetingEnded,
}
