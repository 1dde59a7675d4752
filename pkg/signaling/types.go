package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tphan267/guggleweed-client/pkg/api"
)

// Connection lifecycle events, delivered through On like server pushes
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

// Outbound actions
const (
	ActionJoin             = "join"
	ActionConnectTransport = "connectTransport"
	ActionProduceMedia     = "produceMedia"
	ActionCloseProducer    = "closeProducer"
	ActionConsumeMedia     = "consumeMedia"
	ActionSendMessage      = "sendMessage"
	ActionRequestAttention = "requestAttention"
	ActionAcceptAttention  = "acceptAttention"
)

// Inbound pushes
const (
	EventMessageSent          = "messageSent"
	EventAttentionRequested   = "attentionRequested"
	EventAttentionAccepted    = "attentionAccepted"
	EventAttendeeJoined       = "attendeeJoined"
	EventAttendeeLeft         = "attendeeLeft"
	EventAttendeeDisconnected = "attendeeDisconnected"
	EventAttendeeError        = "attendeeError"
	EventProducerCreated      = "producerCreated"
	EventConsumerClosed       = "consumerClosed"
	EventMeetingEnded         = "meetingEnded"
)

const messageTypeAck = "ack"

// Identity headers sent on the WebSocket handshake
const (
	HeaderParticipantID = "x-participant-id"
	HeaderMeetingID     = "x-meeting-id"
)

var (
	ErrNotConnected   = errors.New("not connected to signaling server")
	ErrDisconnected   = errors.New("signaling connection lost")
	ErrDisposed       = errors.New("signaling channel disposed")
	ErrRequestTimeout = errors.New("signaling request timed out")
)

// Message is the JSON frame exchanged over the socket. Requests carry an ID
// that the server echoes back in an "ack" frame whose data is a result envelope.
type Message struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EventHandler receives the raw payload of a push or lifecycle event
type EventHandler func(data json.RawMessage)

// RequestError is returned when the server answers a request with a failed result
type RequestError struct {
	Action string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Action, e.Reason)
}

// ErrorPayload is the data of connect_error and disconnect events
type ErrorPayload struct {
	Message string `json:"message"`
}

type response struct {
	result api.Result
	err    error
}
