package session

import (
	"slices"
	"time"

	"github.com/tphan267/guggleweed-client/pkg/media"
)

// ConnectionState is the lifecycle of the signaling connection and media join
type ConnectionState string

const (
	StateInitializing        ConnectionState = "initializing"
	StateInitializationError ConnectionState = "initialization_error"
	StateReady               ConnectionState = "ready"
	StateJoining             ConnectionState = "joining"
	StateJoined              ConnectionState = "joined"
	StateDisconnected        ConnectionState = "disconnected"
)

// Terminal reports whether no further transition can leave the state
func (s ConnectionState) Terminal() bool {
	return s == StateInitializationError || s == StateDisconnected
}

// MeetingStatus is orthogonal to the connection state. Ended is terminal.
type MeetingStatus string

const (
	MeetingLive  MeetingStatus = "live"
	MeetingEnded MeetingStatus = "ended"
)

// ChatMessage is a message as broadcast by the server
type ChatMessage struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// ChatBox holds the local draft and the messages received so far
type ChatBox struct {
	Draft    string        `json:"message"`
	Messages []ChatMessage `json:"chatMessages"`
}

// SelfMedia maps each local producer kind being shared to its producer id
type SelfMedia struct {
	Producers map[media.ProducerKind]string `json:"producers"`
}

// Sharing reports whether a producer of kind is active
func (s SelfMedia) Sharing(kind media.ProducerKind) bool {
	_, ok := s.Producers[kind]
	return ok
}

// RemoteMedia is one consumed stream of another participant
type RemoteMedia struct {
	ID            string          `json:"id"`
	ParticipantID string          `json:"participantId"`
	ProducerID    string          `json:"producerId"`
	Kind          media.MediaKind `json:"kind"`
	Consumer      media.Consumer  `json:"-"`
}

type NotificationKind string

const (
	NotifyAttendeeJoined    NotificationKind = "attendee_joined"
	NotifyAttendeeLeft      NotificationKind = "attendee_left"
	NotifyAttentionAccepted NotificationKind = "attention_accepted"
	NotifyError             NotificationKind = "error"
)

// Notification is a transient message for the presentation layer
type Notification struct {
	ID         int              `json:"id"`
	Kind       NotificationKind `json:"kind"`
	AttendeeID string           `json:"attendeeId,omitempty"`
	Text       string           `json:"text"`
	At         time.Time        `json:"at"`
}

// maxNotifications bounds the notification list kept in state
const maxNotifications = 50

// State is an immutable snapshot of the session. Reducers receive a clone and
// return the next snapshot, so a published State is never modified.
type State struct {
	ParticipantID     string          `json:"participantId"`
	MeetingID         string          `json:"meetingId"`
	Connection        ConnectionState `json:"connectionState"`
	Meeting           MeetingStatus   `json:"meetingStatus"`
	ChatBox           ChatBox         `json:"chatBox"`
	AttentionRequests []string        `json:"attentionRequests"`
	Self              SelfMedia       `json:"selfStream"`
	Remote            []RemoteMedia   `json:"otherMedias"`
	Notifications     []Notification  `json:"notifications"`

	notificationSeq int
}

// InitialState is the state of a freshly created session
func InitialState(participantID, meetingID string) State {
	return State{
		ParticipantID:     participantID,
		MeetingID:         meetingID,
		Connection:        StateInitializing,
		Meeting:           MeetingLive,
		ChatBox:           ChatBox{Messages: []ChatMessage{}},
		AttentionRequests: []string{},
		Self:              SelfMedia{Producers: map[media.ProducerKind]string{}},
		Remote:            []RemoteMedia{},
		Notifications:     []Notification{},
	}
}

func (s State) clone() State {
	out := s
	out.ChatBox.Messages = slices.Clone(s.ChatBox.Messages)
	out.AttentionRequests = slices.Clone(s.AttentionRequests)
	out.Remote = slices.Clone(s.Remote)
	out.Notifications = slices.Clone(s.Notifications)
	out.Self.Producers = make(map[media.ProducerKind]string, len(s.Self.Producers))
	for k, v := range s.Self.Producers {
		out.Self.Producers[k] = v
	}
	return out
}

// Live reports whether the meeting has not ended
func (s State) Live() bool {
	return s.Meeting == MeetingLive
}

func (s State) remoteIndex(id string) int {
	return slices.IndexFunc(s.Remote, func(m RemoteMedia) bool { return m.ID == id })
}

func (s State) withNotification(kind NotificationKind, attendeeID, text string) (State, Notification) {
	s.notificationSeq++
	n := Notification{
		ID:         s.notificationSeq,
		Kind:       kind,
		AttendeeID: attendeeID,
		Text:       text,
		At:         time.Now(),
	}
	s.Notifications = append(s.Notifications, n)
	if over := len(s.Notifications) - maxNotifications; over > 0 {
		s.Notifications = slices.Delete(s.Notifications, 0, over)
	}
	return s, n
}

// promoteAttention moves attendeeID to the front, inserting it when missing
func (s State) promoteAttention(attendeeID string) State {
	rest := slices.DeleteFunc(s.AttentionRequests, func(id string) bool { return id == attendeeID })
	s.AttentionRequests = append([]string{attendeeID}, rest...)
	return s
}

func (s State) withoutAttention(attendeeID string) State {
	s.AttentionRequests = slices.DeleteFunc(s.AttentionRequests, func(id string) bool { return id == attendeeID })
	return s
}

// focusParticipant moves the participant's video streams to the front of the
// remote list, keeping the relative order of everything else.
func (s State) focusParticipant(attendeeID string) State {
	focused := make([]RemoteMedia, 0, len(s.Remote))
	others := make([]RemoteMedia, 0, len(s.Remote))
	for _, m := range s.Remote {
		if m.Kind == media.KindVideo && m.ParticipantID == attendeeID {
			focused = append(focused, m)
		} else {
			others = append(others, m)
		}
	}
	s.Remote = append(focused, others...)
	return s
}
