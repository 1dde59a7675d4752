package session

import "errors"

var (
	ErrNotReady       = errors.New("session is not ready to join")
	ErrNotJoined      = errors.New("session has not joined the meeting")
	ErrMeetingEnded   = errors.New("meeting has ended")
	ErrSessionClosed  = errors.New("session closed")
	ErrSessionChanged = errors.New("session state changed while the operation was in flight")
	ErrEmptyMessage   = errors.New("chat message is empty")
	ErrUnknownMedia   = errors.New("remote media not found")
)
