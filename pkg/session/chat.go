package session

import (
	"fmt"
	"strings"

	"github.com/tphan267/guggleweed-client/pkg/signaling"
)

// EnterMessage replaces the local chat draft
func (c *Controller) EnterMessage(text string) error {
	return c.store.Commit(func(s State) (State, error) {
		s.ChatBox.Draft = text
		return s, nil
	})
}

// SendChatMessage takes the draft, clears it and emits it. The message shows
// up in the log only when the server broadcasts it back.
func (c *Controller) SendChatMessage() error {
	var message string
	err := c.store.Commit(func(s State) (State, error) {
		if !s.Live() {
			return s, ErrMeetingEnded
		}
		if strings.TrimSpace(s.ChatBox.Draft) == "" {
			return s, ErrEmptyMessage
		}
		message = s.ChatBox.Draft
		s.ChatBox.Draft = ""
		return s, nil
	})
	if err != nil {
		return err
	}

	if err := c.channel.Emit(signaling.ActionSendMessage, messagePayload{Message: message}); err != nil {
		return fmt.Errorf("failed to send chat message: %w", err)
	}
	return nil
}

func (c *Controller) onChatMessage(msg ChatMessage) {
	err := c.store.Commit(func(s State) (State, error) {
		s.ChatBox.Messages = append(s.ChatBox.Messages, msg)
		return s, nil
	})
	if err != nil || c.journal == nil {
		return
	}
	if _, err := c.journal.AddChat(c.meetingID, msg.Sender, msg.Message); err != nil {
		c.logger.Warn("[Session] Failed to journal chat message: %v", err)
	}
}

// Transcript returns the chat log. The journal outlives state snapshots, so
// it is preferred when configured.
func (c *Controller) Transcript() ([]ChatMessage, error) {
	if c.journal == nil {
		return c.store.State().ChatBox.Messages, nil
	}

	records, err := c.journal.Transcript(c.meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	out := make([]ChatMessage, 0, len(records))
	for _, r := range records {
		out = append(out, ChatMessage{Sender: r.Sender, Message: r.Message})
	}
	return out, nil
}
