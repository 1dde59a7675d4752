package session

import (
	"fmt"

	"github.com/tphan267/guggleweed-client/pkg/signaling"
)

type attentionPayload struct {
	AttendeeID string `json:"attendeeId"`
}

// RequestAttention asks the host to focus on this participant
func (c *Controller) RequestAttention() error {
	if !c.store.State().Live() {
		return ErrMeetingEnded
	}
	if err := c.channel.Emit(signaling.ActionRequestAttention, struct{}{}); err != nil {
		return fmt.Errorf("failed to request attention: %w", err)
	}
	return nil
}

// AcceptAttention grants attendeeID's request and drops it from the queue
func (c *Controller) AcceptAttention(attendeeID string) error {
	if !c.store.State().Live() {
		return ErrMeetingEnded
	}
	if err := c.channel.Emit(signaling.ActionAcceptAttention, attentionPayload{AttendeeID: attendeeID}); err != nil {
		return fmt.Errorf("failed to accept attention: %w", err)
	}
	return c.store.Commit(func(s State) (State, error) {
		return s.withoutAttention(attendeeID), nil
	})
}

// RejectAttention drops attendeeID's request locally
func (c *Controller) RejectAttention(attendeeID string) error {
	return c.store.Commit(func(s State) (State, error) {
		return s.withoutAttention(attendeeID), nil
	})
}

func (c *Controller) onAttentionRequested(attendeeID string) {
	_ = c.store.Commit(func(s State) (State, error) {
		return s.promoteAttention(attendeeID), nil
	})
}

// onAttentionAccepted notifies everyone and brings the participant's video
// to the front.
func (c *Controller) onAttentionAccepted(attendeeID string) {
	c.notify(NotifyAttentionAccepted, attendeeID, fmt.Sprintf("Please pay your attention on %s", attendeeID))
	_ = c.store.Commit(func(s State) (State, error) {
		return s.focusParticipant(attendeeID), nil
	})
}
