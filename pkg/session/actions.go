package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/tphan267/guggleweed-client/pkg/media"
)

// JoinMeeting establishes both media transports. The session moves to
// joining, then to joined once the transports are up, or back to ready with
// the error returned. Producers already published in the meeting are
// consumed afterwards.
func (c *Controller) JoinMeeting(ctx context.Context) error {
	err := c.store.Commit(func(s State) (State, error) {
		if !s.Live() {
			return s, ErrMeetingEnded
		}
		if s.Connection != StateReady {
			return s, fmt.Errorf("%w: %s", ErrNotReady, s.Connection)
		}
		s.Connection = StateJoining
		return s, nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("[Session] Joining meeting %s", c.meetingID)
	if err := c.media.Join(ctx); err != nil {
		_ = c.store.Commit(func(s State) (State, error) {
			if s.Connection != StateJoining {
				return s, errDiscarded
			}
			s.Connection = StateReady
			return s, nil
		})
		c.logger.Warn("[Session] Join failed: %v", err)
		return fmt.Errorf("failed to join meeting: %w", err)
	}

	err = c.store.Commit(func(s State) (State, error) {
		if s.Connection != StateJoining {
			return s, fmt.Errorf("%w: now %s", ErrSessionChanged, s.Connection)
		}
		s.Connection = StateJoined
		return s, nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("[Session] Joined meeting %s", c.meetingID)

	return c.consumeExisting(ctx)
}

// consumeExisting consumes every producer other attendees already publish.
// A consume failure becomes a notification. Failing to list attendees is
// returned but leaves the session joined.
func (c *Controller) consumeExisting(ctx context.Context) error {
	if c.attendees == nil {
		return nil
	}

	attendees, err := c.attendees.Attendees(ctx, c.meetingID)
	if err != nil {
		c.logger.Warn("[Session] Failed to list attendees: %v", err)
		return err
	}

	for _, attendee := range attendees {
		if attendee.AttendeeID == c.participantID {
			continue
		}
		for _, producerID := range attendee.ProducerIDs {
			if err := c.ConsumeMedia(ctx, attendee.AttendeeID, producerID); err != nil {
				if errors.Is(err, ErrNotJoined) || errors.Is(err, ErrSessionClosed) {
					return nil
				}
				if errors.Is(err, ErrSessionChanged) {
					continue
				}
				c.notify(NotifyError, attendee.AttendeeID, err.Error())
			}
		}
	}
	return nil
}

func (c *Controller) requireJoined() error {
	s := c.store.State()
	if !s.Live() {
		return ErrMeetingEnded
	}
	if s.Connection != StateJoined {
		return fmt.Errorf("%w: %s", ErrNotJoined, s.Connection)
	}
	return nil
}

// OpenMedia starts sharing a local source of kind
func (c *Controller) OpenMedia(ctx context.Context, kind media.ProducerKind) error {
	if err := c.requireJoined(); err != nil {
		return err
	}

	info, err := c.media.ProduceMedia(ctx, kind)
	if err != nil {
		return err
	}

	err = c.store.Commit(func(s State) (State, error) {
		if s.Connection != StateJoined {
			return s, errDiscarded
		}
		if id, ok := c.media.ProducerID(kind); !ok || id != info.ID {
			return s, errDiscarded
		}
		s.Self.Producers[kind] = info.ID
		return s, nil
	})
	if errors.Is(err, errDiscarded) {
		return fmt.Errorf("%w: %s producer %s is no longer active", ErrSessionChanged, kind, info.ID)
	}
	return err
}

// CloseMedia stops sharing kind. The state only changes after the producer
// was closed on the server and locally, and only if no newer producer of the
// same kind was listed meanwhile.
func (c *Controller) CloseMedia(ctx context.Context, kind media.ProducerKind) error {
	closedID, err := c.media.CloseProducer(ctx, kind)
	if err != nil {
		return err
	}
	return c.store.Commit(func(s State) (State, error) {
		if s.Self.Producers[kind] == closedID {
			delete(s.Self.Producers, kind)
		}
		return s, nil
	})
}

func (c *Controller) OpenVideo(ctx context.Context) error {
	return c.OpenMedia(ctx, media.ProducerVideo)
}

func (c *Controller) OpenAudio(ctx context.Context) error {
	return c.OpenMedia(ctx, media.ProducerAudio)
}

func (c *Controller) OpenScreenVideo(ctx context.Context) error {
	return c.OpenMedia(ctx, media.ProducerScreenVideo)
}

func (c *Controller) CloseVideo(ctx context.Context) error {
	return c.CloseMedia(ctx, media.ProducerVideo)
}

func (c *Controller) CloseAudio(ctx context.Context) error {
	return c.CloseMedia(ctx, media.ProducerAudio)
}

func (c *Controller) CloseScreenVideo(ctx context.Context) error {
	return c.CloseMedia(ctx, media.ProducerScreenVideo)
}

// ConsumeMedia receives producerID of attendeeID and adds it to the remote
// list. The consumer is registered in the list and in the manager in the same
// commit; if the session left joined meanwhile the consumer is closed.
func (c *Controller) ConsumeMedia(ctx context.Context, attendeeID, producerID string) error {
	if err := c.requireJoined(); err != nil {
		return err
	}

	info, err := c.media.ConsumeMedia(ctx, producerID)
	if err != nil {
		return err
	}

	err = c.store.Commit(func(s State) (State, error) {
		if s.Connection != StateJoined || !c.media.HasConsumer(info.ID) {
			return s, errDiscarded
		}
		s.Remote = append(s.Remote, RemoteMedia{
			ID:            info.ID,
			ParticipantID: attendeeID,
			ProducerID:    producerID,
			Kind:          info.Kind,
			Consumer:      info.Consumer,
		})
		return s, nil
	})
	if errors.Is(err, errDiscarded) {
		c.media.CloseLocalConsumer(info.ID)
		return fmt.Errorf("%w: consumer %s is no longer current", ErrSessionChanged, info.ID)
	}
	return err
}

// onConsumerClosed drops the remote entry and its consumer together. The
// consumer is closed even without an entry, so a ConsumeMedia still waiting
// for its commit finds it gone and discards itself.
func (c *Controller) onConsumerClosed(consumerID string) {
	err := c.store.Commit(func(s State) (State, error) {
		c.media.CloseLocalConsumer(consumerID)
		i := s.remoteIndex(consumerID)
		if i < 0 {
			return s, errDiscarded
		}
		s.Remote = append(s.Remote[:i], s.Remote[i+1:]...)
		return s, nil
	})
	if err == nil {
		c.logger.Debug("[Session] Consumer %s closed by server", consumerID)
	}
}

// RemoteStats returns the receive counters of a remote stream
func (c *Controller) RemoteStats(id string) (media.ConsumerStats, error) {
	if c.store.State().remoteIndex(id) < 0 {
		return media.ConsumerStats{}, fmt.Errorf("%w: %s", ErrUnknownMedia, id)
	}
	stats, ok := c.media.ConsumerStats(id)
	if !ok {
		return media.ConsumerStats{}, fmt.Errorf("%w: %s", ErrUnknownMedia, id)
	}
	return stats, nil
}
