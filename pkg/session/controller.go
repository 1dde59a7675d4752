package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tphan267/guggleweed-client/pkg/logger"
	"github.com/tphan267/guggleweed-client/pkg/media"
	"github.com/tphan267/guggleweed-client/pkg/meeting"
	"github.com/tphan267/guggleweed-client/pkg/models"
	"github.com/tphan267/guggleweed-client/pkg/signaling"
)

// Channel is the signaling surface the controller drives
type Channel interface {
	Connect(ctx context.Context, participantID, meetingID string) error
	Request(ctx context.Context, action string, payload any, out any) error
	Emit(action string, payload any) error
	On(event string, handler signaling.EventHandler)
	Dispose()
}

// Media is the media transport manager surface the controller drives
type Media interface {
	Join(ctx context.Context) error
	ProduceMedia(ctx context.Context, kind media.ProducerKind) (media.ProducerInfo, error)
	CloseProducer(ctx context.Context, kind media.ProducerKind) (string, error)
	ProducerID(kind media.ProducerKind) (string, bool)
	ConsumeMedia(ctx context.Context, producerID string) (media.ConsumerInfo, error)
	CloseLocalConsumer(id string)
	HasConsumer(id string) bool
	ConsumerStats(id string) (media.ConsumerStats, bool)
	OnTransportClosed(fn func(media.Direction))
	OnProducerEnded(fn func(media.ProducerKind))
	DisposeAll()
}

// AttendeeLister returns the attendees already publishing in a meeting
type AttendeeLister interface {
	Attendees(ctx context.Context, meetingID string) ([]meeting.Attendee, error)
}

// Journal records chat and notifications outside the in-memory state
type Journal interface {
	AddChat(meetingID, sender, message string) (*models.ChatRecord, error)
	AddNotification(meetingID, kind, attendeeID, text string) (*models.NotificationRecord, error)
	Transcript(meetingID string) ([]*models.ChatRecord, error)
}

// Options configure a Controller. Attendees and Journal are optional.
type Options struct {
	ParticipantID string
	MeetingID     string
	Channel       Channel
	Media         Media
	Attendees     AttendeeLister
	Journal       Journal
	Logger        *logger.Logger
}

const eventQueueSize = 256

// Controller owns one participant session. Signaling pushes and media hooks
// are queued to a single event loop; user actions run on the caller's
// goroutine. Both mutate state only through the store.
type Controller struct {
	participantID string
	meetingID     string

	channel   Channel
	media     Media
	attendees AttendeeLister
	journal   Journal
	store     *Store

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce   sync.Once
	disposeOnce sync.Once
	teardown    sync.Once

	logger *logger.Logger
}

// NewController creates a controller in the initializing state
func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.ParticipantID == "":
		return nil, fmt.Errorf("participant id is required")
	case opts.MeetingID == "":
		return nil, fmt.Errorf("meeting id is required")
	case opts.Channel == nil:
		return nil, fmt.Errorf("signaling channel is required")
	case opts.Media == nil:
		return nil, fmt.Errorf("media manager is required")
	}

	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		participantID: opts.ParticipantID,
		meetingID:     opts.MeetingID,
		channel:       opts.Channel,
		media:         opts.Media,
		attendees:     opts.Attendees,
		journal:       opts.Journal,
		store:         NewStore(InitialState(opts.ParticipantID, opts.MeetingID)),
		events:        make(chan event, eventQueueSize),
		ctx:           ctx,
		cancel:        cancel,
		logger:        log,
	}, nil
}

// Start subscribes to the channel, starts the event loop and connects. The
// connect outcome reaches the state through the connect/connect_error events.
func (c *Controller) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		for _, name := range subscribedEvents {
			c.channel.On(name, func(data json.RawMessage) {
				c.handlePush(name, data)
			})
		}
		c.media.OnTransportClosed(func(dir media.Direction) {
			c.enqueue(transportClosedEvent{direction: dir})
		})
		c.media.OnProducerEnded(func(kind media.ProducerKind) {
			c.enqueue(producerEndedEvent{kind: kind})
		})

		c.wg.Add(1)
		go c.loop()
	})

	c.logger.Info("[Session] Connecting as %s to meeting %s", c.participantID, c.meetingID)
	if err := c.channel.Connect(ctx, c.participantID, c.meetingID); err != nil {
		return fmt.Errorf("failed to connect signaling: %w", err)
	}
	return nil
}

// State returns the current snapshot
func (c *Controller) State() State {
	return c.store.State()
}

// Subscribe returns latest-wins snapshots and a cancel func
func (c *Controller) Subscribe() (<-chan State, func()) {
	return c.store.Subscribe()
}

// ParticipantID returns the participant this session acts for
func (c *Controller) ParticipantID() string {
	return c.participantID
}

// MeetingID returns the meeting this session belongs to
func (c *Controller) MeetingID() string {
	return c.meetingID
}

func (c *Controller) handlePush(name string, data json.RawMessage) {
	ev, err := decodeEvent(name, data)
	if err != nil {
		c.logger.Warn("[Session] Dropping malformed %s event: %v", name, err)
		return
	}
	if ev != nil {
		c.enqueue(ev)
	}
}

func (c *Controller) enqueue(ev event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleEvent(ev event) {
	switch e := ev.(type) {
	case connectedEvent:
		c.onConnected()
	case connectErrorEvent:
		c.onConnectError(e.reason)
	case disconnectedEvent:
		c.onDisconnected(e.reason)
	case meetingEndedEvent:
		c.onMeetingEnded()
	case transportClosedEvent:
		c.onTransportClosed(e.direction)
	case producerEndedEvent:
		c.background(func(ctx context.Context) {
			if err := c.CloseMedia(ctx, e.kind); err != nil {
				c.logger.Warn("[Session] Failed to close ended %s: %v", e.kind, err)
			}
		})
	default:
		// everything else only applies while the meeting is live
		if !c.store.State().Live() {
			return
		}
		c.handleLiveEvent(ev)
	}
}

func (c *Controller) handleLiveEvent(ev event) {
	switch e := ev.(type) {
	case chatReceivedEvent:
		c.onChatMessage(e.message)
	case attentionRequestedEvent:
		c.onAttentionRequested(e.attendeeID)
	case attentionAcceptedEvent:
		c.onAttentionAccepted(e.attendeeID)
	case attendeeEvent:
		c.onAttendeeEvent(e.name, e.attendeeID)
	case producerCreatedEvent:
		if e.attendeeID == c.participantID {
			return
		}
		c.background(func(ctx context.Context) {
			err := c.ConsumeMedia(ctx, e.attendeeID, e.producerID)
			switch {
			case err == nil:
			case errors.Is(err, ErrSessionChanged):
				c.logger.Debug("[Session] Dropped consumer of %s: %v", e.producerID, err)
			default:
				c.notify(NotifyError, e.attendeeID, err.Error())
			}
		})
	case consumerClosedEvent:
		c.onConsumerClosed(e.consumerID)
	}
}

// background runs fn off the event loop, bounded by the controller's lifetime
func (c *Controller) background(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *Controller) onConnected() {
	err := c.store.Commit(func(s State) (State, error) {
		if s.Connection != StateInitializing {
			return s, errDiscarded
		}
		s.Connection = StateReady
		return s, nil
	})
	if err == nil {
		c.logger.Info("[Session] Signaling connected")
	}
}

func (c *Controller) onConnectError(reason string) {
	err := c.store.Commit(func(s State) (State, error) {
		if s.Connection != StateInitializing {
			return s, errDiscarded
		}
		s.Connection = StateInitializationError
		return s, nil
	})
	if err == nil {
		c.logger.Error("[Session] Signaling connection failed: %s", reason)
	}
}

// onDisconnected is terminal once the channel had connected. Media is
// released because nothing can be negotiated any more.
func (c *Controller) onDisconnected(reason string) {
	err := c.store.Commit(func(s State) (State, error) {
		if s.Connection == StateInitializing || s.Connection.Terminal() {
			return s, errDiscarded
		}
		return s.disconnected(), nil
	})
	if err != nil {
		return
	}
	c.logger.Warn("[Session] Signaling disconnected: %s", reason)
	c.media.DisposeAll()
}

// onTransportClosed runs after the manager released every producer and
// consumer. The session cannot continue without its transports.
func (c *Controller) onTransportClosed(dir media.Direction) {
	err := c.store.Commit(func(s State) (State, error) {
		if s.Connection != StateJoined {
			return s, errDiscarded
		}
		return s.disconnected(), nil
	})
	if err != nil {
		return
	}
	c.logger.Warn("[Session] %s transport closed, session disconnected", dir)
	c.channel.Dispose()
}

func (s State) disconnected() State {
	s.Connection = StateDisconnected
	s.Self.Producers = map[media.ProducerKind]string{}
	s.Remote = []RemoteMedia{}
	return s
}

// onMeetingEnded marks the meeting ended whatever the connection state and
// tears down media and signaling.
func (c *Controller) onMeetingEnded() {
	_ = c.store.Commit(func(s State) (State, error) {
		if !s.Live() {
			return s, errDiscarded
		}
		s.Meeting = MeetingEnded
		return s, nil
	})
	c.logger.Info("[Session] Meeting %s ended", c.meetingID)
	c.release()
}

// release disposes media then the channel, once
func (c *Controller) release() {
	c.teardown.Do(func() {
		c.media.DisposeAll()
		c.channel.Dispose()
	})
}

func (c *Controller) onAttendeeEvent(name, attendeeID string) {
	switch name {
	case signaling.EventAttendeeJoined:
		if attendeeID == c.participantID {
			return
		}
		c.notify(NotifyAttendeeJoined, attendeeID, fmt.Sprintf("Attendee %s has just joined this meeting", attendeeID))
	default:
		c.notify(NotifyAttendeeLeft, attendeeID, fmt.Sprintf("Attendee %s has just left this meeting", attendeeID))
	}
}

// notify appends a notification to the state and journals it
func (c *Controller) notify(kind NotificationKind, attendeeID, text string) {
	var added Notification
	err := c.store.Commit(func(s State) (State, error) {
		s, added = s.withNotification(kind, attendeeID, text)
		return s, nil
	})
	if err != nil {
		return
	}
	c.logger.Info("[Session] %s: %s", kind, text)
	if c.journal != nil {
		if _, err := c.journal.AddNotification(c.meetingID, string(added.Kind), added.AttendeeID, added.Text); err != nil {
			c.logger.Warn("[Session] Failed to journal notification: %v", err)
		}
	}
}

// Dispose releases media, disposes the channel, stops the event loop and
// closes the store. Subscriptions end when it returns.
func (c *Controller) Dispose() {
	c.disposeOnce.Do(func() {
		c.release()
		c.cancel()
		c.wg.Wait()
		c.store.Close()
		c.logger.Info("[Session] Disposed")
	})
}
