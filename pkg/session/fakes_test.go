package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/tphan267/guggleweed-client/pkg/media"
	"github.com/tphan267/guggleweed-client/pkg/meeting"
	"github.com/tphan267/guggleweed-client/pkg/models"
	"github.com/tphan267/guggleweed-client/pkg/signaling"
)

type emitted struct {
	action  string
	payload any
}

type fakeChannel struct {
	mu         sync.Mutex
	handlers   map[string]signaling.EventHandler
	connectErr error
	emitErr    error
	emits      []emitted
	disposed   bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]signaling.EventHandler)}
}

func (f *fakeChannel) Connect(ctx context.Context, participantID, meetingID string) error {
	if f.connectErr != nil {
		f.push(signaling.EventConnectError, signaling.ErrorPayload{Message: f.connectErr.Error()})
		return f.connectErr
	}
	f.push(signaling.EventConnect, nil)
	return nil
}

func (f *fakeChannel) Request(ctx context.Context, action string, payload any, out any) error {
	return nil
}

func (f *fakeChannel) Emit(action string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{action: action, payload: payload})
	return nil
}

func (f *fakeChannel) On(event string, handler signaling.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = handler
}

func (f *fakeChannel) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
	f.handlers = make(map[string]signaling.EventHandler)
}

// push delivers a server event the way the channel's reader would
func (f *fakeChannel) push(event string, payload any) {
	f.mu.Lock()
	handler := f.handlers[event]
	f.mu.Unlock()
	if handler == nil {
		return
	}
	data, _ := json.Marshal(payload)
	handler(data)
}

func (f *fakeChannel) emitted(action string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.action == action {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeChannel) isDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

type fakeConsumer struct {
	id, producerID string
	kind           media.MediaKind
}

func (c *fakeConsumer) ID() string                  { return c.id }
func (c *fakeConsumer) ProducerID() string          { return c.producerID }
func (c *fakeConsumer) Kind() media.MediaKind       { return c.kind }
func (c *fakeConsumer) Track() *webrtc.TrackRemote  { return nil }
func (c *fakeConsumer) Stats() media.ConsumerStats  { return media.ConsumerStats{Packets: 3} }
func (c *fakeConsumer) Close() error                { return nil }

// fakeMedia tracks producers and consumers like the real manager, without
// any transport.
type fakeMedia struct {
	mu          sync.Mutex
	joinErr     error
	joinGate    chan struct{}
	joined      bool
	produceGate chan struct{}
	producers   map[media.ProducerKind]string
	pending     map[media.ProducerKind]bool
	consumers   map[string]media.Consumer
	consumeErr  map[string]error
	closeErr    error
	closeCalls  int
	disposed    int
	seq         int

	// hold a call after the manager-side work is done, before it returns
	producedGate chan struct{}
	closedGate   chan struct{}
	consumedGate chan struct{}

	onTransportClosed func(media.Direction)
	onProducerEnded   func(media.ProducerKind)
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		producers:  make(map[media.ProducerKind]string),
		pending:    make(map[media.ProducerKind]bool),
		consumers:  make(map[string]media.Consumer),
		consumeErr: make(map[string]error),
	}
}

func (f *fakeMedia) Join(ctx context.Context) error {
	if f.joinGate != nil {
		select {
		case <-f.joinGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = true
	return nil
}

func (f *fakeMedia) ProduceMedia(ctx context.Context, kind media.ProducerKind) (media.ProducerInfo, error) {
	f.mu.Lock()
	if !f.joined {
		f.mu.Unlock()
		return media.ProducerInfo{}, media.ErrNotJoined
	}
	if _, ok := f.producers[kind]; ok || f.pending[kind] {
		f.mu.Unlock()
		return media.ProducerInfo{}, media.ErrProducerExists
	}
	f.pending[kind] = true
	gate := f.produceGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	delete(f.pending, kind)
	f.seq++
	id := fmt.Sprintf("prod-%s-%d", kind, f.seq)
	f.producers[kind] = id
	after := f.producedGate
	f.mu.Unlock()

	if after != nil {
		<-after
	}
	return media.ProducerInfo{ID: id, Kind: kind}, nil
}

func (f *fakeMedia) CloseProducer(ctx context.Context, kind media.ProducerKind) (string, error) {
	f.mu.Lock()
	id, ok := f.producers[kind]
	if !ok {
		f.mu.Unlock()
		return "", media.ErrNoProducer
	}
	f.closeCalls++
	if f.closeErr != nil {
		err := f.closeErr
		f.mu.Unlock()
		return "", err
	}
	delete(f.producers, kind)
	after := f.closedGate
	f.mu.Unlock()

	if after != nil {
		<-after
	}
	return id, nil
}

func (f *fakeMedia) ProducerID(kind media.ProducerKind) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.producers[kind]
	return id, ok
}

func (f *fakeMedia) ConsumeMedia(ctx context.Context, producerID string) (media.ConsumerInfo, error) {
	f.mu.Lock()
	if !f.joined {
		f.mu.Unlock()
		return media.ConsumerInfo{}, media.ErrNotJoined
	}
	if err := f.consumeErr[producerID]; err != nil {
		f.mu.Unlock()
		return media.ConsumerInfo{}, err
	}
	for _, c := range f.consumers {
		if c.ProducerID() == producerID {
			f.mu.Unlock()
			return media.ConsumerInfo{}, media.ErrAlreadyConsuming
		}
	}
	kind := media.KindVideo
	if len(producerID) > 0 && producerID[0] == 'a' {
		kind = media.KindAudio
	}
	c := &fakeConsumer{id: "cons-" + producerID, producerID: producerID, kind: kind}
	f.consumers[c.id] = c
	after := f.consumedGate
	f.mu.Unlock()

	if after != nil {
		<-after
	}
	return media.ConsumerInfo{ID: c.id, ProducerID: producerID, Kind: kind, Consumer: c}, nil
}

func (f *fakeMedia) CloseLocalConsumer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.consumers, id)
}

func (f *fakeMedia) HasConsumer(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.consumers[id]
	return ok
}

func (f *fakeMedia) ConsumerStats(id string) (media.ConsumerStats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consumers[id]
	if !ok {
		return media.ConsumerStats{}, false
	}
	return c.Stats(), true
}

func (f *fakeMedia) OnTransportClosed(fn func(media.Direction)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTransportClosed = fn
}

func (f *fakeMedia) OnProducerEnded(fn func(media.ProducerKind)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onProducerEnded = fn
}

func (f *fakeMedia) DisposeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed++
	f.joined = false
	f.producers = make(map[media.ProducerKind]string)
	f.consumers = make(map[string]media.Consumer)
}

// closeTransport releases everything and runs the hook, like the manager
func (f *fakeMedia) closeTransport(dir media.Direction) {
	f.mu.Lock()
	f.joined = false
	f.producers = make(map[media.ProducerKind]string)
	f.consumers = make(map[string]media.Consumer)
	fn := f.onTransportClosed
	f.mu.Unlock()
	if fn != nil {
		fn(dir)
	}
}

func (f *fakeMedia) endTrack(kind media.ProducerKind) {
	f.mu.Lock()
	fn := f.onProducerEnded
	f.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

func (f *fakeMedia) producerID(kind media.ProducerKind) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.producers[kind]
}

func (f *fakeMedia) consumerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.consumers)
}

type fakeAttendees struct {
	attendees []meeting.Attendee
	err       error
}

func (f *fakeAttendees) Attendees(ctx context.Context, meetingID string) ([]meeting.Attendee, error) {
	return f.attendees, f.err
}

type fakeJournal struct {
	mu            sync.Mutex
	chats         []*models.ChatRecord
	notifications []*models.NotificationRecord
}

func (j *fakeJournal) AddChat(meetingID, sender, message string) (*models.ChatRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := &models.ChatRecord{ID: uint(len(j.chats) + 1), MeetingID: meetingID, Sender: sender, Message: message}
	j.chats = append(j.chats, r)
	return r, nil
}

func (j *fakeJournal) AddNotification(meetingID, kind, attendeeID, text string) (*models.NotificationRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := &models.NotificationRecord{MeetingID: meetingID, Kind: kind, AttendeeID: attendeeID, Text: text}
	j.notifications = append(j.notifications, r)
	return r, nil
}

func (j *fakeJournal) Transcript(meetingID string) ([]*models.ChatRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*models.ChatRecord(nil), j.chats...), nil
}

type harness struct {
	ctrl      *Controller
	channel   *fakeChannel
	media     *fakeMedia
	attendees *fakeAttendees
	journal   *fakeJournal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		channel:   newFakeChannel(),
		media:     newFakeMedia(),
		attendees: &fakeAttendees{},
		journal:   &fakeJournal{},
	}
	ctrl, err := NewController(Options{
		ParticipantID: "me",
		MeetingID:     "m1",
		Channel:       h.channel,
		Media:         h.media,
		Attendees:     h.attendees,
		Journal:       h.journal,
	})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(ctrl.Dispose)
	return h
}

// started returns a harness whose channel connected
func started(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Expected start to succeed, got %v", err)
	}
	h.waitFor(t, func(s State) bool { return s.Connection == StateReady })
	return h
}

// joined returns a harness in the joined state
func joined(t *testing.T) *harness {
	t.Helper()
	h := started(t)
	if err := h.ctrl.JoinMeeting(context.Background()); err != nil {
		t.Fatalf("Expected join to succeed, got %v", err)
	}
	return h
}

func (h *harness) waitFor(t *testing.T, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.ctrl.State(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s := h.ctrl.State()
	t.Fatalf("Condition not met, state: connection=%s meeting=%s remote=%d", s.Connection, s.Meeting, len(s.Remote))
	return s
}

// settle pushes a marker event and waits until the loop handled it, so every
// event pushed before it was processed.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	marker := fmt.Sprintf("marker-%d", time.Now().UnixNano())
	h.channel.push(signaling.EventAttentionRequested, map[string]string{"attendeeId": marker})
	h.waitFor(t, func(s State) bool {
		return len(s.AttentionRequests) > 0 && s.AttentionRequests[0] == marker
	})
	_ = h.ctrl.RejectAttention(marker)
}

var errBoom = errors.New("boom")
