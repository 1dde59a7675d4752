package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tphan267/guggleweed-client/pkg/media"
	"github.com/tphan267/guggleweed-client/pkg/meeting"
	"github.com/tphan267/guggleweed-client/pkg/signaling"
)

func TestNewControllerValidation(t *testing.T) {
	if _, err := NewController(Options{MeetingID: "m", Channel: newFakeChannel(), Media: newFakeMedia()}); err == nil {
		t.Errorf("Expected error without participant id")
	}
	if _, err := NewController(Options{ParticipantID: "p", Channel: newFakeChannel(), Media: newFakeMedia()}); err == nil {
		t.Errorf("Expected error without meeting id")
	}
}

func TestInitialState(t *testing.T) {
	h := newHarness(t)
	s := h.ctrl.State()
	if s.Connection != StateInitializing {
		t.Errorf("Expected %s, got %s", StateInitializing, s.Connection)
	}
	if s.Meeting != MeetingLive {
		t.Errorf("Expected %s, got %s", MeetingLive, s.Meeting)
	}
}

func TestConnectMovesToReady(t *testing.T) {
	h := started(t)
	if h.ctrl.State().Connection != StateReady {
		t.Errorf("Expected ready, got %s", h.ctrl.State().Connection)
	}
}

func TestConnectErrorIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.channel.connectErr = errBoom

	if err := h.ctrl.Start(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("Expected start to fail with %v, got %v", errBoom, err)
	}
	h.waitFor(t, func(s State) bool { return s.Connection == StateInitializationError })

	if err := h.ctrl.JoinMeeting(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady, got %v", err)
	}
}

func TestJoinRequiresReady(t *testing.T) {
	h := newHarness(t)
	if err := h.ctrl.JoinMeeting(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady, got %v", err)
	}
}

func TestJoinMeetingTransitions(t *testing.T) {
	h := started(t)
	gate := make(chan struct{})
	h.media.joinGate = gate

	done := make(chan error, 1)
	go func() { done <- h.ctrl.JoinMeeting(context.Background()) }()

	h.waitFor(t, func(s State) bool { return s.Connection == StateJoining })

	if err := h.ctrl.JoinMeeting(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected second join to fail with ErrNotReady, got %v", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Expected join to succeed, got %v", err)
	}
	if h.ctrl.State().Connection != StateJoined {
		t.Errorf("Expected joined, got %s", h.ctrl.State().Connection)
	}
}

func TestJoinMeetingFailureRollsBack(t *testing.T) {
	h := started(t)
	h.media.joinErr = errBoom

	if err := h.ctrl.JoinMeeting(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("Expected join error to wrap %v, got %v", errBoom, err)
	}
	if h.ctrl.State().Connection != StateReady {
		t.Errorf("Expected ready after failed join, got %s", h.ctrl.State().Connection)
	}

	h.media.mu.Lock()
	h.media.joinErr = nil
	h.media.mu.Unlock()
	if err := h.ctrl.JoinMeeting(context.Background()); err != nil {
		t.Errorf("Expected retry to succeed, got %v", err)
	}
}

func TestJoinConsumesExistingProducers(t *testing.T) {
	h := started(t)
	h.attendees.attendees = []meeting.Attendee{
		{AttendeeID: "me", ProducerIDs: []string{"own-video"}},
		{AttendeeID: "alice", ProducerIDs: []string{"video-1", "audio-1", "broken"}},
	}
	h.media.consumeErr["broken"] = errBoom

	if err := h.ctrl.JoinMeeting(context.Background()); err != nil {
		t.Fatalf("Expected join to succeed, got %v", err)
	}

	s := h.ctrl.State()
	if len(s.Remote) != 2 {
		t.Fatalf("Expected 2 remote medias, got %d", len(s.Remote))
	}
	if s.Remote[0].ProducerID != "video-1" || s.Remote[1].ProducerID != "audio-1" {
		t.Errorf("Expected video-1 then audio-1, got %s then %s", s.Remote[0].ProducerID, s.Remote[1].ProducerID)
	}
	if s.Remote[1].Kind != media.KindAudio || s.Remote[0].ParticipantID != "alice" {
		t.Errorf("Expected alice's audio second, got %+v", s.Remote[1])
	}
	if h.media.consumerCount() != len(s.Remote) {
		t.Errorf("Expected %d consumers, got %d", len(s.Remote), h.media.consumerCount())
	}
	if len(s.Notifications) != 1 || s.Notifications[0].Kind != NotifyError {
		t.Errorf("Expected one error notification, got %+v", s.Notifications)
	}
}

func TestJoinAttendeeListingFailureStaysJoined(t *testing.T) {
	h := started(t)
	h.attendees.err = errBoom

	if err := h.ctrl.JoinMeeting(context.Background()); !errors.Is(err, errBoom) {
		t.Errorf("Expected listing error, got %v", err)
	}
	if h.ctrl.State().Connection != StateJoined {
		t.Errorf("Expected joined, got %s", h.ctrl.State().Connection)
	}
}

func TestMeetingEndedWhileJoining(t *testing.T) {
	h := started(t)
	gate := make(chan struct{})
	h.media.joinGate = gate

	done := make(chan error, 1)
	go func() { done <- h.ctrl.JoinMeeting(context.Background()) }()
	h.waitFor(t, func(s State) bool { return s.Connection == StateJoining })

	h.channel.push(signaling.EventMeetingEnded, struct{}{})
	s := h.waitFor(t, func(s State) bool { return s.Meeting == MeetingEnded })
	if s.Connection != StateJoining {
		t.Errorf("Expected connection to stay joining, got %s", s.Connection)
	}

	close(gate)
	<-done

	if !h.channel.isDisposed() {
		t.Errorf("Expected channel to be disposed after meeting ended")
	}
	if err := h.ctrl.SendChatMessage(); !errors.Is(err, ErrMeetingEnded) {
		t.Errorf("Expected ErrMeetingEnded, got %v", err)
	}
}

func TestDisconnectAfterConnect(t *testing.T) {
	h := joined(t)

	h.channel.push(signaling.EventDisconnect, signaling.ErrorPayload{Message: "socket closed"})
	h.waitFor(t, func(s State) bool { return s.Connection == StateDisconnected })

	h.media.mu.Lock()
	disposed := h.media.disposed
	h.media.mu.Unlock()
	if disposed == 0 {
		t.Errorf("Expected media to be released on disconnect")
	}
	if err := h.ctrl.OpenVideo(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Expected ErrNotJoined, got %v", err)
	}
}

func TestDisconnectBeforeConnectIgnored(t *testing.T) {
	h := newHarness(t)
	h.channel.connectErr = errBoom
	_ = h.ctrl.Start(context.Background())
	h.waitFor(t, func(s State) bool { return s.Connection == StateInitializationError })

	h.channel.push(signaling.EventDisconnect, signaling.ErrorPayload{Message: "late"})
	h.settle(t)
	if h.ctrl.State().Connection != StateInitializationError {
		t.Errorf("Expected initialization_error to stick, got %s", h.ctrl.State().Connection)
	}
}

func TestTransportClosedWhileJoined(t *testing.T) {
	h := joined(t)

	if err := h.ctrl.OpenVideo(context.Background()); err != nil {
		t.Fatalf("Expected open to succeed, got %v", err)
	}
	h.channel.push(signaling.EventProducerCreated, producerCreatedPayload{AttendeeID: "alice", ProducerID: "video-1"})
	h.waitFor(t, func(s State) bool { return len(s.Remote) == 1 })

	h.media.closeTransport(media.DirectionSend)
	s := h.waitFor(t, func(s State) bool { return s.Connection == StateDisconnected })

	if len(s.Self.Producers) != 0 || len(s.Remote) != 0 {
		t.Errorf("Expected media to be cleared, got %d producers %d remote", len(s.Self.Producers), len(s.Remote))
	}
	if !h.channel.isDisposed() {
		t.Errorf("Expected channel to be disposed")
	}
	if err := h.ctrl.ConsumeMedia(context.Background(), "bob", "video-2"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Expected ErrNotJoined, got %v", err)
	}
}

func TestProducerCreatedAndConsumerClosed(t *testing.T) {
	h := joined(t)

	h.channel.push(signaling.EventProducerCreated, producerCreatedPayload{AttendeeID: "me", ProducerID: "own"})
	h.channel.push(signaling.EventProducerCreated, producerCreatedPayload{AttendeeID: "alice", ProducerID: "video-1"})
	h.channel.push(signaling.EventProducerCreated, producerCreatedPayload{AttendeeID: "bob", ProducerID: "audio-2"})
	s := h.waitFor(t, func(s State) bool { return len(s.Remote) == 2 })

	for _, m := range s.Remote {
		if m.ProducerID == "own" {
			t.Errorf("Expected own producer to be skipped")
		}
	}

	h.channel.push(signaling.EventConsumerClosed, consumerClosedPayload{ConsumerID: "unknown"})
	h.channel.push(signaling.EventConsumerClosed, consumerClosedPayload{ConsumerID: "cons-video-1"})
	s = h.waitFor(t, func(s State) bool { return len(s.Remote) == 1 })

	if s.Remote[0].ID != "cons-audio-2" {
		t.Errorf("Expected cons-audio-2 to remain, got %s", s.Remote[0].ID)
	}
	if h.media.consumerCount() != 1 {
		t.Errorf("Expected 1 consumer, got %d", h.media.consumerCount())
	}
}

func TestDuplicateProducerCreatedConsumedOnce(t *testing.T) {
	h := joined(t)

	h.channel.push(signaling.EventProducerCreated, producerCreatedPayload{AttendeeID: "alice", ProducerID: "video-1"})
	h.channel.push(signaling.EventProducerCreated, producerCreatedPayload{AttendeeID: "alice", ProducerID: "video-1"})
	h.waitFor(t, func(s State) bool { return len(s.Notifications) == 1 })

	s := h.ctrl.State()
	if len(s.Remote) != 1 || h.media.consumerCount() != 1 {
		t.Errorf("Expected one remote media and one consumer, got %d and %d", len(s.Remote), h.media.consumerCount())
	}
}

func TestConcurrentOpenSameKind(t *testing.T) {
	h := joined(t)
	gate := make(chan struct{})
	h.media.mu.Lock()
	h.media.produceGate = gate
	h.media.mu.Unlock()

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = h.ctrl.OpenScreenVideo(context.Background())
	}()

	deadline := time.Now().Add(time.Second)
	for {
		h.media.mu.Lock()
		pending := h.media.pending[media.ProducerScreenVideo]
		h.media.mu.Unlock()
		if pending || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.ctrl.OpenScreenVideo(context.Background()); !errors.Is(err, media.ErrProducerExists) {
		t.Errorf("Expected ErrProducerExists, got %v", err)
	}

	close(gate)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("Expected first open to succeed, got %v", firstErr)
	}
	s := h.ctrl.State()
	if !s.Self.Sharing(media.ProducerScreenVideo) || len(s.Self.Producers) != 1 {
		t.Errorf("Expected exactly the screen producer, got %v", s.Self.Producers)
	}
}

func TestCloseMediaWithoutProducer(t *testing.T) {
	h := joined(t)

	if err := h.ctrl.CloseAudio(context.Background()); !errors.Is(err, media.ErrNoProducer) {
		t.Errorf("Expected ErrNoProducer, got %v", err)
	}
	if h.media.closeCalls != 0 {
		t.Errorf("Expected no close request, got %d", h.media.closeCalls)
	}
}

func TestOpenAndCloseMedia(t *testing.T) {
	h := joined(t)

	if err := h.ctrl.OpenAudio(context.Background()); err != nil {
		t.Fatalf("Expected open to succeed, got %v", err)
	}
	if !h.ctrl.State().Self.Sharing(media.ProducerAudio) {
		t.Fatalf("Expected audio to be shared")
	}

	h.media.closeErr = errBoom
	if err := h.ctrl.CloseAudio(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("Expected close to fail, got %v", err)
	}
	if !h.ctrl.State().Self.Sharing(media.ProducerAudio) {
		t.Errorf("Expected audio to stay shared after failed close")
	}

	h.media.mu.Lock()
	h.media.closeErr = nil
	h.media.mu.Unlock()
	if err := h.ctrl.CloseAudio(context.Background()); err != nil {
		t.Fatalf("Expected close to succeed, got %v", err)
	}
	if h.ctrl.State().Self.Sharing(media.ProducerAudio) {
		t.Errorf("Expected audio to stop being shared")
	}
}

func TestTrackEndedClosesMedia(t *testing.T) {
	h := joined(t)

	if err := h.ctrl.OpenVideo(context.Background()); err != nil {
		t.Fatalf("Expected open to succeed, got %v", err)
	}
	h.media.endTrack(media.ProducerVideo)
	h.waitFor(t, func(s State) bool { return !s.Self.Sharing(media.ProducerVideo) })
}

func TestRemoteStats(t *testing.T) {
	h := joined(t)

	if err := h.ctrl.ConsumeMedia(context.Background(), "alice", "video-1"); err != nil {
		t.Fatalf("Expected consume to succeed, got %v", err)
	}
	stats, err := h.ctrl.RemoteStats("cons-video-1")
	if err != nil || stats.Packets != 3 {
		t.Errorf("Expected 3 packets, got %+v (%v)", stats, err)
	}
	if _, err := h.ctrl.RemoteStats("nope"); !errors.Is(err, ErrUnknownMedia) {
		t.Errorf("Expected ErrUnknownMedia, got %v", err)
	}
}

func TestAttendeeNotifications(t *testing.T) {
	h := started(t)

	h.channel.push(signaling.EventAttendeeJoined, attendeePayload{AttendeeID: "me"})
	h.channel.push(signaling.EventAttendeeJoined, attendeePayload{AttendeeID: "alice"})
	h.channel.push(signaling.EventAttendeeDisconnected, attendeePayload{AttendeeID: "bob"})
	h.channel.push(signaling.EventAttendeeError, attendeePayload{AttendeeID: "carol"})
	h.channel.push(signaling.EventAttendeeLeft, attendeePayload{AttendeeID: "dave"})
	s := h.waitFor(t, func(s State) bool { return len(s.Notifications) == 4 })

	if s.Notifications[0].Kind != NotifyAttendeeJoined || s.Notifications[0].AttendeeID != "alice" {
		t.Errorf("Expected alice joined first, got %+v", s.Notifications[0])
	}
	for _, n := range s.Notifications[1:] {
		if n.Kind != NotifyAttendeeLeft {
			t.Errorf("Expected attendee_left, got %s", n.Kind)
		}
	}

	h.journal.mu.Lock()
	journaled := len(h.journal.notifications)
	h.journal.mu.Unlock()
	if journaled != 4 {
		t.Errorf("Expected 4 journaled notifications, got %d", journaled)
	}
}

func TestEventsIgnoredAfterMeetingEnded(t *testing.T) {
	h := started(t)
	h.channel.mu.Lock()
	handler := h.channel.handlers[signaling.EventMessageSent]
	h.channel.mu.Unlock()

	h.channel.push(signaling.EventMeetingEnded, struct{}{})
	h.waitFor(t, func(s State) bool { return s.Meeting == MeetingEnded })

	// deliver straight to the handler: the disposed channel dropped its handlers
	handler([]byte(`{"sender":"alice","message":"too late"}`))
	time.Sleep(20 * time.Millisecond)

	if n := len(h.ctrl.State().ChatBox.Messages); n != 0 {
		t.Errorf("Expected no chat after meeting ended, got %d", n)
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	h := joined(t)
	ch, _ := h.ctrl.Subscribe()

	h.ctrl.Dispose()
	h.ctrl.Dispose()

	if !h.channel.isDisposed() {
		t.Errorf("Expected channel to be disposed")
	}
	h.media.mu.Lock()
	disposed := h.media.disposed
	h.media.mu.Unlock()
	if disposed != 1 {
		t.Errorf("Expected media disposed once, got %d", disposed)
	}

	for range ch {
	}
	if err := h.ctrl.EnterMessage("hi"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

// until polls cond for up to two seconds
func until(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseCommitAfterNewerOpen(t *testing.T) {
	h := joined(t)

	if err := h.ctrl.OpenVideo(context.Background()); err != nil {
		t.Fatalf("Expected open to succeed, got %v", err)
	}
	first := h.ctrl.State().Self.Producers[media.ProducerVideo]

	gate := make(chan struct{})
	h.media.mu.Lock()
	h.media.closedGate = gate
	h.media.mu.Unlock()

	closed := make(chan error, 1)
	go func() { closed <- h.ctrl.CloseVideo(context.Background()) }()
	until(t, "the first producer to be closed", func() bool { return h.media.producerID(media.ProducerVideo) == "" })

	if err := h.ctrl.OpenVideo(context.Background()); err != nil {
		t.Fatalf("Expected reopen to succeed, got %v", err)
	}
	second := h.ctrl.State().Self.Producers[media.ProducerVideo]
	if second == "" || second == first {
		t.Fatalf("Expected a new producer id, got %q after %q", second, first)
	}

	close(gate)
	if err := <-closed; err != nil {
		t.Fatalf("Expected close to succeed, got %v", err)
	}

	if got := h.ctrl.State().Self.Producers[media.ProducerVideo]; got != second {
		t.Errorf("Expected state to keep %s, got %q", second, got)
	}
	if got := h.media.producerID(media.ProducerVideo); got != second {
		t.Errorf("Expected media to keep %s, got %q", second, got)
	}
}

func TestOpenCommitAfterClose(t *testing.T) {
	h := joined(t)

	gate := make(chan struct{})
	h.media.mu.Lock()
	h.media.producedGate = gate
	h.media.mu.Unlock()

	opened := make(chan error, 1)
	go func() { opened <- h.ctrl.OpenVideo(context.Background()) }()
	until(t, "the producer to be created", func() bool { return h.media.producerID(media.ProducerVideo) != "" })

	h.media.mu.Lock()
	h.media.producedGate = nil
	h.media.mu.Unlock()
	if err := h.ctrl.CloseVideo(context.Background()); err != nil {
		t.Fatalf("Expected close to succeed, got %v", err)
	}

	close(gate)
	if err := <-opened; !errors.Is(err, ErrSessionChanged) {
		t.Errorf("Expected ErrSessionChanged, got %v", err)
	}

	if h.ctrl.State().Self.Sharing(media.ProducerVideo) {
		t.Errorf("Expected video not to be listed as shared")
	}
	if got := h.media.producerID(media.ProducerVideo); got != "" {
		t.Errorf("Expected no video producer, got %s", got)
	}
}

func TestConsumerClosedBeforeCommit(t *testing.T) {
	h := joined(t)

	gate := make(chan struct{})
	h.media.mu.Lock()
	h.media.consumedGate = gate
	h.media.mu.Unlock()

	consumed := make(chan error, 1)
	go func() { consumed <- h.ctrl.ConsumeMedia(context.Background(), "alice", "video-1") }()
	until(t, "the consumer to be created", func() bool { return h.media.consumerCount() == 1 })

	h.channel.push(signaling.EventConsumerClosed, consumerClosedPayload{ConsumerID: "cons-video-1"})
	h.settle(t)
	if n := h.media.consumerCount(); n != 0 {
		t.Errorf("Expected the consumer to be closed right away, got %d", n)
	}

	close(gate)
	if err := <-consumed; !errors.Is(err, ErrSessionChanged) {
		t.Errorf("Expected ErrSessionChanged, got %v", err)
	}
	if n := len(h.ctrl.State().Remote); n != 0 {
		t.Errorf("Expected no remote media, got %d", n)
	}
	if n := h.media.consumerCount(); n != 0 {
		t.Errorf("Expected no consumers, got %d", n)
	}
}
