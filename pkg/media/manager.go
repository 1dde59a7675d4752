package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tphan267/guggleweed-client/pkg/logger"
	"github.com/tphan267/guggleweed-client/pkg/signaling"
)

// Requester is the part of the signaling channel the manager needs
type Requester interface {
	Request(ctx context.Context, action string, payload any, out any) error
}

// ProducerInfo describes an active producer
type ProducerInfo struct {
	ID   string       `json:"id"`
	Kind ProducerKind `json:"kind"`
}

// ConsumerInfo describes a consumer created by ConsumeMedia
type ConsumerInfo struct {
	ID         string
	ProducerID string
	Kind       MediaKind
	Consumer   Consumer
}

type joinResponse struct {
	RouterCapabilities     RTPCapabilities `json:"routerCapabilities"`
	SendTransportParams    TransportParams `json:"sendTransportParams"`
	ReceiveTransportParams TransportParams `json:"receiveTransportParams"`
}

type connectTransportRequest struct {
	TransportType  Direction      `json:"transportType"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

type produceMediaRequest struct {
	AppData       AppData       `json:"appData"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

type produceMediaResponse struct {
	ProducerID string `json:"producerId"`
}

type closeProducerRequest struct {
	ProducerType ProducerKind `json:"producerType"`
}

type consumeMediaRequest struct {
	ProducerID      string          `json:"producerId"`
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
}

type consumeMediaResponse struct {
	ID            string        `json:"id"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

// Manager owns the two transports, one producer slot per kind and the
// consumers keyed by server id. Its mutex is never held across I/O.
type Manager struct {
	signaling Requester
	device    Device
	acquirer  Acquirer

	mutex         sync.Mutex
	joining       bool
	joined        bool
	disposed      bool
	sendTransport Transport
	recvTransport Transport
	slots         map[ProducerKind]producerSlot
	consumers     map[string]Consumer
	consuming     map[string]string // producer id -> consumer id, "" while pending

	hookMutex         sync.RWMutex
	onTransportClosed func(Direction)
	onProducerEnded   func(ProducerKind)

	logger *logger.Logger
}

// NewManager creates a manager that negotiates over signaling
func NewManager(signaling Requester, device Device, acquirer Acquirer, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		signaling: signaling,
		device:    device,
		acquirer:  acquirer,
		slots:     make(map[ProducerKind]producerSlot),
		consumers: make(map[string]Consumer),
		consuming: make(map[string]string),
		logger:    log,
	}
}

// OnTransportClosed registers the hook run when a transport closes after a
// successful join. Producers and consumers are already released by then.
func (m *Manager) OnTransportClosed(fn func(Direction)) {
	m.hookMutex.Lock()
	defer m.hookMutex.Unlock()
	m.onTransportClosed = fn
}

// OnProducerEnded registers the hook run when a local source ends on its
// own. Without a hook the manager closes the producer itself.
func (m *Manager) OnProducerEnded(fn func(ProducerKind)) {
	m.hookMutex.Lock()
	defer m.hookMutex.Unlock()
	m.onProducerEnded = fn
}

// Join asks the server for the router capabilities and transport
// parameters, loads the device and connects both transports.
func (m *Manager) Join(ctx context.Context) error {
	m.mutex.Lock()
	switch {
	case m.disposed:
		m.mutex.Unlock()
		return ErrDisposed
	case m.joining || m.sendTransport != nil:
		m.mutex.Unlock()
		return ErrAlreadyJoined
	}
	m.joining = true
	m.mutex.Unlock()

	defer func() {
		m.mutex.Lock()
		m.joining = false
		m.mutex.Unlock()
	}()

	var resp joinResponse
	if err := m.signaling.Request(ctx, signaling.ActionJoin, struct{}{}, &resp); err != nil {
		return fmt.Errorf("join request failed: %w", err)
	}

	if !m.device.Loaded() {
		if err := m.device.Load(resp.RouterCapabilities); err != nil {
			return fmt.Errorf("failed to load device: %w", err)
		}
	}

	send, err := m.device.CreateSendTransport(resp.SendTransportParams)
	if err != nil {
		return fmt.Errorf("failed to create send transport: %w", err)
	}
	recv, err := m.device.CreateRecvTransport(resp.ReceiveTransportParams)
	if err != nil {
		_ = send.Close()
		return fmt.Errorf("failed to create receive transport: %w", err)
	}

	m.wireTransport(send)
	m.wireTransport(recv)

	if err := m.connectTransports(ctx, send, recv); err != nil {
		_ = send.Close()
		_ = recv.Close()
		return err
	}

	m.mutex.Lock()
	if m.disposed {
		m.mutex.Unlock()
		_ = send.Close()
		_ = recv.Close()
		return ErrDisposed
	}
	m.sendTransport = send
	m.recvTransport = recv
	m.joined = true
	m.mutex.Unlock()

	m.logger.Info("[Media] Joined with send transport %s and receive transport %s", send.ID(), recv.ID())
	return nil
}

// connectTransports connects all transports concurrently. The first failure
// closes every transport so the others stop waiting.
func (m *Manager) connectTransports(ctx context.Context, transports ...Transport) error {
	var wg sync.WaitGroup
	var once sync.Once
	errs := make([]error, len(transports))
	for i, t := range transports {
		wg.Add(1)
		go func(i int, t Transport) {
			defer wg.Done()
			if errs[i] = t.Connect(ctx); errs[i] != nil {
				once.Do(func() {
					for _, other := range transports {
						_ = other.Close()
					}
				})
			}
		}(i, t)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) wireTransport(t Transport) {
	dir := t.Direction()

	t.OnConnect(func(ctx context.Context, dtls DTLSParameters) error {
		req := connectTransportRequest{TransportType: dir, DTLSParameters: dtls}
		if err := m.signaling.Request(ctx, signaling.ActionConnectTransport, req, nil); err != nil {
			return fmt.Errorf("connect %s transport: %w", dir, err)
		}
		return nil
	})

	if dir == DirectionSend {
		t.OnProduce(func(ctx context.Context, req ProduceRequest) (string, error) {
			var resp produceMediaResponse
			payload := produceMediaRequest{AppData: req.AppData, Kind: req.Kind, RTPParameters: req.RTPParameters}
			if err := m.signaling.Request(ctx, signaling.ActionProduceMedia, payload, &resp); err != nil {
				return "", err
			}
			if resp.ProducerID == "" {
				return "", fmt.Errorf("server returned no producer id")
			}
			return resp.ProducerID, nil
		})
	}

	t.OnConnectionStateChange(func(state ConnectionState) {
		if state == ConnectionStateFailed {
			m.logger.Warn("[Media] %s transport %s failed, closing", dir, t.ID())
			go t.Close()
		}
	})

	t.OnClose(func() {
		m.handleTransportClosed(dir)
	})
}

// handleTransportClosed releases everything once either transport closes.
// Closing a transport is terminal: the other one is closed as well.
func (m *Manager) handleTransportClosed(dir Direction) {
	m.mutex.Lock()
	if !m.joined || m.disposed {
		m.mutex.Unlock()
		return
	}
	m.joined = false
	slots, consumers := m.takeAllLocked()
	send, recv := m.sendTransport, m.recvTransport
	m.mutex.Unlock()

	m.logger.Warn("[Media] %s transport closed, releasing media", dir)
	m.release(slots, consumers)
	if dir == DirectionSend {
		_ = recv.Close()
	} else {
		_ = send.Close()
	}

	m.hookMutex.RLock()
	fn := m.onTransportClosed
	m.hookMutex.RUnlock()
	if fn != nil {
		fn(dir)
	}
}

func (m *Manager) takeAllLocked() (map[ProducerKind]producerSlot, map[string]Consumer) {
	slots, consumers := m.slots, m.consumers
	m.slots = make(map[ProducerKind]producerSlot)
	m.consumers = make(map[string]Consumer)
	m.consuming = make(map[string]string)
	return slots, consumers
}

func (m *Manager) release(slots map[ProducerKind]producerSlot, consumers map[string]Consumer) {
	for kind, slot := range slots {
		if err := slot.release(); err != nil {
			m.logger.Debug("[Media] Release %s producer: %v", kind, err)
		}
	}
	for id, c := range consumers {
		if err := c.Close(); err != nil {
			m.logger.Debug("[Media] Release consumer %s: %v", id, err)
		}
	}
}

// ProduceMedia acquires a local source of kind and publishes it. The slot for
// kind stays pending until the server accepted the producer, so a second
// call for the same kind fails instead of racing.
func (m *Manager) ProduceMedia(ctx context.Context, kind ProducerKind) (ProducerInfo, error) {
	if _, err := ParseProducerKind(string(kind)); err != nil {
		return ProducerInfo{}, err
	}

	m.mutex.Lock()
	if !m.joined {
		m.mutex.Unlock()
		return ProducerInfo{}, ErrNotJoined
	}
	if state := m.slots[kind].state; state != slotEmpty {
		m.mutex.Unlock()
		return ProducerInfo{}, fmt.Errorf("%w: %s (%s)", ErrProducerExists, kind, state)
	}
	if !m.device.CanProduce(kind.MediaKind()) {
		m.mutex.Unlock()
		return ProducerInfo{}, fmt.Errorf("%w: %s", ErrCannotProduce, kind.MediaKind())
	}
	m.slots[kind] = pendingSlot()
	send := m.sendTransport
	m.mutex.Unlock()

	track, err := m.acquirer.Acquire(ctx, kind)
	if err != nil {
		m.clearPending(kind)
		return ProducerInfo{}, fmt.Errorf("failed to acquire %s: %w", kind, err)
	}

	producer, err := send.Produce(ctx, track, AppData{ProducerType: kind})
	if err != nil {
		track.Stop()
		m.clearPending(kind)
		return ProducerInfo{}, fmt.Errorf("failed to produce %s: %w", kind, err)
	}

	m.mutex.Lock()
	if m.slots[kind].state != slotPending || !m.joined {
		m.mutex.Unlock()
		_ = activeSlot(producer, track).release()
		return ProducerInfo{}, ErrNotJoined
	}
	m.slots[kind] = activeSlot(producer, track)
	m.mutex.Unlock()

	track.OnEnded(func() { m.handleTrackEnded(kind, producer) })
	track.Start()

	m.logger.Info("[Media] Producing %s as %s", kind, producer.ID())
	return ProducerInfo{ID: producer.ID(), Kind: kind}, nil
}

func (m *Manager) clearPending(kind ProducerKind) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.slots[kind].state == slotPending {
		delete(m.slots, kind)
	}
}

func (m *Manager) handleTrackEnded(kind ProducerKind, producer Producer) {
	m.mutex.Lock()
	slot := m.slots[kind]
	current := slot.state == slotActive && slot.producer == producer
	m.mutex.Unlock()
	if !current {
		return
	}

	m.logger.Info("[Media] %s source ended", kind)

	m.hookMutex.RLock()
	fn := m.onProducerEnded
	m.hookMutex.RUnlock()
	if fn != nil {
		fn(kind)
		return
	}
	if _, err := m.CloseProducer(context.Background(), kind); err != nil {
		m.logger.Warn("[Media] Failed to close ended %s producer: %v", kind, err)
	}
}

// CloseProducer asks the server to close the producer of kind, then stops it
// locally. The slot is only emptied after both steps succeed. The id of the
// closed producer is returned so callers can tell it from a newer one.
func (m *Manager) CloseProducer(ctx context.Context, kind ProducerKind) (string, error) {
	m.mutex.Lock()
	slot := m.slots[kind]
	switch slot.state {
	case slotEmpty:
		m.mutex.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNoProducer, kind)
	case slotPending:
		m.mutex.Unlock()
		return "", fmt.Errorf("%w: %s", ErrProducerPending, kind)
	case slotClosing:
		m.mutex.Unlock()
		return "", fmt.Errorf("%w: %s", ErrCloseInProgress, kind)
	case slotActive:
	}
	m.slots[kind] = slot.closing()
	m.mutex.Unlock()

	restore := func() {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		if cur := m.slots[kind]; cur.state == slotClosing && cur.producer == slot.producer {
			m.slots[kind] = cur.reopened()
		}
	}

	if err := m.signaling.Request(ctx, signaling.ActionCloseProducer, closeProducerRequest{ProducerType: kind}, nil); err != nil {
		restore()
		return "", fmt.Errorf("failed to close %s producer: %w", kind, err)
	}

	if err := slot.producer.Close(); err != nil {
		restore()
		return "", fmt.Errorf("failed to stop %s producer: %w", kind, err)
	}
	slot.track.Stop()

	m.mutex.Lock()
	if cur := m.slots[kind]; cur.producer == slot.producer {
		delete(m.slots, kind)
	}
	m.mutex.Unlock()

	id := slot.producer.ID()
	m.logger.Info("[Media] Closed %s producer %s", kind, id)
	return id, nil
}

// ProducerID returns the id of the active producer of kind
func (m *Manager) ProducerID(kind ProducerKind) (string, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	slot := m.slots[kind]
	if slot.state != slotActive {
		return "", false
	}
	return slot.producer.ID(), true
}

// ConsumeMedia asks the server to forward producerID and starts receiving it
func (m *Manager) ConsumeMedia(ctx context.Context, producerID string) (ConsumerInfo, error) {
	m.mutex.Lock()
	if !m.joined {
		m.mutex.Unlock()
		return ConsumerInfo{}, ErrNotJoined
	}
	if _, busy := m.consuming[producerID]; busy {
		m.mutex.Unlock()
		return ConsumerInfo{}, fmt.Errorf("%w: %s", ErrAlreadyConsuming, producerID)
	}
	m.consuming[producerID] = ""
	recv := m.recvTransport
	m.mutex.Unlock()

	abandon := func() {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		if id, ok := m.consuming[producerID]; ok && id == "" {
			delete(m.consuming, producerID)
		}
	}

	var resp consumeMediaResponse
	req := consumeMediaRequest{ProducerID: producerID, RTPCapabilities: m.device.RTPCapabilities()}
	if err := m.signaling.Request(ctx, signaling.ActionConsumeMedia, req, &resp); err != nil {
		abandon()
		return ConsumerInfo{}, fmt.Errorf("failed to consume %s: %w", producerID, err)
	}

	consumer, err := recv.Consume(ctx, ConsumeOptions{
		ID:            resp.ID,
		ProducerID:    producerID,
		Kind:          resp.Kind,
		RTPParameters: resp.RTPParameters,
	})
	if err != nil {
		abandon()
		return ConsumerInfo{}, fmt.Errorf("failed to receive %s: %w", producerID, err)
	}

	m.mutex.Lock()
	if _, ok := m.consuming[producerID]; !ok || !m.joined {
		m.mutex.Unlock()
		_ = consumer.Close()
		return ConsumerInfo{}, ErrNotJoined
	}
	m.consumers[consumer.ID()] = consumer
	m.consuming[producerID] = consumer.ID()
	m.mutex.Unlock()

	m.logger.Info("[Media] Consuming %s %s as %s", resp.Kind, producerID, consumer.ID())
	return ConsumerInfo{ID: consumer.ID(), ProducerID: producerID, Kind: consumer.Kind(), Consumer: consumer}, nil
}

// CloseLocalConsumer closes and forgets a consumer. Unknown ids are ignored.
func (m *Manager) CloseLocalConsumer(id string) {
	m.mutex.Lock()
	consumer, ok := m.consumers[id]
	if ok {
		delete(m.consumers, id)
		delete(m.consuming, consumer.ProducerID())
	}
	m.mutex.Unlock()

	if !ok {
		return
	}
	if err := consumer.Close(); err != nil {
		m.logger.Debug("[Media] Close consumer %s: %v", id, err)
	}
}

// HasConsumer reports whether a consumer with id is registered
func (m *Manager) HasConsumer(id string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.consumers[id]
	return ok
}

// ConsumerCount returns the number of registered consumers
func (m *Manager) ConsumerCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.consumers)
}

// ConsumerStats returns the receive counters of a consumer
func (m *Manager) ConsumerStats(id string) (ConsumerStats, bool) {
	m.mutex.Lock()
	consumer, ok := m.consumers[id]
	m.mutex.Unlock()
	if !ok {
		return ConsumerStats{}, false
	}
	return consumer.Stats(), true
}

// Producers lists the active producers
func (m *Manager) Producers() []ProducerInfo {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var out []ProducerInfo
	for _, kind := range ProducerKinds {
		if slot := m.slots[kind]; slot.state == slotActive {
			out = append(out, ProducerInfo{ID: slot.producer.ID(), Kind: kind})
		}
	}
	return out
}

// DisposeAll closes every producer, every consumer and both transports
// without notifying the server. It is safe to call more than once.
func (m *Manager) DisposeAll() {
	m.mutex.Lock()
	if m.disposed {
		m.mutex.Unlock()
		return
	}
	m.disposed = true
	m.joined = false
	slots, consumers := m.takeAllLocked()
	send, recv := m.sendTransport, m.recvTransport
	m.mutex.Unlock()

	m.release(slots, consumers)
	if send != nil {
		_ = send.Close()
	}
	if recv != nil {
		_ = recv.Close()
	}
	m.logger.Info("[Media] Disposed")
}
