package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// fakeRequester answers requests from per-action handlers and records them
type fakeRequester struct {
	mu       sync.Mutex
	handlers map[string]func(payload any) (any, error)
	calls    []string
	payloads map[string][]any
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		handlers: make(map[string]func(payload any) (any, error)),
		payloads: make(map[string][]any),
	}
}

func (r *fakeRequester) handle(action string, fn func(payload any) (any, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = fn
}

func (r *fakeRequester) Request(ctx context.Context, action string, payload any, out any) error {
	r.mu.Lock()
	r.calls = append(r.calls, action)
	r.payloads[action] = append(r.payloads[action], payload)
	fn := r.handlers[action]
	r.mu.Unlock()

	if fn == nil {
		return nil
	}
	res, err := fn(payload)
	if err != nil {
		return err
	}
	if out == nil || res == nil {
		return nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (r *fakeRequester) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == action {
			n++
		}
	}
	return n
}

func (r *fakeRequester) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeDevice struct {
	mu         sync.Mutex
	loaded     bool
	loadErr    error
	noVideo    bool
	transports []*fakeTransport
	connectErr map[Direction]error
}

func (d *fakeDevice) Load(caps RTPCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loadErr != nil {
		return d.loadErr
	}
	d.loaded = true
	return nil
}

func (d *fakeDevice) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *fakeDevice) CanProduce(kind MediaKind) bool {
	return kind == KindAudio || !d.noVideo
}

func (d *fakeDevice) RTPCapabilities() RTPCapabilities {
	return RTPCapabilities{Codecs: []RTPCodecCapability{{Kind: KindAudio, MimeType: "audio/opus", ClockRate: 48000}}}
}

func (d *fakeDevice) CreateSendTransport(params TransportParams) (Transport, error) {
	return d.create(DirectionSend, params)
}

func (d *fakeDevice) CreateRecvTransport(params TransportParams) (Transport, error) {
	return d.create(DirectionReceive, params)
}

func (d *fakeDevice) create(dir Direction, params TransportParams) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := newFakeTransport(params.ID, dir)
	t.connectErr = d.connectErr[dir]
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDevice) transport(dir Direction) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.transports {
		if t.dir == dir {
			return t
		}
	}
	return nil
}

type fakeTransport struct {
	id         string
	dir        Direction
	connectErr error

	mu          sync.Mutex
	onConnect   ConnectFunc
	onProduce   ProduceFunc
	onState     func(ConnectionState)
	onClose     func()
	state       ConnectionState
	produceGate chan struct{}
	consumeErr  error
	produced    []*fakeProducer
	consumed    []*fakeConsumer
	closeOnce   sync.Once
	closed      bool
}

func newFakeTransport(id string, dir Direction) *fakeTransport {
	return &fakeTransport{id: id, dir: dir, state: ConnectionStateNew}
}

func (t *fakeTransport) ID() string           { return t.id }
func (t *fakeTransport) Direction() Direction { return t.dir }

func (t *fakeTransport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) OnConnect(fn ConnectFunc) { t.mu.Lock(); t.onConnect = fn; t.mu.Unlock() }
func (t *fakeTransport) OnProduce(fn ProduceFunc) { t.mu.Lock(); t.onProduce = fn; t.mu.Unlock() }
func (t *fakeTransport) OnClose(fn func())        { t.mu.Lock(); t.onClose = fn; t.mu.Unlock() }

func (t *fakeTransport) OnConnectionStateChange(fn func(ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	onConnect := t.onConnect
	t.mu.Unlock()

	if err := onConnect(ctx, DTLSParameters{Role: "client", Fingerprints: []DTLSFingerprint{{Algorithm: "sha-256", Value: "AA"}}}); err != nil {
		return err
	}
	if t.connectErr != nil {
		return t.connectErr
	}
	t.mu.Lock()
	t.state = ConnectionStateConnected
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Produce(ctx context.Context, track LocalTrack, appData AppData) (Producer, error) {
	t.mu.Lock()
	gate := t.produceGate
	onProduce := t.onProduce
	t.mu.Unlock()

	if gate != nil {
		<-gate
	}
	id, err := onProduce(ctx, ProduceRequest{Kind: track.Kind().MediaKind(), AppData: appData})
	if err != nil {
		return nil, err
	}
	p := &fakeProducer{id: id, kind: track.Kind().MediaKind()}
	t.mu.Lock()
	t.produced = append(t.produced, p)
	t.mu.Unlock()
	return p, nil
}

func (t *fakeTransport) Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumeErr != nil {
		return nil, t.consumeErr
	}
	c := &fakeConsumer{id: opts.ID, producerID: opts.ProducerID, kind: opts.Kind}
	t.consumed = append(t.consumed, c)
	return c, nil
}

// fail simulates an ICE/DTLS failure reported by the transport
func (t *fakeTransport) fail() {
	t.mu.Lock()
	t.state = ConnectionStateFailed
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(ConnectionStateFailed)
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.state = ConnectionStateClosed
		fn := t.onClose
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return nil
}

func (t *fakeTransport) lastProduced() *fakeProducer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.produced) == 0 {
		return nil
	}
	return t.produced[len(t.produced)-1]
}

func (t *fakeTransport) lastConsumed() *fakeConsumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.consumed) == 0 {
		return nil
	}
	return t.consumed[len(t.consumed)-1]
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeProducer struct {
	id     string
	kind   MediaKind
	mu     sync.Mutex
	closed bool
	err    error
}

func (p *fakeProducer) ID() string      { return p.id }
func (p *fakeProducer) Kind() MediaKind { return p.kind }

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.err
}

type fakeConsumer struct {
	id         string
	producerID string
	kind       MediaKind
	mu         sync.Mutex
	closed     bool
}

func (c *fakeConsumer) ID() string                 { return c.id }
func (c *fakeConsumer) ProducerID() string         { return c.producerID }
func (c *fakeConsumer) Kind() MediaKind            { return c.kind }
func (c *fakeConsumer) Track() *webrtc.TrackRemote { return nil }
func (c *fakeConsumer) Stats() ConsumerStats       { return ConsumerStats{Packets: 7} }

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (p *fakeProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTrack struct {
	kind    ProducerKind
	mu      sync.Mutex
	onEnded func()
	started bool
	stopped bool
}

func (t *fakeTrack) Kind() ProducerKind { return t.kind }
func (t *fakeTrack) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
}
func (t *fakeTrack) TrackLocal() webrtc.TrackLocal { return nil }
func (t *fakeTrack) OnEnded(fn func())             { t.mu.Lock(); t.onEnded = fn; t.mu.Unlock() }
func (t *fakeTrack) Start()                        { t.mu.Lock(); t.started = true; t.mu.Unlock() }
func (t *fakeTrack) Stop()                         { t.mu.Lock(); t.stopped = true; t.mu.Unlock() }

func (t *fakeTrack) end() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeAcquirer struct {
	mu     sync.Mutex
	err    error
	tracks []*fakeTrack
}

func (a *fakeAcquirer) Acquire(ctx context.Context, kind ProducerKind) (LocalTrack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	t := &fakeTrack{kind: kind}
	a.tracks = append(a.tracks, t)
	return t, nil
}

func (a *fakeAcquirer) acquired() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tracks)
}

func (a *fakeAcquirer) last() *fakeTrack {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tracks[len(a.tracks)-1]
}

func testTransportParams(id string) TransportParams {
	return TransportParams{
		ID:             id,
		ICEParameters:  ICEParameters{UsernameFragment: "u", Password: "p"},
		ICECandidates:  []ICECandidate{{Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
		DTLSParameters: DTLSParameters{Role: "auto", Fingerprints: []DTLSFingerprint{{Algorithm: "sha-256", Value: "BB"}}},
	}
}

// scriptedServer installs join/produce/consume/close handlers on r
func scriptedServer(r *fakeRequester) {
	var mu sync.Mutex
	produced := 0
	r.handle("join", func(any) (any, error) {
		return joinResponse{
			RouterCapabilities:     RTPCapabilities{Codecs: []RTPCodecCapability{{Kind: KindAudio, MimeType: "audio/opus", ClockRate: 48000}}},
			SendTransportParams:    testTransportParams("send-1"),
			ReceiveTransportParams: testTransportParams("recv-1"),
		}, nil
	})
	r.handle("produceMedia", func(payload any) (any, error) {
		req := payload.(produceMediaRequest)
		mu.Lock()
		produced++
		n := produced
		mu.Unlock()
		return produceMediaResponse{ProducerID: fmt.Sprintf("prod-%s-%d", req.AppData.ProducerType, n)}, nil
	})
	r.handle("consumeMedia", func(payload any) (any, error) {
		req := payload.(consumeMediaRequest)
		return consumeMediaResponse{ID: "cons-" + req.ProducerID, Kind: KindVideo}, nil
	})
}
