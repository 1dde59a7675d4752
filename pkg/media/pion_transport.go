package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/tphan267/guggleweed-client/pkg/logger"
)

// pionTransport drives one SFU transport with pion's ORTC objects: an ICE
// gatherer and transport (controlling, the SFU is ICE-lite) and a DTLS
// transport acting as client.
type pionTransport struct {
	id        string
	direction Direction
	remote    TransportParams
	api       *webrtc.API

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	mutex     sync.Mutex
	state     ConnectionState
	onConnect ConnectFunc
	onProduce ProduceFunc
	onState   func(ConnectionState)
	onClose   func()

	closed    chan struct{}
	closeOnce sync.Once

	logger *logger.Logger
}

func newPionTransport(api *webrtc.API, dir Direction, params TransportParams, iceServers []webrtc.ICEServer, log *logger.Logger) (*pionTransport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to create dtls transport: %w", err)
	}

	t := &pionTransport{
		id:        params.ID,
		direction: dir,
		remote:    params,
		api:       api,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		state:     ConnectionStateNew,
		closed:    make(chan struct{}),
		logger:    log,
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Debug("[Transport] %s %s ice state %s", t.direction, t.id, s)
		if s == webrtc.ICETransportStateFailed {
			t.setState(ConnectionStateFailed)
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.logger.Debug("[Transport] %s %s dtls state %s", t.direction, t.id, s)
		switch s {
		case webrtc.DTLSTransportStateFailed:
			t.setState(ConnectionStateFailed)
		case webrtc.DTLSTransportStateClosed:
			go t.Close()
		}
	})

	return t, nil
}

func (t *pionTransport) ID() string           { return t.id }
func (t *pionTransport) Direction() Direction { return t.direction }

func (t *pionTransport) State() ConnectionState {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.state
}

func (t *pionTransport) OnConnect(fn ConnectFunc) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.onConnect = fn
}

func (t *pionTransport) OnProduce(fn ProduceFunc) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.onProduce = fn
}

func (t *pionTransport) OnConnectionStateChange(fn func(ConnectionState)) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.onState = fn
}

func (t *pionTransport) OnClose(fn func()) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.onClose = fn
}

func (t *pionTransport) setState(s ConnectionState) {
	t.mutex.Lock()
	if t.state == s || t.state == ConnectionStateClosed {
		t.mutex.Unlock()
		return
	}
	t.state = s
	fn := t.onState
	t.mutex.Unlock()

	if fn != nil {
		fn(s)
	}
}

// Connect gathers local candidates, hands the local DTLS parameters to the
// server and then runs ICE and the DTLS handshake to completion.
func (t *pionTransport) Connect(ctx context.Context) error {
	t.setState(ConnectionStateConnecting)

	gathered := make(chan struct{})
	var gatherOnce sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			gatherOnce.Do(func() { close(gathered) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		t.setState(ConnectionStateFailed)
		return fmt.Errorf("failed to gather candidates: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	case <-t.closed:
		return ErrTransportClosed
	}

	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		t.setState(ConnectionStateFailed)
		return fmt.Errorf("failed to read local dtls parameters: %w", err)
	}

	t.mutex.Lock()
	onConnect := t.onConnect
	t.mutex.Unlock()
	if onConnect != nil {
		if err := onConnect(ctx, dtlsFromPion(local, "client")); err != nil {
			t.setState(ConnectionStateFailed)
			return err
		}
	}

	candidates, err := candidatesToPion(t.remote.ICECandidates)
	if err != nil {
		t.setState(ConnectionStateFailed)
		return err
	}
	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		t.setState(ConnectionStateFailed)
		return fmt.Errorf("failed to set remote candidates: %w", err)
	}

	remoteDTLS := t.remote.DTLSParameters.toPion()
	remoteDTLS.Role = webrtc.DTLSRoleServer

	done := make(chan error, 1)
	go func() {
		role := webrtc.ICERoleControlling
		if err := t.ice.Start(t.gatherer, t.remote.ICEParameters.toPion(), &role); err != nil {
			done <- fmt.Errorf("ice: %w", err)
			return
		}
		if err := t.dtls.Start(remoteDTLS); err != nil {
			done <- fmt.Errorf("dtls: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.setState(ConnectionStateFailed)
			return fmt.Errorf("failed to connect %s transport: %w", t.direction, err)
		}
		t.setState(ConnectionStateConnected)
		t.logger.Info("[Transport] %s transport %s connected", t.direction, t.id)
		return nil
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	case <-t.closed:
		return ErrTransportClosed
	}
}

// Produce starts sending track after the server accepted its parameters
func (t *pionTransport) Produce(ctx context.Context, track LocalTrack, appData AppData) (Producer, error) {
	if t.direction != DirectionSend {
		return nil, fmt.Errorf("cannot produce on a %s transport", t.direction)
	}
	if t.State() != ConnectionStateConnected {
		return nil, fmt.Errorf("%w: %s transport is %s", ErrTransportClosed, t.direction, t.State())
	}

	sender, err := t.api.NewRTPSender(track.TrackLocal(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtp sender: %w", err)
	}

	params := sender.GetParameters()
	rtpParams, err := sendParametersFromPion(params, track.Codec(), streamID)
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}

	t.mutex.Lock()
	onProduce := t.onProduce
	t.mutex.Unlock()
	if onProduce == nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("send transport has no produce handler")
	}

	id, err := onProduce(ctx, ProduceRequest{
		Kind:          track.Kind().MediaKind(),
		RTPParameters: rtpParams,
		AppData:       appData,
	})
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}

	if err := sender.Send(params); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("failed to start rtp sender: %w", err)
	}

	p := &pionProducer{id: id, kind: track.Kind().MediaKind(), sender: sender, logger: t.logger}
	go p.readRTCP()
	return p, nil
}

// Consume starts receiving the stream the server set up for a consumer
func (t *pionTransport) Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error) {
	if t.direction != DirectionReceive {
		return nil, fmt.Errorf("cannot consume on a %s transport", t.direction)
	}
	if t.State() != ConnectionStateConnected {
		return nil, fmt.Errorf("%w: %s transport is %s", ErrTransportClosed, t.direction, t.State())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params, err := receiveParametersToPion(opts.RTPParameters)
	if err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(opts.Kind.CodecType(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtp receiver: %w", err)
	}
	if err := receiver.Receive(params); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("failed to start rtp receiver: %w", err)
	}

	c := &pionConsumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		receiver:   receiver,
		dtls:       t.dtls,
		ssrc:       uint32(params.Encodings[0].SSRC),
		logger:     t.logger,
	}
	go c.readRTP()
	if opts.Kind == KindVideo {
		c.requestKeyframe()
	}
	return c, nil
}

// Close stops DTLS, ICE and the gatherer, then fires OnClose once
func (t *pionTransport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mutex.Lock()
		t.state = ConnectionStateClosed
		onClose := t.onClose
		onState := t.onState
		t.mutex.Unlock()

		if err := t.dtls.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := t.ice.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := t.gatherer.Close(); err != nil {
			errs = append(errs, err)
		}

		t.logger.Info("[Transport] %s transport %s closed", t.direction, t.id)
		if onState != nil {
			onState(ConnectionStateClosed)
		}
		if onClose != nil {
			onClose()
		}
	})
	return errors.Join(errs...)
}

type pionProducer struct {
	id     string
	kind   MediaKind
	sender *webrtc.RTPSender
	logger *logger.Logger
}

func (p *pionProducer) ID() string      { return p.id }
func (p *pionProducer) Kind() MediaKind { return p.kind }

func (p *pionProducer) Close() error {
	return p.sender.Stop()
}

// readRTCP drains sender reports so interceptors keep working
func (p *pionProducer) readRTCP() {
	for {
		pkts, _, err := p.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				p.logger.Debug("[Transport] Producer %s got PLI", p.id)
			}
		}
	}
}

type pionConsumer struct {
	id         string
	producerID string
	kind       MediaKind
	receiver   *webrtc.RTPReceiver
	dtls       *webrtc.DTLSTransport
	ssrc       uint32

	packets       atomic.Uint64
	bytes         atomic.Uint64
	lastSeq       atomic.Uint32
	lastTimestamp atomic.Uint32
	payloadType   atomic.Uint32
	keyframeAsks  atomic.Uint64
	stopped       atomic.Bool

	logger *logger.Logger
}

func (c *pionConsumer) ID() string                 { return c.id }
func (c *pionConsumer) ProducerID() string         { return c.producerID }
func (c *pionConsumer) Kind() MediaKind            { return c.kind }
func (c *pionConsumer) Track() *webrtc.TrackRemote { return c.receiver.Track() }

func (c *pionConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Packets:        c.packets.Load(),
		Bytes:          c.bytes.Load(),
		LastSequence:   uint16(c.lastSeq.Load()),
		LastTimestamp:  c.lastTimestamp.Load(),
		KeyframeAsks:   c.keyframeAsks.Load(),
		PayloadType:    uint8(c.payloadType.Load()),
		SSRC:           c.ssrc,
		ReceiveStopped: c.stopped.Load(),
	}
}

func (c *pionConsumer) requestKeyframe() {
	if _, err := c.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: c.ssrc}}); err != nil {
		c.logger.Debug("[Transport] PLI for consumer %s failed: %v", c.id, err)
		return
	}
	c.keyframeAsks.Add(1)
}

// readRTP counts packets until the receiver stops. Video consumers ask for a
// keyframe again if the stream stalls.
func (c *pionConsumer) readRTP() {
	defer c.stopped.Store(true)

	track := c.receiver.Track()
	if track == nil {
		return
	}
	last := time.Now()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("[Transport] Consumer %s read ended: %v", c.id, err)
			}
			return
		}
		c.record(pkt)

		if c.kind == KindVideo && time.Since(last) > 3*time.Second {
			c.requestKeyframe()
		}
		last = time.Now()
	}
}

func (c *pionConsumer) record(pkt *rtp.Packet) {
	c.packets.Add(1)
	c.bytes.Add(uint64(len(pkt.Payload)))
	c.lastSeq.Store(uint32(pkt.SequenceNumber))
	c.lastTimestamp.Store(pkt.Timestamp)
	c.payloadType.Store(uint32(pkt.PayloadType))
}

func (c *pionConsumer) Close() error {
	return c.receiver.Stop()
}
