package media

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/tphan267/guggleweed-client/pkg/logger"
)

// Device negotiates capabilities with the router and builds transports
type Device interface {
	Load(router RTPCapabilities) error
	Loaded() bool
	CanProduce(kind MediaKind) bool
	RTPCapabilities() RTPCapabilities
	CreateSendTransport(params TransportParams) (Transport, error)
	CreateRecvTransport(params TransportParams) (Transport, error)
}

// supportedMimeTypes are the codecs pion can packetize and depacketize
var supportedMimeTypes = map[string]bool{
	strings.ToLower(webrtc.MimeTypeOpus): true,
	strings.ToLower(webrtc.MimeTypeVP8):  true,
	strings.ToLower(webrtc.MimeTypeVP9):  true,
	strings.ToLower(webrtc.MimeTypeH264): true,
	strings.ToLower(webrtc.MimeTypeAV1):  true,
}

// PionDevice is a Device backed by a pion API configured from the router's
// capabilities.
type PionDevice struct {
	iceServers []webrtc.ICEServer

	mutex  sync.RWMutex
	api    *webrtc.API
	caps   RTPCapabilities
	loaded bool

	logger *logger.Logger
}

// NewPionDevice creates an unloaded device using the given STUN/TURN urls
func NewPionDevice(iceURLs []string, log *logger.Logger) *PionDevice {
	if log == nil {
		log = logger.Discard()
	}
	var servers []webrtc.ICEServer
	if len(iceURLs) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return &PionDevice{iceServers: servers, logger: log}
}

// Load registers every router codec pion supports. Header extensions are
// left out so both sides agree on plain RTP.
func (d *PionDevice) Load(router RTPCapabilities) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.loaded {
		return ErrDeviceLoaded
	}

	me := &webrtc.MediaEngine{}
	var caps RTPCapabilities
	for _, codec := range router.Codecs {
		if !supportedMimeTypes[strings.ToLower(codec.MimeType)] {
			d.logger.Debug("[Device] Skipping unsupported codec %s", codec.MimeType)
			continue
		}
		if codec.Kind != KindAudio && codec.Kind != KindVideo {
			continue
		}
		if err := me.RegisterCodec(codec.toPion(), codec.Kind.CodecType()); err != nil {
			d.logger.Warn("[Device] Failed to register %s: %v", codec.MimeType, err)
			continue
		}
		caps.Codecs = append(caps.Codecs, codec)
	}

	if len(caps.Codecs) == 0 {
		return ErrNoCommonCodecs
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return fmt.Errorf("failed to register interceptors: %w", err)
	}

	d.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
	)
	d.caps = caps
	d.loaded = true

	d.logger.Info("[Device] Loaded with %d codecs", len(caps.Codecs))
	return nil
}

// Loaded reports whether Load succeeded
func (d *PionDevice) Loaded() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.loaded
}

// CanProduce reports whether a codec of the kind was negotiated
func (d *PionDevice) CanProduce(kind MediaKind) bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return canProduce(d.caps, kind)
}

func canProduce(caps RTPCapabilities, kind MediaKind) bool {
	for _, codec := range caps.Codecs {
		if codec.Kind == kind {
			return true
		}
	}
	return false
}

// RTPCapabilities returns the negotiated capabilities sent with consume requests
func (d *PionDevice) RTPCapabilities() RTPCapabilities {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.caps
}

// CreateSendTransport builds the transport producers are sent over
func (d *PionDevice) CreateSendTransport(params TransportParams) (Transport, error) {
	return d.createTransport(DirectionSend, params)
}

// CreateRecvTransport builds the transport consumers are received over
func (d *PionDevice) CreateRecvTransport(params TransportParams) (Transport, error) {
	return d.createTransport(DirectionReceive, params)
}

func (d *PionDevice) createTransport(dir Direction, params TransportParams) (Transport, error) {
	d.mutex.RLock()
	api, loaded := d.api, d.loaded
	d.mutex.RUnlock()

	if !loaded {
		return nil, ErrDeviceNotLoaded
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return newPionTransport(api, dir, params, d.iceServers, d.logger)
}
