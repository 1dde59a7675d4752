package media

import "errors"

var (
	ErrUnknownKind       = errors.New("unknown media kind")
	ErrNotJoined         = errors.New("media transports are not established")
	ErrAlreadyJoined     = errors.New("media transports already established")
	ErrDisposed          = errors.New("media manager disposed")
	ErrProducerExists    = errors.New("there is already a producer of this type")
	ErrNoProducer        = errors.New("there is no producer of this type")
	ErrProducerPending   = errors.New("producer is still being created")
	ErrCloseInProgress   = errors.New("producer is already closing")
	ErrCannotProduce     = errors.New("this device can not produce this kind")
	ErrAlreadyConsuming  = errors.New("producer is already being consumed")
	ErrDeviceNotLoaded   = errors.New("device not loaded")
	ErrDeviceLoaded      = errors.New("device already loaded")
	ErrNoCommonCodecs    = errors.New("router offers no supported codecs")
	ErrNoSource          = errors.New("no media source configured")
	ErrTransportClosed   = errors.New("transport closed")
	ErrInvalidParameters = errors.New("invalid transport parameters")
)
