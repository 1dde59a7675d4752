package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Direction tells which way media flows over a transport
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// ConnectionState is the combined ICE/DTLS state of a transport
type ConnectionState string

const (
	ConnectionStateNew        ConnectionState = "new"
	ConnectionStateConnecting ConnectionState = "connecting"
	ConnectionStateConnected  ConnectionState = "connected"
	ConnectionStateFailed     ConnectionState = "failed"
	ConnectionStateClosed     ConnectionState = "closed"
)

// ProduceRequest is what a send transport asks the server to create
type ProduceRequest struct {
	Kind          MediaKind
	RTPParameters RTPParameters
	AppData       AppData
}

// ConsumeOptions are the server's answer to a consume request
type ConsumeOptions struct {
	ID            string
	ProducerID    string
	Kind          MediaKind
	RTPParameters RTPParameters
}

// ConnectFunc forwards local DTLS parameters to the server
type ConnectFunc func(ctx context.Context, dtls DTLSParameters) error

// ProduceFunc asks the server for a producer id
type ProduceFunc func(ctx context.Context, req ProduceRequest) (string, error)

// Transport is one unidirectional media transport to the SFU
type Transport interface {
	ID() string
	Direction() Direction
	State() ConnectionState
	OnConnect(fn ConnectFunc)
	OnProduce(fn ProduceFunc)
	OnConnectionStateChange(fn func(ConnectionState))
	// OnClose fires once, whoever closes the transport.
	OnClose(fn func())
	Connect(ctx context.Context) error
	Produce(ctx context.Context, track LocalTrack, appData AppData) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
}

// Producer is a local track being sent to the SFU
type Producer interface {
	ID() string
	Kind() MediaKind
	Close() error
}

// ConsumerStats counts what a consumer received
type ConsumerStats struct {
	Packets        uint64 `json:"packets"`
	Bytes          uint64 `json:"bytes"`
	LastSequence   uint16 `json:"lastSequence"`
	LastTimestamp  uint32 `json:"lastTimestamp"`
	KeyframeAsks   uint64 `json:"keyframeRequests"`
	PayloadType    uint8  `json:"payloadType"`
	SSRC           uint32 `json:"ssrc"`
	ReceiveStopped bool   `json:"receiveStopped"`
}

// Consumer is one remote stream received from the SFU
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	Track() *webrtc.TrackRemote
	Stats() ConsumerStats
	Close() error
}
