package media

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Wire types mirror the SFU's JSON shapes. Conversions to pion's ORTC types
// live next to them.

// RTCPFeedback is one feedback mechanism supported by a codec
type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RTPCodecCapability is a codec the router (or this device) can handle
type RTPCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

// RTPHeaderExtension is a header extension offered by the router
type RTPHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
}

// RTPCapabilities is the router's (or the device's) capability set
type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

// ICEParameters are the ICE credentials of one side of a transport
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

// ICECandidate is a remote transport candidate as announced by the SFU
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip,omitempty"`
	Address    string `json:"address,omitempty"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// DTLSFingerprint is a certificate fingerprint
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters are the DTLS role and fingerprints of one side
type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportParams describe the server side of one transport
type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// Validate checks that the server handed over a usable transport
func (p TransportParams) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidParameters)
	case p.ICEParameters.UsernameFragment == "" || p.ICEParameters.Password == "":
		return fmt.Errorf("%w: transport %s has no ICE credentials", ErrInvalidParameters, p.ID)
	case len(p.ICECandidates) == 0:
		return fmt.Errorf("%w: transport %s has no ICE candidates", ErrInvalidParameters, p.ID)
	case len(p.DTLSParameters.Fingerprints) == 0:
		return fmt.Errorf("%w: transport %s has no DTLS fingerprints", ErrInvalidParameters, p.ID)
	}
	return nil
}

// RTPCodecParameters is a negotiated codec inside RTPParameters
type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

// RTPEncoding is one RTP stream of a producer or consumer
type RTPEncoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
	RTX  *struct {
		SSRC uint32 `json:"ssrc"`
	} `json:"rtx,omitempty"`
	MaxBitrate uint64 `json:"maxBitrate,omitempty"`
}

// RTCPParameters carries the CNAME of the stream
type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

// RTPParameters describe what a producer sends or a consumer receives
type RTPParameters struct {
	MID       string               `json:"mid,omitempty"`
	Codecs    []RTPCodecParameters `json:"codecs"`
	Encodings []RTPEncoding        `json:"encodings"`
	RTCP      RTCPParameters       `json:"rtcp"`
}

// AppData is attached to every produce request
type AppData struct {
	ProducerType ProducerKind `json:"producerType"`
}

// fmtpLine renders codec parameters as an SDP fmtp line with sorted keys
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fmtpValue(params[k]))
	}
	return strings.Join(parts, ";")
}

func fmtpValue(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		return val
	case bool:
		if val {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(val)
	}
}

// parseFmtp is the inverse of fmtpLine; numeric values become float64 as JSON would
func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := map[string]any{}
	for _, part := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out
}

func feedbackToPion(in []RTCPFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(in))
	for _, fb := range in {
		out = append(out, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

func feedbackFromPion(in []webrtc.RTCPFeedback) []RTCPFeedback {
	out := make([]RTCPFeedback, 0, len(in))
	for _, fb := range in {
		out = append(out, RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

// toPion converts a router codec into the parameters a MediaEngine registers
func (c RTPCodecCapability) toPion() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: feedbackToPion(c.RTCPFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func (p ICEParameters) toPion() webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func (c ICECandidate) toPion() (webrtc.ICECandidate, error) {
	protocol, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, fmt.Errorf("candidate %s: %w", c.Foundation, err)
	}
	typ, err := webrtc.NewICECandidateType(c.Type)
	if err != nil {
		return webrtc.ICECandidate{}, fmt.Errorf("candidate %s: %w", c.Foundation, err)
	}
	address := c.Address
	if address == "" {
		address = c.IP
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    address,
		Protocol:   protocol,
		Port:       c.Port,
		Typ:        typ,
		Component:  1,
		TCPType:    c.TCPType,
	}, nil
}

func candidatesToPion(in []ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		pc, err := c.toPion()
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}

func (p DTLSParameters) toPion() webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func dtlsFromPion(p webrtc.DTLSParameters, role string) DTLSParameters {
	out := DTLSParameters{Role: role}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

// sendParametersFromPion describes a sender to the SFU. Only the codec the
// track is bound to is announced.
func sendParametersFromPion(params webrtc.RTPSendParameters, codec webrtc.RTPCodecCapability, cname string) (RTPParameters, error) {
	out := RTPParameters{RTCP: RTCPParameters{CNAME: cname, ReducedSize: true}}
	for _, c := range params.Codecs {
		if !strings.EqualFold(c.MimeType, codec.MimeType) {
			continue
		}
		out.Codecs = append(out.Codecs, RTPCodecParameters{
			MimeType:     c.MimeType,
			PayloadType:  uint8(c.PayloadType),
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			Parameters:   parseFmtp(c.SDPFmtpLine),
			RTCPFeedback: feedbackFromPion(c.RTCPFeedback),
		})
		break
	}
	if len(out.Codecs) == 0 {
		return RTPParameters{}, fmt.Errorf("%w: %s", ErrNoCommonCodecs, codec.MimeType)
	}
	for _, enc := range params.Encodings {
		out.Encodings = append(out.Encodings, RTPEncoding{SSRC: uint32(enc.SSRC), RID: enc.RID})
	}
	return out, nil
}

// receiveParametersToPion maps a consumer's parameters onto receiver encodings
func receiveParametersToPion(params RTPParameters) (webrtc.RTPReceiveParameters, error) {
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 {
		return webrtc.RTPReceiveParameters{}, fmt.Errorf("%w: consumer has no codec or encoding", ErrInvalidParameters)
	}
	pt := webrtc.PayloadType(params.Codecs[0].PayloadType)
	out := webrtc.RTPReceiveParameters{}
	for _, enc := range params.Encodings {
		coding := webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(enc.SSRC),
			RID:         enc.RID,
			PayloadType: pt,
		}
		if enc.RTX != nil {
			coding.RTX = webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(enc.RTX.SSRC)}
		}
		out.Encodings = append(out.Encodings, webrtc.RTPDecodingParameters{RTPCodingParameters: coding})
	}
	return out, nil
}
