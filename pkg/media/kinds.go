package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MediaKind is the kind of an RTP stream on the wire
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// CodecType maps the kind onto pion's codec type
func (k MediaKind) CodecType() webrtc.RTPCodecType {
	return webrtc.NewRTPCodecType(string(k))
}

// ProducerKind is the local source a producer publishes. At most one
// producer of each kind exists at a time.
type ProducerKind string

const (
	ProducerVideo       ProducerKind = "video"
	ProducerAudio       ProducerKind = "audio"
	ProducerScreenVideo ProducerKind = "screen-video"
)

// ProducerKinds lists every producer kind in display order
var ProducerKinds = []ProducerKind{ProducerVideo, ProducerAudio, ProducerScreenVideo}

// ParseProducerKind validates a producer kind from user input
func ParseProducerKind(s string) (ProducerKind, error) {
	switch k := ProducerKind(s); k {
	case ProducerVideo, ProducerAudio, ProducerScreenVideo:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// MediaKind returns the RTP kind the producer sends
func (k ProducerKind) MediaKind() MediaKind {
	if k == ProducerAudio {
		return KindAudio
	}
	return KindVideo
}
