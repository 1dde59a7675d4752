package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/tphan267/guggleweed-client/pkg/logger"
)

const (
	streamID          = "guggleweed"
	oggPageDuration   = 20 * time.Millisecond
	defaultFrameDelay = 33 * time.Millisecond
)

// LocalTrack is a captured local source. OnEnded fires when the source runs
// out on its own, never after Stop.
type LocalTrack interface {
	Kind() ProducerKind
	Codec() webrtc.RTPCodecCapability
	TrackLocal() webrtc.TrackLocal
	OnEnded(fn func())
	Start()
	Stop()
}

// Acquirer hands out local tracks, one per call
type Acquirer interface {
	Acquire(ctx context.Context, kind ProducerKind) (LocalTrack, error)
}

// FileAcquirer reads IVF (video, screen) and Ogg/Opus (audio) files in real
// time in place of capture devices.
type FileAcquirer struct {
	sources map[ProducerKind]string
	logger  *logger.Logger
}

// NewFileAcquirer creates an acquirer for the given per-kind files
func NewFileAcquirer(sources map[ProducerKind]string, log *logger.Logger) *FileAcquirer {
	if log == nil {
		log = logger.Discard()
	}
	return &FileAcquirer{sources: sources, logger: log}
}

// Acquire opens the source for kind and prepares a sample track
func (a *FileAcquirer) Acquire(ctx context.Context, kind ProducerKind) (LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := a.sources[kind]
	if path == "" {
		return nil, fmt.Errorf("%w for %s", ErrNoSource, kind)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s source: %w", kind, err)
	}

	t := &fileTrack{
		kind:   kind,
		file:   file,
		stop:   make(chan struct{}),
		logger: a.logger,
	}

	if kind == ProducerAudio {
		err = t.openOgg()
	} else {
		err = t.openIVF()
	}
	if err != nil {
		file.Close()
		return nil, err
	}

	t.track, err = webrtc.NewTrackLocalStaticSample(t.codec, string(kind), streamID)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	a.logger.Debug("[Media] Acquired %s from %s (%s)", kind, path, t.codec.MimeType)
	return t, nil
}

type fileTrack struct {
	kind     ProducerKind
	codec    webrtc.RTPCodecCapability
	track    *webrtc.TrackLocalStaticSample
	file     *os.File
	interval time.Duration
	next     func() ([]byte, error)

	mutex   sync.Mutex
	onEnded func()
	started bool

	stop     chan struct{}
	stopOnce sync.Once
	logger   *logger.Logger
}

func (t *fileTrack) openIVF() error {
	reader, header, err := ivfreader.NewWith(t.file)
	if err != nil {
		return fmt.Errorf("failed to read ivf header: %w", err)
	}

	switch header.FourCC {
	case "VP80":
		t.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	case "VP90":
		t.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}
	case "AV01":
		t.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000}
	default:
		return fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}

	t.interval = defaultFrameDelay
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		t.interval = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	t.next = func() ([]byte, error) {
		frame, _, err := reader.ParseNextFrame()
		return frame, err
	}
	return nil
}

func (t *fileTrack) openOgg() error {
	reader, _, err := oggreader.NewWith(t.file)
	if err != nil {
		return fmt.Errorf("failed to read ogg header: %w", err)
	}

	t.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	t.interval = oggPageDuration
	t.next = func() ([]byte, error) {
		page, _, err := reader.ParseNextPage()
		return page, err
	}
	return nil
}

func (t *fileTrack) Kind() ProducerKind               { return t.kind }
func (t *fileTrack) Codec() webrtc.RTPCodecCapability { return t.codec }
func (t *fileTrack) TrackLocal() webrtc.TrackLocal    { return t.track }

func (t *fileTrack) OnEnded(fn func()) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.onEnded = fn
}

// Start begins writing samples at the source's native rate
func (t *fileTrack) Start() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.started {
		return
	}
	t.started = true
	go t.pump()
}

func (t *fileTrack) pump() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		data, err := t.next()
		if err != nil {
			if t.readFailed(err) {
				t.logger.Warn("[Media] %s source failed: %v", t.kind, err)
			}
			t.end()
			return
		}

		if err := t.track.WriteSample(pionmedia.Sample{Data: data, Duration: t.interval}); err != nil {
			t.logger.Warn("[Media] %s write failed: %v", t.kind, err)
			t.end()
			return
		}
	}
}

// readFailed reports whether err is a source failure, as opposed to the end
// of the file or a read that raced Stop closing it
func (t *fileTrack) readFailed(err error) bool {
	select {
	case <-t.stop:
		return false
	default:
	}
	return !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed)
}

// end releases the source and reports a natural end
func (t *fileTrack) end() {
	stopped := false
	t.stopOnce.Do(func() {
		close(t.stop)
		t.file.Close()
		stopped = true
	})
	if !stopped {
		return
	}

	t.mutex.Lock()
	fn := t.onEnded
	t.mutex.Unlock()
	if fn != nil {
		fn()
	}
}

// Stop releases the source without firing OnEnded
func (t *fileTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.file.Close()
	})
}
