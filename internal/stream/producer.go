package stream

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"

	"github.com/nfnt/resize"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/arenacast/relay/internal/framestore"
	"github.com/arenacast/relay/internal/logging"
	"github.com/arenacast/relay/internal/metrics"
)

const (
	// Nominal output frame rate of every viewer track.
	targetFPS = 30

	// Width deltas up to this many pixels skip the resize.
	resizeHysteresis = 20
	// Above this frame age the cheaper nearest-neighbor filter is used.
	nearestAgeCutoff = 50 * time.Millisecond
	// A stale frame is replayed at most this many ticks before going blank.
	maxStaleFrames = 5

	// Blank frame size when no frame was ever decoded for the code.
	defaultBlankWidth  = 320
	defaultBlankHeight = 180
)

// Frame kinds for counters.
const (
	kindFresh = "fresh"
	kindStale = "stale"
	kindBlank = "blank"
)

var log = logging.L("stream")

// QualityWidths maps upload quality tiers to output frame widths.
type QualityWidths struct {
	Low    int
	Medium int
	High   int
}

// For returns the target width for a quality tier.
func (q QualityWidths) For(qual framestore.Quality) int {
	switch qual {
	case framestore.QualityLow:
		return q.Low
	case framestore.QualityHigh:
		return q.High
	default:
		return q.Medium
	}
}

// SampleWriter receives encoded frames. Satisfied by
// webrtc.TrackLocalStaticSample.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

// ProducerConfig carries the tuning knobs of one producer.
type ProducerConfig struct {
	MaxFrameAge  time.Duration
	FrameTimeout time.Duration
	Widths       QualityWidths
}

// Producer is the per-viewer video source. It pulls the latest JPEG for its
// code every tick, classifies it by freshness, decodes, resizes to the
// quality tier's width and writes the encoded frame to the viewer's track.
// When the code's frames disappear for longer than FrameTimeout it fires
// onTimeout exactly once so the owning peer can tear itself down.
type Producer struct {
	code      string
	frames    *framestore.Store
	track     SampleWriter
	enc       *VideoEncoder
	cfg       ProducerConfig
	onTimeout func()

	metrics *ProducerMetrics

	done     chan struct{}
	stopOnce sync.Once

	// Tick-loop state. Only the pacing goroutine touches these.
	lastQuality  framestore.Quality
	staleCount   int
	absentSince  time.Time
	timeoutFired bool
	lastSize     image.Point
	blankImg     *image.RGBA
	scratch      *image.RGBA
}

// NewProducer wires a producer to its frame source and track. Run must be
// called to start pacing; Stop ends it.
func NewProducer(code string, frames *framestore.Store, track SampleWriter, enc *VideoEncoder, cfg ProducerConfig, onTimeout func()) *Producer {
	return &Producer{
		code:        code,
		frames:      frames,
		track:       track,
		enc:         enc,
		cfg:         cfg,
		onTimeout:   onTimeout,
		metrics:     newProducerMetrics(),
		done:        make(chan struct{}),
		lastQuality: framestore.QualityMedium,
	}
}

// Metrics exposes the producer's counters for stats endpoints.
func (p *Producer) Metrics() *ProducerMetrics { return p.metrics }

// Run paces frames until Stop. One call per producer.
func (p *Producer) Run() {
	interval := time.Second / targetFPS
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.tick(interval)
		}
	}
}

// Stop ends the pacing loop. Safe to call more than once.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Producer) tick(interval time.Duration) {
	frame, kind := p.nextFrame()

	t0 := time.Now()
	data, err := p.enc.Encode(frame)
	if err != nil {
		log.Warn("encode failed", logging.KeySession, p.code, logging.KeyError, err)
		p.metrics.RecordDrop()
		return
	}
	if len(data) == 0 {
		return
	}
	p.metrics.RecordEncode(time.Since(t0), len(data))
	metrics.FramesProduced.WithLabelValues(kind).Inc()

	if err := p.track.WriteSample(media.Sample{Data: data, Duration: interval}); err != nil {
		log.Warn("write sample failed", logging.KeySession, p.code, logging.KeyError, err)
		p.metrics.RecordDrop()
		return
	}
	p.metrics.RecordSend(len(data))
}

// nextFrame implements the per-tick frame selection: fresh frames are used
// as-is, stale ones are replayed up to maxStaleFrames ticks, anything else
// becomes a blank frame. Decode failures also fall back to blank so the
// track never stalls.
func (p *Producer) nextFrame() (*image.RGBA, string) {
	entry, ok := p.frames.GetLatest(p.code)
	if !ok {
		if p.absentSince.IsZero() {
			p.absentSince = time.Now()
		} else if time.Since(p.absentSince) > p.cfg.FrameTimeout {
			p.fireTimeout()
		}
		p.metrics.RecordBlank()
		return p.blank(), kindBlank
	}
	p.absentSince = time.Time{}

	age := entry.Age()
	fresh := age <= p.cfg.MaxFrameAge
	if fresh {
		p.staleCount = 0
	} else {
		p.staleCount++
		if p.staleCount > maxStaleFrames {
			p.metrics.RecordBlank()
			return p.blank(), kindBlank
		}
	}

	if entry.Quality != p.lastQuality {
		p.lastQuality = entry.Quality
		p.scratch = nil
	}

	t0 := time.Now()
	img, err := jpeg.Decode(bytes.NewReader(entry.JPEG))
	if err != nil {
		log.Warn("frame decode failed", logging.KeySession, p.code, logging.KeyError, err)
		p.metrics.RecordDecodeError()
		p.metrics.RecordBlank()
		return p.blank(), kindBlank
	}
	p.metrics.RecordDecode(time.Since(t0))

	targetWidth := p.cfg.Widths.For(entry.Quality)
	if w := img.Bounds().Dx(); absInt(w-targetWidth) > resizeHysteresis {
		interp := resize.Bilinear
		if age > nearestAgeCutoff || p.staleCount > 0 {
			interp = resize.NearestNeighbor
		}
		t1 := time.Now()
		img = resize.Resize(uint(targetWidth), 0, img, interp)
		p.metrics.RecordScale(time.Since(t1))
	}

	rgba := p.toRGBA(img)
	p.lastSize = rgba.Bounds().Size()
	p.metrics.SetWidth(p.lastSize.X)

	if fresh {
		p.metrics.RecordFresh()
		return rgba, kindFresh
	}
	p.metrics.RecordStale()
	return rgba, kindStale
}

func (p *Producer) fireTimeout() {
	if p.timeoutFired {
		return
	}
	p.timeoutFired = true
	log.Warn("stream timed out, no frames",
		logging.KeySession, p.code,
		logging.KeyDurationMs, p.cfg.FrameTimeout.Milliseconds(),
	)
	if p.onTimeout != nil {
		// The callback closes the peer, which waits for this loop to exit.
		go p.onTimeout()
	}
}

// blank returns a black frame at the last known resolution, falling back to
// a fixed small default. The image is cached between ticks.
func (p *Producer) blank() *image.RGBA {
	size := p.lastSize
	if size.X == 0 || size.Y == 0 {
		size = image.Point{X: defaultBlankWidth, Y: defaultBlankHeight}
	}
	if p.blankImg == nil || p.blankImg.Bounds().Dx() != size.X || p.blankImg.Bounds().Dy() != size.Y {
		p.blankImg = image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	}
	return p.blankImg
}

// toRGBA converts the decoded frame to RGBA, reusing a scratch buffer while
// the dimensions are steady. Safe because only the pacing goroutine writes
// frames, and the encoder consumes them synchronously inside Encode.
func (p *Producer) toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	if p.scratch == nil || p.scratch.Bounds().Dx() != b.Dx() || p.scratch.Bounds().Dy() != b.Dy() {
		p.scratch = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	draw.Draw(p.scratch, p.scratch.Bounds(), img, b.Min, draw.Src)
	return p.scratch
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
