package inference

import (
	"bytes"
	"image"
	_ "image/jpeg" // register decoder for dimension probing
	"sort"
	"sync"
	"time"

	"github.com/arenacast/relay/internal/logging"
)

// Detection is one detected object in a frame. Coordinates are pixels in the
// analyzed image.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// BBox is an axis-aligned bounding box.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detections is the raw output of one detector pass.
type Detections struct {
	Objects         []Detection
	ImageWidth      int
	ImageHeight     int
	InferenceTimeMs float64
}

// Detector is the pluggable analysis back-end. Implementations must be safe
// for concurrent use; the dispatcher already guarantees at most one call in
// flight per session code.
type Detector interface {
	// Detect runs one pass over a JPEG frame.
	Detect(jpeg []byte) (Detections, error)
	// Annotate draws the detections onto the frame for client display.
	Annotate(jpeg []byte, objects []Detection) ([]byte, error)
	// Name identifies the back-end in logs and health output.
	Name() string
	Close() error
}

// TimerReader is an optional capability that reads the match clock from a
// frame. Back-ends without OCR support simply never register one.
type TimerReader interface {
	ReadTimer(jpeg []byte) (remainingSeconds int, ok bool)
}

// DetectorFactory builds a detector back-end.
type DetectorFactory func() (Detector, error)

var (
	factoryMu         sync.RWMutex
	detectorFactories = map[string]DetectorFactory{}
	timerFactories    = map[string]func() TimerReader{}
)

// RegisterDetector makes a back-end available under name. Typically called
// from an init() in the back-end's package.
func RegisterDetector(name string, f DetectorFactory) {
	factoryMu.Lock()
	detectorFactories[name] = f
	factoryMu.Unlock()
}

// RegisterTimerReader makes an OCR back-end available under name.
func RegisterTimerReader(name string, f func() TimerReader) {
	factoryMu.Lock()
	timerFactories[name] = f
	factoryMu.Unlock()
}

// NewDetector builds the named back-end, falling back to the no-op detector
// when the name is unknown or construction fails. The relay pipeline runs
// unchanged either way.
func NewDetector(name string) Detector {
	factoryMu.RLock()
	factory, ok := detectorFactories[name]
	factoryMu.RUnlock()

	log := logging.L("inference")
	if !ok {
		if name != "" && name != "noop" {
			log.Warn("unknown detector back-end, using noop", "detector", name)
		}
		return &noopDetector{}
	}

	d, err := factory()
	if err != nil {
		log.Warn("detector back-end failed to initialize, using noop",
			"detector", name, logging.KeyError, err)
		return &noopDetector{}
	}
	log.Info("detector back-end ready", "detector", d.Name())
	return d
}

// NewTimerReader builds the named OCR back-end, or nil when none is
// registered under that name.
func NewTimerReader(name string) TimerReader {
	factoryMu.RLock()
	factory, ok := timerFactories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil
	}
	return factory()
}

// noopDetector keeps the pipeline exercised on builds without a model: it
// reports zero detections but real image dimensions and timing.
type noopDetector struct{}

func (d *noopDetector) Detect(jpeg []byte) (Detections, error) {
	start := time.Now()

	var w, h int
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(jpeg)); err == nil {
		w, h = cfg.Width, cfg.Height
	}

	return Detections{
		Objects:         []Detection{},
		ImageWidth:      w,
		ImageHeight:     h,
		InferenceTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

func (d *noopDetector) Annotate(jpeg []byte, _ []Detection) ([]byte, error) {
	return jpeg, nil
}

func (d *noopDetector) Name() string { return "noop" }

func (d *noopDetector) Close() error { return nil }

// SortByConfidence orders detections highest-confidence first, preserving a
// stable order for equal scores.
func SortByConfidence(objects []Detection) {
	sort.SliceStable(objects, func(i, j int) bool {
		return objects[i].Confidence > objects[j].Confidence
	})
}
