package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arenacast/relay/internal/framestore"
	"github.com/arenacast/relay/internal/logging"
	"github.com/arenacast/relay/internal/metrics"
	"github.com/arenacast/relay/internal/workerpool"
)

// SkipReason says why MaybeDispatch declined to start a run.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipLocked    SkipReason = "locked"
	SkipThrottled SkipReason = "throttled"
	SkipShutdown  SkipReason = "shutdown"
)

type codeState struct {
	busy atomic.Bool

	mu        sync.Mutex
	lastStart time.Time
}

// Dispatcher samples the frame stream for analysis. Every upload offers a
// frame via MaybeDispatch; a run starts only when the per-code interval has
// elapsed and no run for that code is in flight. Frames that arrive while a
// run is active are skipped, never queued, so inference always sees the most
// recent frame when it next fires.
type Dispatcher struct {
	detector Detector
	timer    TimerReader
	frames   *framestore.Store
	store    *Store
	fanout   *Fanout
	pool     *workerpool.Pool
	interval time.Duration

	mu     sync.Mutex
	states map[string]*codeState

	runs             atomic.Int64
	errors           atomic.Int64
	skippedLocked    atomic.Int64
	skippedThrottled atomic.Int64
}

var dispatchLog = logging.L("inference")

// NewDispatcher builds a dispatcher backed by its own worker pool. timer may
// be nil when the detector has no timer-reading capability.
func NewDispatcher(detector Detector, timer TimerReader, frames *framestore.Store, store *Store, fanout *Fanout, workers int, interval time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		detector: detector,
		timer:    timer,
		frames:   frames,
		store:    store,
		fanout:   fanout,
		pool:     workerpool.New(workers, workers*4),
		interval: interval,
		states:   make(map[string]*codeState),
	}
}

// MaybeDispatch offers the latest frame of code for analysis. It returns
// true when a run was started, or false with the reason it was skipped.
// It never blocks on inference itself.
func (d *Dispatcher) MaybeDispatch(code string) (bool, SkipReason) {
	st := d.state(code)

	st.mu.Lock()
	if d.interval > 0 && time.Since(st.lastStart) < d.interval {
		st.mu.Unlock()
		d.skippedThrottled.Add(1)
		metrics.InferenceSkipped.WithLabelValues(string(SkipThrottled)).Inc()
		return false, SkipThrottled
	}
	if !st.busy.CompareAndSwap(false, true) {
		st.mu.Unlock()
		d.skippedLocked.Add(1)
		metrics.InferenceSkipped.WithLabelValues(string(SkipLocked)).Inc()
		return false, SkipLocked
	}
	st.lastStart = time.Now()
	st.mu.Unlock()

	if !d.pool.Submit(func() { d.run(code, st) }) {
		st.busy.Store(false)
		metrics.InferenceSkipped.WithLabelValues(string(SkipShutdown)).Inc()
		return false, SkipShutdown
	}
	return true, SkipNone
}

func (d *Dispatcher) run(code string, st *codeState) {
	defer st.busy.Store(false)

	entry, ok := d.frames.GetLatest(code)
	if !ok {
		// Session was torn down between upload and run.
		return
	}

	start := time.Now()
	dets, err := d.detector.Detect(entry.JPEG)
	elapsed := time.Since(start)
	if err != nil {
		d.errors.Add(1)
		metrics.InferenceRuns.WithLabelValues("error").Inc()
		dispatchLog.Warn("detection failed",
			logging.KeySession, code,
			logging.KeyError, err,
		)
		return
	}

	if dets.Objects == nil {
		dets.Objects = []Detection{}
	}
	if dets.InferenceTimeMs == 0 {
		dets.InferenceTimeMs = float64(elapsed.Microseconds()) / 1000.0
	}

	annotated, err := d.detector.Annotate(entry.JPEG, dets.Objects)
	if err != nil {
		// A plain result is still worth publishing.
		dispatchLog.Debug("annotate failed",
			logging.KeySession, code,
			logging.KeyError, err,
		)
		annotated = nil
	}

	result := Result{
		Detections:      dets.Objects,
		InferenceTimeMs: dets.InferenceTimeMs,
		ImageWidth:      dets.ImageWidth,
		ImageHeight:     dets.ImageHeight,
		AnnotatedFrame:  annotated,
		Timestamp:       time.Now(),
	}
	if d.timer != nil {
		if remaining, ok := d.timer.ReadTimer(entry.JPEG); ok {
			result.TimerRemaining = &remaining
		}
	}

	d.runs.Add(1)
	metrics.InferenceRuns.WithLabelValues("ok").Inc()
	metrics.InferenceLatency.Observe(elapsed.Seconds())

	if !d.store.Save(code, result) {
		dispatchLog.Debug("discarding out-of-order result", logging.KeySession, code)
		return
	}
	d.fanout.Publish(code, result)
}

func (d *Dispatcher) state(code string) *codeState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[code]
	if !ok {
		st = &codeState{}
		d.states[code] = st
	}
	return st
}

// Forget drops the per-code throttle state. Call when a session ends so a
// reused code starts with a clean interval.
func (d *Dispatcher) Forget(code string) {
	d.mu.Lock()
	delete(d.states, code)
	d.mu.Unlock()
}

// DispatcherStats is the observable dispatcher state for health output.
type DispatcherStats struct {
	Runs             int64 `json:"runs"`
	Errors           int64 `json:"errors"`
	SkippedLocked    int64 `json:"skipped_locked"`
	SkippedThrottled int64 `json:"skipped_throttled"`
	QueueDepth       int   `json:"queue_depth"`
}

// Stats snapshots the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Runs:             d.runs.Load(),
		Errors:           d.errors.Load(),
		SkippedLocked:    d.skippedLocked.Load(),
		SkippedThrottled: d.skippedThrottled.Load(),
		QueueDepth:       d.pool.Len(),
	}
}

// Shutdown stops accepting frames, waits for in-flight runs bounded by ctx,
// and closes the detector.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.pool.Shutdown(ctx)
	return d.detector.Close()
}
