package watchdog

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/arenacast/relay/internal/framestore"
	"github.com/arenacast/relay/internal/health"
	"github.com/arenacast/relay/internal/inference"
	"github.com/arenacast/relay/internal/logging"
	"github.com/arenacast/relay/internal/metrics"
	"github.com/arenacast/relay/internal/session"
)

var log = logging.L("watchdog")

// Config carries the watchdog's sweep cadence and eviction thresholds.
type Config struct {
	Interval       time.Duration
	FrameTimeout   time.Duration
	SessionTimeout time.Duration
}

// Watchdog periodically reaps dead sessions: codes whose frames went stale
// past FrameTimeout are torn down completely (peers closed, frame and
// inference state deleted), sessions left with neither frames nor peers are
// dropped, and long-idle sessions are swept. It also expires old inference
// results. A panic in one sweep is logged and the loop keeps running.
type Watchdog struct {
	registry   *session.Registry
	frames     *framestore.Store
	results    *inference.Store
	dispatcher *inference.Dispatcher
	fanout     *inference.Fanout
	monitor    *health.Monitor
	cfg        Config

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a watchdog over the shared stores. Start begins sweeping.
// monitor may be nil; when set, each completed sweep reports liveness.
func New(registry *session.Registry, frames *framestore.Store, results *inference.Store, dispatcher *inference.Dispatcher, fanout *inference.Fanout, monitor *health.Monitor, cfg Config) *Watchdog {
	return &Watchdog{
		registry:   registry,
		frames:     frames,
		results:    results,
		dispatcher: dispatcher,
		fanout:     fanout,
		monitor:    monitor,
		cfg:        cfg,
		done:       make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
	log.Info("watchdog started",
		"interval", w.cfg.Interval.String(),
		"frameTimeout", w.cfg.FrameTimeout.String(),
	)
}

// Stop ends the loop and waits for the in-flight sweep.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.safeSweep()
		}
	}
}

// safeSweep shields the loop from a panicking sweep.
func (w *Watchdog) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("sweep panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if w.monitor != nil {
				w.monitor.Update("watchdog", health.Unhealthy, "sweep panicked")
			}
		}
	}()
	w.sweep()
	if w.monitor != nil {
		w.monitor.Update("watchdog", health.Healthy, "")
	}
}

func (w *Watchdog) sweep() {
	// Union of registry and frame codes: a frame whose session never
	// materialized (or was already removed) must still age out.
	for _, code := range w.codes() {
		age, ok := w.frames.Age(code)
		switch {
		case ok && age > w.cfg.FrameTimeout:
			w.evict(code, "stale")
		case !ok && w.sessionEmpty(code):
			w.evict(code, "empty")
		}
	}

	if n := w.registry.Sweep(w.cfg.SessionTimeout); n > 0 {
		metrics.WatchdogEvictions.WithLabelValues("idle").Add(float64(n))
	}
	if n := w.results.SweepExpired(); n > 0 {
		log.Debug("expired inference results swept", "count", n)
	}

	metrics.ActiveSessions.Set(float64(w.registry.Count()))
}

func (w *Watchdog) codes() []string {
	seen := make(map[string]struct{})
	out := w.registry.Codes()
	for _, code := range out {
		seen[code] = struct{}{}
	}
	for _, code := range w.frames.Codes() {
		if _, ok := seen[code]; !ok {
			out = append(out, code)
		}
	}
	return out
}

func (w *Watchdog) sessionEmpty(code string) bool {
	s, ok := w.registry.Get(code)
	return ok && s.Empty()
}

// evict tears down everything the code owns. Peer close errors are
// swallowed; the session is removed regardless.
func (w *Watchdog) evict(code, cause string) {
	peers := w.registry.Remove(code)
	for _, p := range peers {
		_ = p.Close()
	}
	w.frames.Delete(code)
	w.results.Delete(code)
	w.dispatcher.Forget(code)
	w.fanout.CloseCode(code)

	metrics.WatchdogEvictions.WithLabelValues(cause).Inc()
	log.Info("session evicted",
		logging.KeySession, code,
		"cause", cause,
		"peersClosed", len(peers),
	)
}
