package detector

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultWindowSize bounds the per-endpoint inter-arrival history.
	DefaultWindowSize = 1000

	// minIntervals is the number of recorded intervals below which phi is
	// reported as zero (endpoint presumed alive until evidence accumulates).
	minIntervals = 2

	// phiFactor converts the exponential tail probability to a base-10
	// suspicion level: -log10(exp(-t/mean)) = t/mean * log10(e).
	phiFactor = math.Log10E
)

// arrivalWindow is a bounded sliding window of heartbeat inter-arrival
// intervals for one endpoint. Not safe for concurrent use; the Detector
// serializes access per endpoint.
type arrivalWindow struct {
	intervals []float64 // seconds, oldest first
	sum       float64
	maxSize   int
	lastTime  time.Time
}

func newArrivalWindow(maxSize int) *arrivalWindow {
	return &arrivalWindow{
		intervals: make([]float64, 0, maxSize),
		maxSize:   maxSize,
	}
}

func (w *arrivalWindow) add(t time.Time) {
	if !w.lastTime.IsZero() {
		interval := t.Sub(w.lastTime).Seconds()
		if len(w.intervals) == w.maxSize {
			w.sum -= w.intervals[0]
			w.intervals = w.intervals[1:]
		}
		w.intervals = append(w.intervals, interval)
		w.sum += interval
	}
	w.lastTime = t
}

func (w *arrivalWindow) mean() float64 {
	if len(w.intervals) == 0 {
		return 0
	}
	return w.sum / float64(len(w.intervals))
}

func (w *arrivalWindow) phi(now time.Time) float64 {
	if len(w.intervals) < minIntervals {
		return 0
	}
	mean := w.mean()
	if mean <= 0 {
		return 0
	}
	elapsed := now.Sub(w.lastTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed / mean * phiFactor
}

// Detector accrues suspicion per endpoint from heartbeat arrivals.
type Detector struct {
	mu         sync.Mutex
	windows    map[string]*entry
	windowSize int
	threshold  float64
}

// entry carries its own lock so that updates to different endpoints do not
// block each other.
type entry struct {
	mu     sync.Mutex
	window *arrivalWindow
}

// New creates a detector convicting at the given phi threshold.
func New(windowSize int, threshold float64) *Detector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Detector{
		windows:    make(map[string]*entry),
		windowSize: windowSize,
		threshold:  threshold,
	}
}

func (d *Detector) entryFor(id string) *entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.windows[id]
	if !ok {
		e = &entry{window: newArrivalWindow(d.windowSize)}
		d.windows[id] = e
	}
	return e
}

// Report records a heartbeat arrival for the endpoint at time t.
func (d *Detector) Report(id string, t time.Time) {
	e := d.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window.add(t)
}

// Phi returns the current suspicion level for the endpoint. Unknown endpoints
// and endpoints with too few samples report zero.
func (d *Detector) Phi(id string, now time.Time) float64 {
	d.mu.Lock()
	e, ok := d.windows[id]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.phi(now)
}

// Interpret reports whether the endpoint should be convicted at time now,
// along with the phi value that decision was based on.
func (d *Detector) Interpret(id string, now time.Time) (float64, bool) {
	phi := d.Phi(id, now)
	return phi, phi > d.threshold
}

// Reset discards the accrual history for an endpoint and records an arrival
// at time t. Used when a generation change announces a new incarnation whose
// liveness cannot be judged by pre-restart timing statistics.
func (d *Detector) Reset(id string, t time.Time) {
	e := d.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window = newArrivalWindow(d.windowSize)
	e.window.add(t)
}

// Seen reports whether at least one heartbeat arrival has been recorded for
// the endpoint. Endpoints known only from gossip hearsay have no arrivals.
func (d *Detector) Seen(id string) bool {
	d.mu.Lock()
	e, ok := d.windows[id]
	d.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.window.lastTime.IsZero()
}

// Remove forgets the endpoint entirely (decommission path).
func (d *Detector) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.windows, id)
}

// Threshold returns the configured conviction threshold.
func (d *Detector) Threshold() float64 {
	return d.threshold
}
