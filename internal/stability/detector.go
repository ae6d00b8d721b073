package stability

import "math"

const (
	dtWindowCap  = 21
	rawWindowCap = 5
	relearnCount = 5
	spikeLimit   = 5
	fastTau      = 0.20
	slowTau      = 1.00
)

type windowEntry struct {
	t    float64
	m    float64
	slow float64
}

// Stats summarizes the detector's current state, for logging and for the
// FSM's sample-count / lock-weight decisions.
type Stats struct {
	Stable      bool
	Mean        float64
	Range       float64
	Fast        float64
	Slow        float64
	Slope       float64
	SampleCount int
	WindowSpan  float64
}

// Detector implements the per-sample stability pipeline of spec.md §4.1.
// It never returns an error: invalid or spiky samples are silently dropped.
// A Detector is not safe for concurrent use; the owning FSM task is its
// single caller.
type Detector struct {
	c Constants

	dtWindow []float64
	spikes   int
	relearn  bool
	relearnD []float64

	rawWindow []float64

	fast, slow  float64
	initialized bool

	window []windowEntry

	lastT       float64
	hasLast     bool
	sampleCount int

	last Stats
}

// New creates a Detector from calibration Constants.
func New(c Constants) *Detector {
	return &Detector{c: c}
}

// Constants returns the calibration constants in effect.
func (d *Detector) Constants() Constants { return d.c }

// Recalibrate replaces the calibration constants and resets all filter
// state, as when an operator supplies a fresh empty-pan log at a later
// BatchStart (see SPEC_FULL.md §10).
func (d *Detector) Recalibrate(c Constants) {
	d.c = c
	d.Reset()
}

// Reset clears all filter state (dt window, EMAs, sliding window, spike
// counters) without changing calibration constants. Invoked on any state
// re-entry that invalidates prior sample history (e.g. WAIT_EMPTY -> LOADING,
// LOADING -> WAIT_EMPTY, or LOCKED -> SETTLING on a change-limit breach).
func (d *Detector) Reset() {
	d.dtWindow = nil
	d.spikes = 0
	d.relearn = false
	d.relearnD = nil
	d.rawWindow = nil
	d.fast = 0
	d.slow = 0
	d.initialized = false
	d.window = nil
	d.hasLast = false
	d.lastT = 0
	d.sampleCount = 0
	d.last = Stats{}
}

// SampleCount returns the number of valid (non-spike) samples observed since
// the last Reset.
func (d *Detector) SampleCount() int { return d.sampleCount }

// Last returns the most recently computed Stats without processing a new
// sample.
func (d *Detector) Last() Stats { return d.last }

// Update feeds one raw sample through the pipeline and returns the updated
// Stats. valid=false samples (per the scale-driver contract in spec.md §6)
// must be filtered out by the caller before calling Update.
func (d *Detector) Update(t, value float64) Stats {
	if !d.hasLast {
		d.hasLast = true
		d.lastT = t
		d.acceptSample(t, value, d.c.MedianDt)
		return d.last
	}

	dt := t - d.lastT
	if dt <= 0 {
		return d.last
	}

	if d.relearn {
		d.relearnD = append(d.relearnD, dt)
		d.lastT = t
		if len(d.relearnD) >= relearnCount {
			d.c.MedianDt = median(d.relearnD)
			d.relearn = false
			d.relearnD = nil
			d.spikes = 0
		}
		d.acceptSample(t, value, dt)
		return d.last
	}

	if d.c.MedianDt > 0 && dt > 3*d.c.MedianDt {
		d.spikes++
		d.lastT = t
		if d.spikes >= spikeLimit {
			d.relearn = true
			d.relearnD = nil
		}
		return d.last
	}

	d.spikes = 0
	d.dtWindow = append(d.dtWindow, dt)
	if len(d.dtWindow) > dtWindowCap {
		d.dtWindow = d.dtWindow[len(d.dtWindow)-dtWindowCap:]
	}
	d.c.MedianDt = median(d.dtWindow)
	d.lastT = t

	d.acceptSample(t, value, dt)
	return d.last
}

// acceptSample runs the rolling median, EMA update, sliding window, and
// stability predicate for one non-spike sample. dt is the elapsed time since
// the previous accepted sample (used for EMA coefficients); for the first
// sample in a session dt is irrelevant since both EMAs are initialized to m.
func (d *Detector) acceptSample(t, value, dt float64) {
	d.sampleCount++

	d.rawWindow = append(d.rawWindow, value)
	if len(d.rawWindow) > rawWindowCap {
		d.rawWindow = d.rawWindow[len(d.rawWindow)-rawWindowCap:]
	}
	m := median(d.rawWindow)

	if !d.initialized {
		d.fast = m
		d.slow = m
		d.initialized = true
	} else {
		alphaFast := 1 - math.Exp(-dt/fastTau)
		alphaSlow := 1 - math.Exp(-dt/slowTau)
		d.fast += alphaFast * (m - d.fast)
		d.slow += alphaSlow * (m - d.slow)
	}

	d.window = append(d.window, windowEntry{t: t, m: m, slow: d.slow})
	// Drop entries older than WINDOW, but keep the newest one at or before
	// the cutoff so the retained span can reach a full WINDOW.
	cutoff := t - d.c.Window
	i := 0
	for i+1 < len(d.window) && d.window[i+1].t <= cutoff {
		i++
	}
	if i > 0 {
		d.window = d.window[i:]
	}

	d.last = d.computeStats()
}

func (d *Detector) computeStats() Stats {
	s := Stats{
		Fast:        d.fast,
		Slow:        d.slow,
		SampleCount: d.sampleCount,
	}
	if len(d.window) == 0 {
		return s
	}

	span := d.window[len(d.window)-1].t - d.window[0].t
	s.WindowSpan = span

	sum, lo, hi := 0.0, math.Inf(1), math.Inf(-1)
	for _, e := range d.window {
		sum += e.m
		if e.m < lo {
			lo = e.m
		}
		if e.m > hi {
			hi = e.m
		}
	}
	n := float64(len(d.window))
	s.Mean = sum / n
	s.Range = hi - lo

	if span >= d.c.Window {
		oldest := d.window[0]
		if span > 0 {
			s.Slope = (d.slow - oldest.slow) / span
		}
		s.Stable = s.Mean >= d.c.PlacementMin &&
			s.Range <= d.c.EPS &&
			math.Abs(d.fast-d.slow) <= d.c.EPSAlign &&
			math.Abs(s.Slope) <= d.c.SlopeLimit
	}

	return s
}

// IsEmpty reports whether value is below EMPTY_THRESH, used by the FSM to
// detect a sustained below-empty condition independent of full stability.
func (c Constants) IsEmpty(value float64) bool {
	return value < c.EmptyThresh
}
