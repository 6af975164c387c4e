// Package clock provides a calibrated nanosecond wall clock built on the
// CPU cycle counter.
//
// Reads are lock-free. The linear model
//
//	ns = base_ns + (cycles - base_cycles) * ns_per_cycle
//
// is published through a sequence counter: the calibration routine bumps
// the counter to an odd value, stores the fields, and bumps it back to even.
// Readers retry whenever they observe an odd value or a change across their
// read. All fields are atomics, so the protocol is clean under the race
// detector.
//
// Calibration is a first-order feedback correction. At each due point the
// clock compares its prediction with a fresh system-clock sample, projects
// the error forward to the next calibration point and scales ns_per_cycle
// to cancel it. The model base moves to the predicted value, not the sample,
// so Now never jumps.
package clock

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/feedrec/config"
	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/logging"
)

var log = logging.Component("clock")

// maxSyncSamples caps Options.Samples so SyncTime stays allocation free.
const maxSyncSamples = 16

// calibrationLead makes the next calibration fall due slightly before a
// full interval has elapsed.
const calibrationLead = 1000

// Options configures a Clock. Zero values take the defaults from the
// config package; nil sources select the hardware counter and time.Now.
type Options struct {
	// Tick is the wake-up period of the background calibration goroutine.
	Tick time.Duration

	// Samples is the number of (wall, cycle) pairs per SyncTime.
	Samples int

	// MaxSlewRatio bounds the relative ns_per_cycle change of one
	// calibration. Larger corrections are discarded.
	MaxSlewRatio float64

	// Cycles reads the cycle counter.
	Cycles func() int64

	// Wall reads the system clock in nanoseconds since the epoch.
	Wall func() int64

	// Sleep blocks for the warmup in Init.
	Sleep func(time.Duration)
}

// DefaultOptions returns options for the hardware counter.
func DefaultOptions() Options {
	return Options{
		Tick:         config.DefaultCalibrationTick,
		Samples:      config.DefaultSyncSamples,
		MaxSlewRatio: config.DefaultMaxSlewRatio,
	}
}

// Stats is a snapshot of calibration state.
type Stats struct {
	Calibrations    uint64
	Discarded       uint64
	NsPerCycle      float64
	BaseCycles      int64
	BaseNs          int64
	NextCalibration int64
	LastSyncErrorNs int64
}

// Clock is a self-calibrating cycle-counter clock. Now is safe for any
// number of concurrent readers; Init and Calibrate are serialized.
type Clock struct {
	// Published model, guarded by seq.
	seq        atomic.Uint64
	baseCycles atomic.Int64
	baseNs     atomic.Int64
	nsPerCycle atomic.Uint64 // math.Float64bits

	// Writer state.
	calMu           sync.Mutex
	interval        time.Duration
	baseNsErr       int64
	nextCalibration atomic.Int64
	lastSyncErr     atomic.Int64
	initialized     atomic.Bool

	calibrations atomic.Uint64
	discarded    atomic.Uint64

	opts   Options
	cycles func() int64
	wall   func() int64
	sleep  func(time.Duration)

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates an uninitialized clock. Call Init before Now.
func New(opts Options) *Clock {
	def := DefaultOptions()
	if opts.Tick <= 0 {
		opts.Tick = def.Tick
	}
	if opts.Samples <= 0 {
		opts.Samples = def.Samples
	}
	if opts.Samples > maxSyncSamples {
		opts.Samples = maxSyncSamples
	}
	if opts.MaxSlewRatio <= 0 {
		opts.MaxSlewRatio = def.MaxSlewRatio
	}

	c := &Clock{opts: opts, cycles: opts.Cycles, wall: opts.Wall, sleep: opts.Sleep}
	if c.cycles == nil {
		c.cycles = readCycles
	}
	if c.wall == nil {
		c.wall = func() int64 { return time.Now().UnixNano() }
	}
	if c.sleep == nil {
		c.sleep = time.Sleep
	}
	return c
}

// Init seeds the model from two SyncTime samples taken warmup apart and
// sets the calibration interval.
func (c *Clock) Init(warmup, interval time.Duration) error {
	if interval <= calibrationLead {
		return errors.NewInvalidValue("calibration interval", interval, "too short")
	}

	c.calMu.Lock()
	defer c.calMu.Unlock()

	cyc0, ns0 := c.SyncTime()
	c.sleep(warmup)
	cyc1, ns1 := c.SyncTime()

	if cyc1 <= cyc0 || ns1 <= ns0 {
		return errors.Wrapf(errors.ErrClockSample,
			"warmup produced no progress (cycles %d, ns %d)", cyc1-cyc0, ns1-ns0)
	}

	ratio := float64(ns1-ns0) / float64(cyc1-cyc0)
	c.interval = interval
	c.commit(cyc1, ns1, ns1, ratio)
	c.initialized.Store(true)

	log.Info("clock initialized",
		"ns_per_cycle", ratio,
		"warmup", warmup,
		"interval", interval)
	return nil
}

// Calibrate applies one drift correction if the next calibration point has
// passed. It reports whether a new model was committed. An inconsistent
// sample returns ErrClockSample and leaves the prior model in effect.
func (c *Clock) Calibrate() (bool, error) {
	if !c.initialized.Load() {
		return false, errors.ErrClockNotStarted
	}

	c.calMu.Lock()
	defer c.calMu.Unlock()

	if c.cycles() < c.nextCalibration.Load() {
		return false, nil
	}

	cyc, ns := c.SyncTime()
	predicted := c.CyclesToNs(cyc)
	nsErr := predicted - ns

	// Wall time since the previous calibration sample.
	elapsed := ns - (c.baseNs.Load() - c.baseNsErr)
	if elapsed <= 0 {
		c.discarded.Add(1)
		return false, errors.Wrapf(errors.ErrClockSample, "non-positive elapsed %d", elapsed)
	}

	interval := float64(c.interval.Nanoseconds())
	expected := float64(nsErr) + float64(nsErr-c.baseNsErr)*interval/float64(elapsed)

	old := c.ratio()
	ratio := old * (1 - expected/interval)
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio <= 0 ||
		math.Abs(ratio/old-1) > c.opts.MaxSlewRatio {
		c.discarded.Add(1)
		log.Warn("calibration sample discarded",
			"ns_error", nsErr,
			"old_ns_per_cycle", old,
			"new_ns_per_cycle", ratio)
		return false, errors.Wrapf(errors.ErrClockSample, "ratio %g out of bounds", ratio)
	}

	c.commit(cyc, predicted, ns, ratio)
	c.calibrations.Add(1)

	log.Debug("clock calibrated",
		"ns_error", nsErr,
		"expected_error", expected,
		"ns_per_cycle", ratio)
	return true, nil
}

// commit publishes a new model. baseNs is the model's time at baseCycles
// and sysNs is the system clock at the same instant. Callers hold calMu.
func (c *Clock) commit(baseCycles, baseNs, sysNs int64, ratio float64) {
	c.baseNsErr = baseNs - sysNs
	c.lastSyncErr.Store(c.baseNsErr)
	c.nextCalibration.Store(baseCycles + int64(float64(c.interval.Nanoseconds()-calibrationLead)/ratio))

	c.seq.Add(1)
	c.baseCycles.Store(baseCycles)
	c.baseNs.Store(baseNs)
	c.nsPerCycle.Store(math.Float64bits(ratio))
	c.seq.Add(1)
}

func (c *Clock) ratio() float64 {
	return math.Float64frombits(c.nsPerCycle.Load())
}

// Now returns wall-clock nanoseconds since the epoch.
func (c *Clock) Now() int64 {
	return c.CyclesToNs(c.cycles())
}

// CyclesToNs converts a cycle counter value with a consistent model.
func (c *Clock) CyclesToNs(cycles int64) int64 {
	for {
		seq := c.seq.Load()
		if seq&1 != 0 {
			continue
		}
		base := c.baseCycles.Load()
		ns := c.baseNs.Load()
		ratio := math.Float64frombits(c.nsPerCycle.Load())
		if c.seq.Load() == seq {
			return ns + int64(float64(cycles-base)*ratio)
		}
	}
}

// SyncTime samples (wall, cycle) pairs and returns the pair with the
// tightest cycle bracket. The cycle value is the bracket midpoint.
func (c *Clock) SyncTime() (cycles, ns int64) {
	var (
		cyc  [maxSyncSamples + 1]int64
		wall [maxSyncSamples + 1]int64
		n    = c.opts.Samples
		best = 1
	)

	cyc[0] = c.cycles()
	for i := 1; i <= n; i++ {
		wall[i] = c.wall()
		cyc[i] = c.cycles()
	}
	for i := 2; i <= n; i++ {
		if cyc[i]-cyc[i-1] < cyc[best]-cyc[best-1] {
			best = i
		}
	}
	return cyc[best-1] + (cyc[best]-cyc[best-1])/2, wall[best]
}

// Start runs Calibrate every Tick on a background goroutine.
func (c *Clock) Start() error {
	if !c.initialized.Load() {
		return errors.ErrClockNotStarted
	}
	if !c.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.calibrationLoop(c.stopCh, c.doneCh)
	return nil
}

// Stop halts the calibration goroutine and waits for it to exit.
func (c *Clock) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

func (c *Clock) calibrationLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Discarded samples are counted in Stats.
			_, _ = c.Calibrate()
		}
	}
}

// Stats returns a snapshot of the calibration state.
func (c *Clock) Stats() Stats {
	var s Stats
	for {
		seq := c.seq.Load()
		if seq&1 != 0 {
			continue
		}
		s.BaseCycles = c.baseCycles.Load()
		s.BaseNs = c.baseNs.Load()
		s.NsPerCycle = c.ratio()
		if c.seq.Load() == seq {
			break
		}
	}
	s.Calibrations = c.calibrations.Load()
	s.Discarded = c.discarded.Load()
	s.NextCalibration = c.nextCalibration.Load()
	s.LastSyncErrorNs = c.lastSyncErr.Load()
	return s
}
