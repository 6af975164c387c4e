// Package pipeline receives framed records from channel groups, stamps
// them with the calibrated clock and routes them to storage.
//
// Lifecycle:
//
//	Uninitialized -> Bound -> Running -> ShuttingDown -> Stopped
//
// Each channel group is serviced by one goroutine locked to an OS thread.
// Decoding, stamping and the storage write all run on that goroutine, in
// arrival order. A record kind is routed to a single sink and may only be
// expected by channels of one group, so every sink has exactly one writer.
package pipeline

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/feedrec/config"
	"github.com/xtxerr/feedrec/internal/codec"
	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/logging"
	"github.com/xtxerr/feedrec/internal/record"
	"github.com/xtxerr/feedrec/internal/transport"
)

var log = logging.Component("pipeline")

// =============================================================================
// State
// =============================================================================

// State is the pipeline lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateBound
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBound:
		return "bound"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// =============================================================================
// Collaborators
// =============================================================================

// Clock supplies receive timestamps in nanoseconds since the epoch.
type Clock interface {
	Now() int64
}

// Poller is one channel group's readiness loop. It is used by a single
// goroutine.
type Poller interface {
	Bind(ch transport.ChannelConfig) (int, error)
	Poll(timeout time.Duration, fn transport.Handler) (int, error)
	Close() error
}

// PollerFactory creates the poller of a named group.
type PollerFactory func(group string) (Poller, error)

// TransportPollers returns a factory of epoll UDP groups.
func TransportPollers(opts transport.Options) PollerFactory {
	return func(group string) (Poller, error) {
		g, err := transport.NewGroup(group, opts)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

// Channel is one configured channel.
type Channel struct {
	transport.ChannelConfig

	// Group names the poll loop serving this channel. Empty gives the
	// channel a group of its own.
	Group string

	// Kinds lists the record kinds the channel carries. Empty accepts
	// every routed kind.
	Kinds []record.Kind
}

// GroupName returns the effective group of c.
func (c Channel) GroupName() string {
	if c.Group != "" {
		return c.Group
	}
	return c.Name
}

// =============================================================================
// Options
// =============================================================================

// Options configures a Pipeline.
type Options struct {
	// PollTimeout bounds one readiness wait, and so the delay before a
	// stop request is observed.
	PollTimeout time.Duration

	// LockThread pins each poll goroutine to an OS thread.
	LockThread bool

	// LatencyAccuracy is the relative accuracy of the latency sketches.
	LatencyAccuracy float64
}

// DefaultOptions returns default pipeline options.
func DefaultOptions() Options {
	return Options{
		PollTimeout:     config.DefaultPollTimeout,
		LockThread:      true,
		LatencyAccuracy: latencyAccuracy,
	}
}

// =============================================================================
// Pipeline
// =============================================================================

// Stats holds pipeline counters.
type Stats struct {
	Datagrams     atomic.Int64
	Frames        atomic.Int64
	Stored        atomic.Int64
	UnknownTag    atomic.Int64
	Unexpected    atomic.Int64
	Truncated     atomic.Int64
	DecodeErrors  atomic.Int64
	StorageErrors atomic.Int64
	PollErrors    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	State         State
	Datagrams     int64
	Frames        int64
	Stored        int64
	UnknownTag    int64
	Unexpected    int64
	Truncated     int64
	DecodeErrors  int64
	StorageErrors int64
	PollErrors    int64
	Groups        []GroupStats
}

// GroupStats describes one channel group.
type GroupStats struct {
	Name      string
	Channels  []string
	Datagrams int64
	Latency   LatencySummary
}

// acceptAll is the tag mask of a channel without a kind list.
const acceptAll = ^uint64(0)

type boundChannel struct {
	name   string
	accept uint64 // bit per accepted tag
}

type group struct {
	name      string
	poller    Poller
	channels  []boundChannel // indexed by poller channel index
	latency   *Latency
	datagrams atomic.Int64
}

// Pipeline is the ingestion event loop.
type Pipeline struct {
	id        uuid.UUID
	opts      Options
	clock     Clock
	newPoller PollerFactory

	mu     sync.Mutex
	routes map[uint16]route
	groups []*group

	state atomic.Int32
	stop  atomic.Bool
	wg    sync.WaitGroup

	stats Stats
}

// New creates a pipeline. Routes are added with Handle before Bind.
func New(clock Clock, newPoller PollerFactory, opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = def.PollTimeout
	}
	if opts.LatencyAccuracy <= 0 {
		opts.LatencyAccuracy = def.LatencyAccuracy
	}

	return &Pipeline{
		id:        uuid.New(),
		opts:      opts,
		clock:     clock,
		newPoller: newPoller,
		routes:    make(map[uint16]route),
	}
}

// ID returns the pipeline instance id.
func (p *Pipeline) ID() string { return p.id.String() }

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) addRoute(r route) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateUninitialized {
		return errors.ErrRouteAfterStart
	}
	tag := r.kind().Tag()
	if _, ok := p.routes[tag]; ok {
		return errors.Wrapf(errors.ErrDuplicateRoute, "tag %d", tag)
	}
	p.routes[tag] = r
	return nil
}

// ChannelResult reports the bind outcome of one channel.
type ChannelResult struct {
	Name  string
	Group string
	Err   error
}

// BindReport lists every channel's bind outcome.
type BindReport struct {
	Channels []ChannelResult
}

// Bound returns the number of channels bound.
func (r BindReport) Bound() int {
	n := 0
	for _, c := range r.Channels {
		if c.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the channels that did not bind.
func (r BindReport) Failed() []ChannelResult {
	var out []ChannelResult
	for _, c := range r.Channels {
		if c.Err != nil {
			out = append(out, c)
		}
	}
	return out
}

// Bind creates one poller per group and binds every channel. A channel
// that fails to bind is reported and skipped. Poller creation failure and
// zero bound channels are fatal.
func (p *Pipeline) Bind(channels []Channel) (BindReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var report BindReport
	if p.State() != StateUninitialized {
		return report, errors.Wrapf(errors.ErrInvalidState, "bind in state %s", p.State())
	}

	var order []string
	byGroup := make(map[string][]Channel)
	owner := make(map[uint16]string)
	for _, ch := range channels {
		name := ch.GroupName()
		if err := p.claimKinds(owner, ch, name); err != nil {
			report.Channels = append(report.Channels, ChannelResult{Name: ch.Name, Group: name, Err: err})
			log.Error("channel rejected", "channel", ch.Name, "group", name, "error", err)
			continue
		}
		if _, ok := byGroup[name]; !ok {
			order = append(order, name)
		}
		byGroup[name] = append(byGroup[name], ch)
	}

	var groups []*group
	closeAll := func() {
		for _, g := range groups {
			g.poller.Close()
		}
	}

	for _, name := range order {
		poller, err := p.newPoller(name)
		if err != nil {
			closeAll()
			return report, errors.Mark(errors.ErrPollerCreate, fmt.Errorf("group %s: %w", name, err))
		}
		g := &group{name: name, poller: poller, latency: NewLatency(p.opts.LatencyAccuracy)}

		for _, ch := range byGroup[name] {
			idx, err := poller.Bind(ch.ChannelConfig)
			report.Channels = append(report.Channels, ChannelResult{Name: ch.Name, Group: name, Err: err})
			if err != nil {
				log.Error("channel bind failed", "channel", ch.Name, "group", name, "error", err)
				continue
			}
			for len(g.channels) <= idx {
				g.channels = append(g.channels, boundChannel{})
			}
			g.channels[idx] = boundChannel{name: ch.Name, accept: acceptMask(ch.Kinds)}
		}

		if len(g.channels) == 0 {
			poller.Close()
			continue
		}
		groups = append(groups, g)
	}

	if report.Bound() == 0 {
		closeAll()
		return report, errors.ErrNoChannels
	}

	p.groups = groups
	p.state.Store(int32(StateBound))
	log.Info("pipeline bound",
		"id", p.ID(),
		"groups", len(groups),
		"channels", report.Bound(),
		"failed", len(report.Failed()))
	return report, nil
}

// claimKinds assigns every routed kind ch accepts to group, unless another
// group already serves it. Callers hold mu.
func (p *Pipeline) claimKinds(owner map[uint16]string, ch Channel, group string) error {
	mask := acceptMask(ch.Kinds)
	var claimed []uint16
	for tag := range p.routes {
		if tag >= 64 && mask != acceptAll || tag < 64 && mask&(1<<tag) == 0 {
			continue
		}
		if g, ok := owner[tag]; ok && g != group {
			return errors.Wrapf(errors.ErrInvalidConfig,
				"%s already received by group %s", record.Kind(tag), g)
		}
		claimed = append(claimed, tag)
	}
	for _, tag := range claimed {
		owner[tag] = group
	}
	return nil
}

func acceptMask(kinds []record.Kind) uint64 {
	if len(kinds) == 0 {
		return acceptAll
	}
	var m uint64
	for _, k := range kinds {
		if k.Tag() < 64 {
			m |= 1 << k.Tag()
		}
	}
	return m
}

// Start launches one poll goroutine per group.
func (p *Pipeline) Start() error {
	if !p.state.CompareAndSwap(int32(StateBound), int32(StateRunning)) {
		if p.State() == StateRunning {
			return errors.ErrAlreadyRunning
		}
		return errors.Wrapf(errors.ErrInvalidState, "start in state %s", p.State())
	}

	for _, g := range p.groups {
		p.wg.Add(1)
		go p.loop(g)
	}
	log.Info("pipeline started", "id", p.ID(), "groups", len(p.groups))
	return nil
}

func (p *Pipeline) loop(g *group) {
	defer p.wg.Done()
	if p.opts.LockThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	handle := func(ch int, datagram []byte) {
		recvNs := p.clock.Now()
		g.datagrams.Add(1)
		accept := acceptAll
		if ch >= 0 && ch < len(g.channels) {
			accept = g.channels[ch].accept
		}
		p.dispatch(g, accept, datagram, recvNs)
	}

	for !p.stop.Load() {
		if _, err := g.poller.Poll(p.opts.PollTimeout, handle); err != nil {
			p.stats.PollErrors.Add(1)
			log.Warn("poll failed", "group", g.name, "error", err)
			time.Sleep(p.opts.PollTimeout)
		}
	}

	if err := g.poller.Close(); err != nil {
		log.Warn("close group", "group", g.name, "error", err)
	}
	log.Debug("poll loop exited", "group", g.name)
}

// Dispatch decodes every frame of datagram as if received at recvNs on an
// unrestricted channel. The poll loops use the same path. It must not run
// concurrently with a started pipeline.
func (p *Pipeline) Dispatch(datagram []byte, recvNs int64) {
	p.dispatch(nil, acceptAll, datagram, recvNs)
}

func (p *Pipeline) dispatch(g *group, accept uint64, b []byte, recvNs int64) {
	p.stats.Datagrams.Add(1)

	for len(b) > 0 {
		h, payload, rest, err := codec.NextFrame(b)
		if err != nil {
			p.stats.Truncated.Add(1)
			return
		}
		b = rest
		p.stats.Frames.Add(1)

		r, ok := p.routes[h.Tag]
		if !ok {
			p.stats.UnknownTag.Add(1)
			continue
		}
		if accept != acceptAll && (h.Tag >= 64 || accept&(1<<h.Tag) == 0) {
			p.stats.Unexpected.Add(1)
			continue
		}

		if err := r.dispatch(payload, recvNs); err != nil {
			if errors.IsDecode(err) {
				p.stats.DecodeErrors.Add(1)
				continue
			}
			// Logged at exponentially growing intervals.
			if n := p.stats.StorageErrors.Add(1); n&(n-1) == 0 {
				log.Error("store record failed", "kind", r.kind().String(), "count", n, "error", err)
			}
			continue
		}

		p.stats.Stored.Add(1)
		if g != nil {
			g.latency.Add(p.clock.Now() - recvNs)
		}
	}
}

// Stop requests the poll loops to exit. It does not wait.
func (p *Pipeline) Stop() {
	if p.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		p.stop.Store(true)
		log.Info("pipeline stopping", "id", p.ID())
	}
}

// Wait blocks until every poll loop has exited and released its channels.
func (p *Pipeline) Wait() {
	p.wg.Wait()
	if p.state.CompareAndSwap(int32(StateShuttingDown), int32(StateStopped)) {
		log.Info("pipeline stopped", "id", p.ID(), "stored", p.stats.Stored.Load())
	}
}

// Shutdown stops the poll loops and waits for them. A bound but never
// started pipeline releases its channels directly. It is safe to call
// more than once.
func (p *Pipeline) Shutdown() error {
	switch p.State() {
	case StateRunning, StateShuttingDown:
		p.Stop()
		p.Wait()
		return nil
	case StateBound:
		p.mu.Lock()
		defer p.mu.Unlock()
		var errs []error
		for _, g := range p.groups {
			errs = append(errs, g.poller.Close())
		}
		p.state.Store(int32(StateStopped))
		return errors.Join(errs...)
	case StateUninitialized:
		p.state.Store(int32(StateStopped))
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() StatsSnapshot {
	s := StatsSnapshot{
		State:         p.State(),
		Datagrams:     p.stats.Datagrams.Load(),
		Frames:        p.stats.Frames.Load(),
		Stored:        p.stats.Stored.Load(),
		UnknownTag:    p.stats.UnknownTag.Load(),
		Unexpected:    p.stats.Unexpected.Load(),
		Truncated:     p.stats.Truncated.Load(),
		DecodeErrors:  p.stats.DecodeErrors.Load(),
		StorageErrors: p.stats.StorageErrors.Load(),
		PollErrors:    p.stats.PollErrors.Load(),
	}

	p.mu.Lock()
	groups := p.groups
	p.mu.Unlock()

	for _, g := range groups {
		gs := GroupStats{
			Name:      g.name,
			Datagrams: g.datagrams.Load(),
			Latency:   g.latency.Summary(),
		}
		for _, ch := range g.channels {
			if ch.name != "" {
				gs.Channels = append(gs.Channels, ch.name)
			}
		}
		s.Groups = append(s.Groups, gs)
	}
	return s
}
