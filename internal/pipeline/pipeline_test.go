package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/feedrec/internal/codec"
	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/record"
	"github.com/xtxerr/feedrec/internal/storage"
	storagecfg "github.com/xtxerr/feedrec/internal/storage/config"
	testutil "github.com/xtxerr/feedrec/internal/testing"
	"github.com/xtxerr/feedrec/internal/transport"
)

var day0 = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================
// Fakes
// =============================================================================

type fakeClock struct{ ns atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.ns.Store(day0.UnixNano())
	return c
}

func (c *fakeClock) Now() int64 { return c.ns.Add(250) }

type fakePoller struct {
	mu       sync.Mutex
	channels []string
	fail     map[string]bool
	queue    []fakeDatagram
	closed   int
}

type fakeDatagram struct {
	ch   int
	data []byte
}

func (f *fakePoller) Bind(ch transport.ChannelConfig) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[ch.Name] {
		return -1, errors.Mark(errors.ErrBind, fmt.Errorf("address in use"))
	}
	f.channels = append(f.channels, ch.Name)
	return len(f.channels) - 1, nil
}

func (f *fakePoller) Poll(timeout time.Duration, fn transport.Handler) (int, error) {
	f.mu.Lock()
	queue := f.queue
	f.queue = nil
	f.mu.Unlock()

	if len(queue) == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	for _, d := range queue {
		fn(d.ch, d.data)
	}
	return len(queue), nil
}

func (f *fakePoller) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakePoller) inject(ch int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, fakeDatagram{ch: ch, data: data})
}

type fakeTransport struct {
	mu      sync.Mutex
	pollers map[string]*fakePoller
	fail    map[string]bool
	failNew bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pollers: make(map[string]*fakePoller), fail: make(map[string]bool)}
}

func (t *fakeTransport) factory(group string) (Poller, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNew {
		return nil, fmt.Errorf("epoll unavailable")
	}
	p := &fakePoller{fail: t.fail}
	t.pollers[group] = p
	return p, nil
}

func (t *fakeTransport) poller(group string) *fakePoller {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollers[group]
}

type memSink[T any] struct {
	mu   sync.Mutex
	recs []T
	err  error
}

func (s *memSink[T]) Write(rec *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, *rec)
	return nil
}

func (s *memSink[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// =============================================================================
// Frames
// =============================================================================

func depthFrame(t *testing.T, d *record.Depth) []byte {
	t.Helper()
	b, err := codec.AppendRecord[record.Depth](nil, record.KindDepth.Tag(), codec.DepthCodec{}, d)
	if err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	return b
}

func tradeFrame(t *testing.T, dst []byte, tr *record.Trade) []byte {
	t.Helper()
	b, err := codec.AppendRecord[record.Trade](dst, record.KindTrade.Tag(), codec.TradeCodec{}, tr)
	if err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	return b
}

func sampleTrade(price float64) *record.Trade {
	return &record.Trade{
		Header: record.Header{
			ExchangeTs: day0.UnixMilli(),
			Instrument: record.MustSymbol("ETH-USDT"),
			Exchange:   record.OKXFuture,
		},
		Price:  price,
		Volume: 2,
		Side:   record.Sell,
	}
}

func newTradePipeline(t *testing.T, ft *fakeTransport) (*Pipeline, *memSink[record.Trade]) {
	t.Helper()
	p := New(newFakeClock(), ft.factory, Options{PollTimeout: time.Millisecond})
	sink := &memSink[record.Trade]{}
	if err := Handle[record.Trade](p, record.KindTrade, codec.TradeCodec{}, sink); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return p, sink
}

// =============================================================================
// Tests
// =============================================================================

func TestPipeline_EndToEndDepth(t *testing.T) {
	root := t.TempDir()
	cfg := storagecfg.DefaultConfig()
	cfg.Root = root
	svc, err := storage.New(context.Background(), cfg, "run")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("storage Start: %v", err)
	}

	ft := newFakeTransport()
	clk := newFakeClock()
	p := New(clk, ft.factory, Options{PollTimeout: time.Millisecond})
	if err := Handle[record.Depth](p, record.KindDepth, codec.DepthCodec{}, svc.Depth()); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	report, err := p.Bind([]Channel{{
		ChannelConfig: transport.ChannelConfig{Name: "md", Address: "127.0.0.1", Port: 9000},
		Kinds:         []record.Kind{record.KindDepth},
	}})
	if err != nil || report.Bound() != 1 {
		t.Fatalf("Bind: %v %+v", err, report)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	in := record.Depth{Header: record.Header{
		ExchangeTs: day0.UnixMilli(),
		Instrument: record.MustSymbol("BTC-USDT"),
		Exchange:   record.BinanceFuture,
	}}
	in.Bids[0] = record.Level{Price: 29000.5, Qty: 1.25}
	in.Asks[0] = record.Level{Price: 29001, Qty: 0.75}
	ft.poller("md").inject(0, depthFrame(t, &in))

	if err := testutil.Eventually(2*time.Second, time.Millisecond, func() bool {
		return p.Stats().Stored == 1
	}); err != nil {
		t.Fatal(err)
	}

	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if p.State() != StateStopped {
		t.Errorf("state = %s", p.State())
	}
	if ft.poller("md").closed != 1 {
		t.Errorf("poller closed %d times", ft.poller("md").closed)
	}
	if err := svc.Shutdown(); err != nil {
		t.Fatalf("storage Shutdown: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "binance-f", "depth5", "BTC-USDT", "2021-01-01.csv"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("file has %d rows, want 1", len(rows))
	}

	var out record.Depth
	if err := record.ParseDepthCSV(rows[0], &out); err != nil {
		t.Fatalf("ParseDepthCSV: %v", err)
	}
	if out.ReceiveTs <= day0.UnixNano() {
		t.Errorf("receive ts %d not stamped", out.ReceiveTs)
	}
	out.ReceiveTs = 0
	if out != in {
		t.Errorf("stored %+v, want %+v", out, in)
	}

	if g := p.Stats().Groups; len(g) != 1 || g[0].Latency.Count != 1 || g[0].Datagrams != 1 {
		t.Errorf("group stats = %+v", g)
	}
}

func TestPipeline_DispatchCounters(t *testing.T) {
	p, sink := newTradePipeline(t, newFakeTransport())

	// Two trades in one datagram, then an unknown tag.
	b := tradeFrame(t, nil, sampleTrade(1))
	b = tradeFrame(t, b, sampleTrade(2))
	b, _ = codec.AppendFrame(b, 99, []byte{1, 2, 3})
	p.Dispatch(b, 10)

	// Unknown exchange fails decoding but the next frame still stores.
	bad := sampleTrade(3)
	bad.Exchange = record.Exchange(42)
	b = tradeFrame(t, nil, bad)
	b = tradeFrame(t, b, sampleTrade(4))
	p.Dispatch(b, 20)

	// Declared length past the end drops the rest of the datagram.
	b = tradeFrame(t, nil, sampleTrade(5))
	p.Dispatch(b[:len(b)-1], 30)

	st := p.Stats()
	if st.Datagrams != 3 || st.Stored != 3 || st.UnknownTag != 1 || st.DecodeErrors != 1 || st.Truncated != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if sink.len() != 3 {
		t.Fatalf("sink has %d records", sink.len())
	}
	if sink.recs[0].Price != 1 || sink.recs[1].Price != 2 || sink.recs[2].Price != 4 {
		t.Errorf("order = %v %v %v", sink.recs[0].Price, sink.recs[1].Price, sink.recs[2].Price)
	}
	if sink.recs[0].ReceiveTs != 10 || sink.recs[2].ReceiveTs != 20 {
		t.Errorf("receive ts = %d %d", sink.recs[0].ReceiveTs, sink.recs[2].ReceiveTs)
	}
}

func TestPipeline_StorageErrorCounted(t *testing.T) {
	p, sink := newTradePipeline(t, newFakeTransport())
	sink.err = errors.Mark(errors.ErrFileWrite, fmt.Errorf("disk full"))

	p.Dispatch(tradeFrame(t, nil, sampleTrade(1)), 1)
	p.Dispatch(tradeFrame(t, nil, sampleTrade(2)), 2)

	if st := p.Stats(); st.StorageErrors != 2 || st.Stored != 0 || st.DecodeErrors != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPipeline_UnexpectedTagDropped(t *testing.T) {
	ft := newFakeTransport()
	p, sink := newTradePipeline(t, ft)
	depth := &memSink[record.Depth]{}
	if err := Handle[record.Depth](p, record.KindDepth, codec.DepthCodec{}, depth); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	_, err := p.Bind([]Channel{{
		ChannelConfig: transport.ChannelConfig{Name: "trades"},
		Kinds:         []record.Kind{record.KindTrade},
	}})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Shutdown()

	d := record.Depth{Header: record.Header{ExchangeTs: 1, Instrument: record.MustSymbol("X"), Exchange: record.BinanceFuture}}
	ft.poller("trades").inject(0, depthFrame(t, &d))
	ft.poller("trades").inject(0, tradeFrame(t, nil, sampleTrade(7)))

	if err := testutil.Eventually(2*time.Second, time.Millisecond, func() bool {
		return p.Stats().Datagrams == 2
	}); err != nil {
		t.Fatal(err)
	}
	p.Shutdown()

	if st := p.Stats(); st.Unexpected != 1 || st.Stored != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if depth.len() != 0 || sink.len() != 1 {
		t.Errorf("depth=%d trades=%d", depth.len(), sink.len())
	}
}

func TestPipeline_BindReport(t *testing.T) {
	ft := newFakeTransport()
	ft.fail["bad"] = true
	p, _ := newTradePipeline(t, ft)

	report, err := p.Bind([]Channel{
		{ChannelConfig: transport.ChannelConfig{Name: "bad"}, Group: "g"},
		{ChannelConfig: transport.ChannelConfig{Name: "good"}, Group: "g"},
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if report.Bound() != 1 || len(report.Failed()) != 1 || report.Failed()[0].Name != "bad" {
		t.Fatalf("report = %+v", report)
	}
	if !errors.Is(report.Failed()[0].Err, errors.ErrBind) {
		t.Errorf("failure = %v", report.Failed()[0].Err)
	}
	if p.State() != StateBound {
		t.Errorf("state = %s", p.State())
	}
	if _, err := p.Bind(nil); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("second Bind = %v", err)
	}

	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ft.poller("g").closed != 1 || p.State() != StateStopped {
		t.Errorf("closed=%d state=%s", ft.poller("g").closed, p.State())
	}
}

func TestPipeline_NoChannelsIsFatal(t *testing.T) {
	ft := newFakeTransport()
	ft.fail["a"] = true
	p, _ := newTradePipeline(t, ft)

	_, err := p.Bind([]Channel{{ChannelConfig: transport.ChannelConfig{Name: "a"}}})
	if !errors.Is(err, errors.ErrNoChannels) || !errors.IsFatal(err) {
		t.Fatalf("Bind = %v, want ErrNoChannels", err)
	}
	if ft.poller("a").closed != 1 {
		t.Error("empty group poller not closed")
	}

	ft2 := newFakeTransport()
	ft2.failNew = true
	p2, _ := newTradePipeline(t, ft2)
	if _, err := p2.Bind([]Channel{{ChannelConfig: transport.ChannelConfig{Name: "a"}}}); !errors.Is(err, errors.ErrPollerCreate) {
		t.Fatalf("Bind = %v, want ErrPollerCreate", err)
	}
}

func TestPipeline_KindServedByOneGroup(t *testing.T) {
	p, _ := newTradePipeline(t, newFakeTransport())

	report, err := p.Bind([]Channel{
		{ChannelConfig: transport.ChannelConfig{Name: "a"}, Group: "one", Kinds: []record.Kind{record.KindTrade}},
		{ChannelConfig: transport.ChannelConfig{Name: "b"}, Group: "two", Kinds: []record.Kind{record.KindTrade}},
		{ChannelConfig: transport.ChannelConfig{Name: "c"}, Group: "one"},
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	failed := report.Failed()
	if report.Bound() != 2 || len(failed) != 1 || failed[0].Name != "b" {
		t.Fatalf("report = %+v", report)
	}
	if !errors.Is(failed[0].Err, errors.ErrInvalidConfig) {
		t.Errorf("failure = %v", failed[0].Err)
	}
	p.Shutdown()
}

func TestPipeline_RouteRegistration(t *testing.T) {
	p, _ := newTradePipeline(t, newFakeTransport())

	err := Handle[record.Trade](p, record.KindTrade, codec.TradeCodec{}, &memSink[record.Trade]{})
	if !errors.Is(err, errors.ErrDuplicateRoute) {
		t.Errorf("duplicate Handle = %v", err)
	}
	if err := Handle[record.Trade](p, record.KindTrade, nil, &memSink[record.Trade]{}); err == nil {
		t.Error("nil codec accepted")
	}

	if _, err := p.Bind([]Channel{{ChannelConfig: transport.ChannelConfig{Name: "a"}}}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	err = Handle[record.Generic](p, record.KindGeneric, codec.GenericCodec{}, &memSink[record.Generic]{})
	if !errors.Is(err, errors.ErrRouteAfterStart) {
		t.Errorf("Handle after Bind = %v", err)
	}
	p.Shutdown()
}

func TestPipeline_Lifecycle(t *testing.T) {
	ft := newFakeTransport()
	p, _ := newTradePipeline(t, ft)

	if p.State() != StateUninitialized {
		t.Fatalf("state = %s", p.State())
	}
	if err := p.Start(); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Start before Bind = %v", err)
	}
	if _, err := p.Bind([]Channel{{ChannelConfig: transport.ChannelConfig{Name: "a"}}}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("second Start = %v", err)
	}

	err := testutil.WithTimeout(2*time.Second, func() error {
		p.Stop()
		p.Wait()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.State() != StateStopped || ft.poller("a").closed != 1 {
		t.Fatalf("state=%s closed=%d", p.State(), ft.poller("a").closed)
	}
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown after stop: %v", err)
	}
	if p.ID() == "" {
		t.Error("empty instance id")
	}
}

func TestLatency_Summary(t *testing.T) {
	l := NewLatency(0.01)
	if s := l.Summary(); s.Count != 0 || s.P99 != 0 {
		t.Fatalf("empty summary = %+v", s)
	}
	for i := int64(1); i <= 1000; i++ {
		l.Add(i * 1000)
	}
	l.Add(-5)

	s := l.Summary()
	if s.Count != 1001 || s.Min != 0 || s.Max != 1e6 {
		t.Fatalf("summary = %+v", s)
	}
	if s.P50 < 490e3 || s.P50 > 510e3 {
		t.Errorf("p50 = %v", s.P50)
	}
	if s.P99 < 980e3 || s.P99 > 1e6*1.01 {
		t.Errorf("p99 = %v", s.P99)
	}

	other := NewLatency(0.01)
	other.Add(2e6)
	l.Merge(other)
	if s := l.Summary(); s.Count != 1002 || s.Max != 2e6 {
		t.Errorf("merged = %+v", s)
	}

	l.Reset()
	if l.Summary().Count != 0 {
		t.Error("Reset kept observations")
	}
}
