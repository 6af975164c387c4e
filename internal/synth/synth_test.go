package synth

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/record"
)

func onTick(t *testing.T, p float64, tick string) {
	t.Helper()
	d := decimal.NewFromFloat(p)
	if !d.Mod(decimal.RequireFromString(tick)).IsZero() {
		t.Errorf("price %v is not a multiple of %s", p, tick)
	}
}

func TestGenerator_DepthShape(t *testing.T) {
	g, err := New(DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var d record.Depth
	for i := 0; i < 200; i++ {
		g.Depth(1_600_000_000_000+int64(i), &d)

		if d.Instrument.String() != "BTC-USDT" || d.Exchange != record.BinanceFuture {
			t.Fatalf("header = %+v", d.Header)
		}
		for l := 0; l < record.DepthLevels; l++ {
			onTick(t, d.Bids[l].Price, "0.1")
			onTick(t, d.Asks[l].Price, "0.1")
			if d.Bids[l].Qty < 0.001 || d.Asks[l].Qty < 0.001 {
				t.Fatalf("level %d qty below one lot: %+v", l, d)
			}
			if l > 0 && (d.Bids[l].Price >= d.Bids[l-1].Price || d.Asks[l].Price <= d.Asks[l-1].Price) {
				t.Fatalf("levels out of order: %+v", d)
			}
		}
		if d.Bids[0].Price >= d.Asks[0].Price {
			t.Fatalf("crossed book: bid %v ask %v", d.Bids[0].Price, d.Asks[0].Price)
		}
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	a, _ := New(DefaultOptions())
	b, _ := New(DefaultOptions())

	var ta, tb record.Trade
	for i := 0; i < 50; i++ {
		a.Trade(int64(i), &ta)
		b.Trade(int64(i), &tb)
		if ta != tb {
			t.Fatalf("trade %d differs: %+v vs %+v", i, ta, tb)
		}
		if ta.Side != record.Buy && ta.Side != record.Sell {
			t.Fatalf("side = %v", ta.Side)
		}
	}
}

func TestGenerator_RoundRobin(t *testing.T) {
	opts := DefaultOptions()
	opts.Instruments = append(opts.Instruments, InstrumentConfig{
		Symbol: "ETH-USDT", Exchange: "okx-f", Price: "2000.004", TickSize: "0.01", LotSize: "0.1",
	})
	g, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var tr record.Trade
	g.Trade(0, &tr)
	if tr.Instrument.String() != "BTC-USDT" {
		t.Errorf("first = %s", tr.Instrument)
	}
	g.Trade(0, &tr)
	if tr.Instrument.String() != "ETH-USDT" || tr.Exchange != record.OKXFuture {
		t.Errorf("second = %s %s", tr.Instrument, tr.Exchange)
	}
	onTick(t, tr.Price, "0.01")
	g.Trade(0, &tr)
	if tr.Instrument.String() != "BTC-USDT" {
		t.Errorf("third = %s", tr.Instrument)
	}
}

func TestGenerator_ProbeSequence(t *testing.T) {
	g, _ := New(DefaultOptions())

	var p record.Generic
	g.Probe(5, &p)
	if p.TotalID != 1 || p.DataID != 1 || string(p.Text()) != "hello1" {
		t.Fatalf("first probe = %d %d %q", p.TotalID, p.DataID, p.Text())
	}
	g.Probe(6, &p)
	g.NextCycle()
	g.Probe(7, &p)
	if p.TotalID != 2 || p.DataID != 3 || string(p.Text()) != "hello3" {
		t.Fatalf("third probe = %d %d %q", p.TotalID, p.DataID, p.Text())
	}
	if p.ExchangeTs != 7 || p.Instrument.IsZero() {
		t.Errorf("header = %+v", p.Header)
	}
	if total, data := g.Sequence(); total != 2 || data != 3 {
		t.Errorf("Sequence = %d %d", total, data)
	}
}

func TestNew_Errors(t *testing.T) {
	base := DefaultOptions().Instruments[0]

	tests := []struct {
		name   string
		mutate func(*InstrumentConfig)
		is     error
	}{
		{"long symbol", func(c *InstrumentConfig) { c.Symbol = "ABCDEFGHIJKLMNOPQ" }, errors.ErrInvalidName},
		{"bad exchange", func(c *InstrumentConfig) { c.Exchange = "nyse" }, errors.ErrUnknownExchange},
		{"bad price", func(c *InstrumentConfig) { c.Price = "abc" }, errors.ErrInvalidConfig},
		{"zero tick", func(c *InstrumentConfig) { c.TickSize = "0" }, errors.ErrInvalidConfig},
		{"negative lot", func(c *InstrumentConfig) { c.LotSize = "-1" }, errors.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ic := base
			tt.mutate(&ic)
			_, err := New(Options{Instruments: []InstrumentConfig{ic}})
			if !errors.Is(err, tt.is) {
				t.Errorf("New = %v, want %v", err, tt.is)
			}
		})
	}

	if _, err := New(Options{}); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("no instruments = %v", err)
	}
}
