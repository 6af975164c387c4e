// Package synth generates synthetic market records for the feed sender and
// for tests. Prices follow a random walk rounded to the instrument's tick
// size; quantities are rounded down to its lot size.
package synth

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/record"
	"github.com/xtxerr/feedrec/internal/validation"
)

// InstrumentConfig describes one synthetic instrument.
type InstrumentConfig struct {
	Symbol   string `yaml:"symbol"`
	Exchange string `yaml:"exchange"`

	// Price is the starting mid price.
	Price string `yaml:"price"`

	// TickSize is the price increment.
	TickSize string `yaml:"tick_size"`

	// LotSize is the quantity increment.
	LotSize string `yaml:"lot_size"`
}

// Options configures a Generator.
type Options struct {
	Instruments []InstrumentConfig

	// Seed makes the sequence reproducible.
	Seed uint64

	// Step is the relative standard deviation of one mid price move.
	Step float64

	// MaxQty bounds generated quantities, in lots.
	MaxQty int
}

// DefaultOptions returns a single BTC-USDT instrument.
func DefaultOptions() Options {
	return Options{
		Instruments: []InstrumentConfig{{
			Symbol:   "BTC-USDT",
			Exchange: "binance-f",
			Price:    "30000",
			TickSize: "0.1",
			LotSize:  "0.001",
		}},
		Seed:   1,
		Step:   0.0005,
		MaxQty: 5000,
	}
}

type instrument struct {
	symbol   record.Symbol
	exchange record.Exchange
	mid      decimal.Decimal
	tick     decimal.Decimal
	lot      decimal.Decimal
}

// Generator produces records. It is not safe for concurrent use.
type Generator struct {
	opts  Options
	rng   *rand.Rand
	insts []*instrument
	next  int

	totalID uint64
	dataID  uint64
	text    []byte
}

// New validates opts and creates a generator.
func New(opts Options) (*Generator, error) {
	if len(opts.Instruments) == 0 {
		return nil, errors.NewMissingField("instruments")
	}
	if opts.Step <= 0 {
		opts.Step = DefaultOptions().Step
	}
	if opts.MaxQty <= 0 {
		opts.MaxQty = DefaultOptions().MaxQty
	}

	g := &Generator{
		opts:    opts,
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		totalID: 1,
	}
	for i, ic := range opts.Instruments {
		inst, err := newInstrument(ic)
		if err != nil {
			return nil, fmt.Errorf("instruments[%d]: %w", i, err)
		}
		g.insts = append(g.insts, inst)
	}
	return g, nil
}

func newInstrument(ic InstrumentConfig) (*instrument, error) {
	if err := validation.ValidateInstrument(ic.Symbol); err != nil {
		return nil, errors.Mark(errors.ErrInvalidName, err)
	}
	sym, err := record.NewSymbol(ic.Symbol)
	if err != nil {
		return nil, err
	}
	ex, err := record.ParseExchange(ic.Exchange)
	if err != nil {
		return nil, err
	}

	parse := func(field, s string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return d, errors.NewInvalidValue(field, s, err.Error())
		}
		if !d.IsPositive() {
			return d, errors.NewInvalidValue(field, s, "must be positive")
		}
		return d, nil
	}

	inst := &instrument{symbol: sym, exchange: ex}
	if inst.mid, err = parse("price", ic.Price); err != nil {
		return nil, err
	}
	if inst.tick, err = parse("tick_size", ic.TickSize); err != nil {
		return nil, err
	}
	if inst.lot, err = parse("lot_size", ic.LotSize); err != nil {
		return nil, err
	}
	inst.mid = roundTick(inst.mid, inst.tick)
	return inst, nil
}

func roundTick(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Round(0).Mul(tick)
}

// pick returns the instruments round robin.
func (g *Generator) pick() *instrument {
	inst := g.insts[g.next]
	g.next = (g.next + 1) % len(g.insts)
	return inst
}

// step moves the mid price of inst. It never drops below one tick.
func (g *Generator) step(inst *instrument) {
	move := decimal.NewFromFloat(g.rng.NormFloat64() * g.opts.Step)
	mid := roundTick(inst.mid.Add(inst.mid.Mul(move)), inst.tick)
	if mid.LessThan(inst.tick) {
		mid = inst.tick
	}
	inst.mid = mid
}

// qty returns a random quantity of at least one lot.
func (g *Generator) qty(inst *instrument) float64 {
	lots := g.rng.IntN(g.opts.MaxQty) + 1
	return inst.lot.Mul(decimal.NewFromInt(int64(lots))).InexactFloat64()
}

func (g *Generator) header(h *record.Header, inst *instrument, exchangeMs int64) {
	*h = record.Header{
		ExchangeTs: exchangeMs,
		Instrument: inst.symbol,
		Exchange:   inst.exchange,
	}
}

// Depth fills d with the next book snapshot. Bid levels descend from one
// tick below the mid, ask levels ascend from one tick above it.
func (g *Generator) Depth(exchangeMs int64, d *record.Depth) {
	inst := g.pick()
	g.step(inst)

	*d = record.Depth{}
	g.header(&d.Header, inst, exchangeMs)
	for i := 0; i < record.DepthLevels; i++ {
		off := inst.tick.Mul(decimal.NewFromInt(int64(i + 1)))
		bid := inst.mid.Sub(off)
		if !bid.IsPositive() {
			bid = inst.tick
		}
		d.Bids[i] = record.Level{Price: bid.InexactFloat64(), Qty: g.qty(inst)}
		d.Asks[i] = record.Level{Price: inst.mid.Add(off).InexactFloat64(), Qty: g.qty(inst)}
	}
}

// Trade fills t with the next execution at the mid price.
func (g *Generator) Trade(exchangeMs int64, t *record.Trade) {
	inst := g.pick()
	g.step(inst)

	*t = record.Trade{}
	g.header(&t.Header, inst, exchangeMs)
	t.Price = inst.mid.InexactFloat64()
	t.Volume = g.qty(inst)
	t.Side = record.Buy
	if g.rng.IntN(2) == 1 {
		t.Side = record.Sell
	}
}

// Probe fills rec with the next latency probe. The data id advances on
// every probe and the total id on every NextCycle. The text is "hello"
// followed by the data id.
func (g *Generator) Probe(exchangeMs int64, rec *record.Generic) {
	inst := g.insts[0]
	g.dataID++

	*rec = record.Generic{}
	g.header(&rec.Header, inst, exchangeMs)
	rec.Num1 = float64(g.rng.Int32()) / 10000
	rec.Num2 = float64(g.rng.Int32()) / 10000
	rec.TotalID = g.totalID
	rec.DataID = g.dataID

	g.text = strconv.AppendUint(append(g.text[:0], "hello"...), g.dataID, 10)
	_ = rec.SetData(g.text)
}

// NextCycle starts a new send cycle.
func (g *Generator) NextCycle() { g.totalID++ }

// Sequence returns the current total id and the last data id.
func (g *Generator) Sequence() (totalID, dataID uint64) {
	return g.totalID, g.dataID
}
