// Package record defines the market records the recorder stores.
//
// Records form a closed set of kinds identified by their wire tag. Each kind
// is a fixed-layout struct that embeds Header first, so the CSV row order
// (header fields, then payload) matches the in-memory layout.
package record

import (
	"fmt"
	"strings"

	"github.com/xtxerr/feedrec/internal/errors"
)

// =============================================================================
// Kind
// =============================================================================

// Kind identifies a record type. Its numeric value is the wire tag.
type Kind uint16

const (
	KindDepth   Kind = 1
	KindTrade   Kind = 2
	KindGeneric Kind = 3
)

// Kinds lists every known kind in tag order.
var Kinds = []Kind{KindDepth, KindTrade, KindGeneric}

// Tag returns the wire tag of k.
func (k Kind) Tag() uint16 { return uint16(k) }

// String returns the config name of k.
func (k Kind) String() string {
	switch k {
	case KindDepth:
		return "depth"
	case KindTrade:
		return "trade"
	case KindGeneric:
		return "generic"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Dir returns the storage directory name of k.
func (k Kind) Dir() string {
	switch k {
	case KindDepth:
		return "depth5"
	case KindTrade:
		return "trades"
	case KindGeneric:
		return "generic"
	default:
		return fmt.Sprintf("kind%d", uint16(k))
	}
}

// ParseKind accepts a config name, a directory name or a numeric tag.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "depth", "depth5", "1":
		return KindDepth, nil
	case "trade", "trades", "2":
		return KindTrade, nil
	case "generic", "3":
		return KindGeneric, nil
	}
	return 0, errors.NewInvalidValue("record type", s, "unknown")
}

// =============================================================================
// Exchange and Side
// =============================================================================

// Exchange identifies the venue a record came from.
type Exchange uint8

const (
	ExchangeUnknown Exchange = iota
	BinanceFuture
	OKXFuture
	BitgetFuture
)

var exchangeNames = [...]string{
	ExchangeUnknown: "unknown",
	BinanceFuture:   "binance-f",
	OKXFuture:       "okx-f",
	BitgetFuture:    "bitget-f",
}

// String returns the storage name of e.
func (e Exchange) String() string {
	if int(e) < len(exchangeNames) {
		return exchangeNames[e]
	}
	return fmt.Sprintf("exchange%d", uint8(e))
}

// Valid reports whether e is a known venue.
func (e Exchange) Valid() bool {
	return e > ExchangeUnknown && int(e) < len(exchangeNames)
}

// ParseExchange maps a storage name to an Exchange.
func ParseExchange(s string) (Exchange, error) {
	for i, name := range exchangeNames {
		if i > 0 && name == s {
			return Exchange(i), nil
		}
	}
	return ExchangeUnknown, errors.Wrapf(errors.ErrUnknownExchange, "%q", s)
}

// Side is the aggressor side of a trade.
type Side uint8

const (
	SideUnknown Side = iota
	Buy
	Sell
)

// String returns "buy", "sell" or "unknown".
func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide maps "buy" or "sell" to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return SideUnknown, errors.Wrapf(errors.ErrMalformed, "side %q", s)
}

// =============================================================================
// Symbol
// =============================================================================

// SymbolSize is the fixed instrument identifier width.
const SymbolSize = 16

// Symbol is a zero-padded instrument identifier. It is comparable and
// hashable, so it keys maps without building strings.
type Symbol [SymbolSize]byte

// NewSymbol copies s into a Symbol.
func NewSymbol(s string) (Symbol, error) {
	return SymbolFromBytes([]byte(s))
}

// MustSymbol is NewSymbol for literals; it panics on invalid input.
func MustSymbol(s string) Symbol {
	sym, err := NewSymbol(s)
	if err != nil {
		panic(err)
	}
	return sym
}

// SymbolFromBytes copies b into a Symbol without allocating.
func SymbolFromBytes(b []byte) (Symbol, error) {
	var sym Symbol
	if len(b) == 0 {
		return sym, errors.ErrMissingInstrument
	}
	if len(b) > SymbolSize {
		return sym, errors.Wrapf(errors.ErrInstrumentTooLong, "%d bytes", len(b))
	}
	copy(sym[:], b)
	return sym, nil
}

// Len returns the identifier length without padding.
func (s Symbol) Len() int {
	for i, c := range s {
		if c == 0 {
			return i
		}
	}
	return SymbolSize
}

// Bytes returns the identifier without padding.
func (s *Symbol) Bytes() []byte {
	return s[:s.Len()]
}

// String returns the identifier without padding.
func (s Symbol) String() string {
	return string(s[:s.Len()])
}

// IsZero reports whether s is empty.
func (s Symbol) IsZero() bool {
	return s[0] == 0
}

// =============================================================================
// Records
// =============================================================================

// Header carries the fields shared by every record kind.
type Header struct {
	// ExchangeTs is the venue timestamp in milliseconds since the epoch.
	// It selects the trading day.
	ExchangeTs int64

	// ReceiveTs is the calibrated clock reading at datagram arrival, in
	// nanoseconds since the epoch.
	ReceiveTs int64

	Instrument Symbol
	Exchange   Exchange
}

// Head returns h. Records embed Header, so this gives generic code access
// to the shared fields.
func (h *Header) Head() *Header { return h }

// Stamp sets the receive timestamp.
func (h *Header) Stamp(ns int64) { h.ReceiveTs = ns }

// DepthLevels is the number of price levels per side.
const DepthLevels = 5

// Level is one order-book price level.
type Level struct {
	Price float64
	Qty   float64
}

// Depth is a top-of-book snapshot.
type Depth struct {
	Header
	Bids [DepthLevels]Level
	Asks [DepthLevels]Level
}

// Trade is a single execution.
type Trade struct {
	Header
	Price  float64
	Volume float64
	Side   Side
}

// GenericDataSize is the maximum payload text of a Generic record.
const GenericDataSize = 64

// Generic is a probe or free-form numeric record.
type Generic struct {
	Header
	Num1    float64
	Num2    float64
	TotalID uint64
	DataID  uint64
	DataLen uint8
	Data    [GenericDataSize]byte
}

// SetData copies b into the record's text payload.
func (g *Generic) SetData(b []byte) error {
	if len(b) > GenericDataSize {
		return errors.Wrapf(errors.ErrMalformed, "generic data %d bytes", len(b))
	}
	g.DataLen = uint8(copy(g.Data[:], b))
	return nil
}

// Text returns the text payload.
func (g *Generic) Text() []byte {
	return g.Data[:g.DataLen]
}

// Record is implemented by pointers to every record kind.
type Record interface {
	Head() *Header
	Stamp(ns int64)
}

var (
	_ Record = (*Depth)(nil)
	_ Record = (*Trade)(nil)
	_ Record = (*Generic)(nil)
)
