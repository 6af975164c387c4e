package codec

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/record"
)

// Codec converts between a record kind and its payload bytes.
// Decode overwrites every field of dst except ReceiveTs, which is stamped
// by the receiver.
type Codec[T any] interface {
	Decode(payload []byte, dst *T) error
	Append(dst []byte, src *T) []byte
}

// Field numbers. 1-3 are shared by every kind.
const (
	fieldExchangeTs protowire.Number = 1
	fieldInstrument protowire.Number = 2
	fieldExchange   protowire.Number = 3

	fieldDepthBids protowire.Number = 4
	fieldDepthAsks protowire.Number = 5

	fieldTradePrice  protowire.Number = 4
	fieldTradeVolume protowire.Number = 5
	fieldTradeSide   protowire.Number = 6

	fieldGenericNum1    protowire.Number = 4
	fieldGenericNum2    protowire.Number = 5
	fieldGenericTotalID protowire.Number = 6
	fieldGenericDataID  protowire.Number = 7
	fieldGenericData    protowire.Number = 8
)

// levelSize is one packed (price, qty) pair.
const levelSize = 16

var (
	_ Codec[record.Depth]   = DepthCodec{}
	_ Codec[record.Trade]   = TradeCodec{}
	_ Codec[record.Generic] = GenericCodec{}
)

// =============================================================================
// Depth
// =============================================================================

// DepthCodec encodes record.Depth. Each side is a packed repeated double
// of interleaved price and quantity, best level first.
type DepthCodec struct{}

// Decode implements Codec.
func (DepthCodec) Decode(b []byte, d *record.Depth) error {
	*d = record.Depth{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]

		if m, ok, err := decodeHeaderField(&d.Header, num, typ, b); ok {
			if err != nil {
				return err
			}
			b = b[m:]
			continue
		}

		var m int
		var err error
		switch num {
		case fieldDepthBids:
			m, err = decodeLevels(typ, b, &d.Bids)
		case fieldDepthAsks:
			m, err = decodeLevels(typ, b, &d.Asks)
		default:
			m, err = skipField(num, typ, b)
		}
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return checkHeader(&d.Header)
}

// Append implements Codec.
func (DepthCodec) Append(dst []byte, d *record.Depth) []byte {
	dst = appendHeader(dst, &d.Header)
	dst = appendLevels(dst, fieldDepthBids, &d.Bids)
	return appendLevels(dst, fieldDepthAsks, &d.Asks)
}

func decodeLevels(typ protowire.Type, b []byte, levels *[record.DepthLevels]record.Level) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	if len(v)%levelSize != 0 || len(v) > levelSize*record.DepthLevels {
		return 0, errors.Wrapf(errors.ErrMalformed, "depth side of %d bytes", len(v))
	}
	for i := 0; len(v) > 0; i++ {
		price, _ := protowire.ConsumeFixed64(v)
		qty, _ := protowire.ConsumeFixed64(v[8:])
		levels[i] = record.Level{Price: math.Float64frombits(price), Qty: math.Float64frombits(qty)}
		v = v[levelSize:]
	}
	return n, nil
}

func appendLevels(dst []byte, num protowire.Number, levels *[record.DepthLevels]record.Level) []byte {
	dst = protowire.AppendTag(dst, num, protowire.BytesType)
	dst = protowire.AppendVarint(dst, uint64(len(levels)*levelSize))
	for i := range levels {
		dst = protowire.AppendFixed64(dst, math.Float64bits(levels[i].Price))
		dst = protowire.AppendFixed64(dst, math.Float64bits(levels[i].Qty))
	}
	return dst
}

// =============================================================================
// Trade
// =============================================================================

// TradeCodec encodes record.Trade.
type TradeCodec struct{}

// Decode implements Codec. The side field is required: a zero side is
// not a valid trade and is never omitted by Append.
func (TradeCodec) Decode(b []byte, t *record.Trade) error {
	*t = record.Trade{}
	sawSide := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]

		if m, ok, err := decodeHeaderField(&t.Header, num, typ, b); ok {
			if err != nil {
				return err
			}
			b = b[m:]
			continue
		}

		var m int
		var err error
		switch num {
		case fieldTradePrice:
			t.Price, m, err = consumeDouble(typ, b)
		case fieldTradeVolume:
			t.Volume, m, err = consumeDouble(typ, b)
		case fieldTradeSide:
			var v uint64
			v, m, err = consumeVarint(typ, b)
			t.Side = record.Side(v)
			sawSide = true
			if err == nil && t.Side != record.Buy && t.Side != record.Sell {
				err = errors.Wrapf(errors.ErrMalformed, "trade side %d", v)
			}
		default:
			m, err = skipField(num, typ, b)
		}
		if err != nil {
			return err
		}
		b = b[m:]
	}
	if err := checkHeader(&t.Header); err != nil {
		return err
	}
	if !sawSide {
		return errors.Wrapf(errors.ErrMalformed, "trade side missing")
	}
	return nil
}

// Append implements Codec.
func (TradeCodec) Append(dst []byte, t *record.Trade) []byte {
	dst = appendHeader(dst, &t.Header)
	dst = appendDouble(dst, fieldTradePrice, t.Price)
	dst = appendDouble(dst, fieldTradeVolume, t.Volume)
	dst = protowire.AppendTag(dst, fieldTradeSide, protowire.VarintType)
	return protowire.AppendVarint(dst, uint64(t.Side))
}

// =============================================================================
// Generic
// =============================================================================

// GenericCodec encodes record.Generic.
type GenericCodec struct{}

// Decode implements Codec.
func (GenericCodec) Decode(b []byte, g *record.Generic) error {
	*g = record.Generic{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]

		if m, ok, err := decodeHeaderField(&g.Header, num, typ, b); ok {
			if err != nil {
				return err
			}
			b = b[m:]
			continue
		}

		var m int
		var err error
		switch num {
		case fieldGenericNum1:
			g.Num1, m, err = consumeDouble(typ, b)
		case fieldGenericNum2:
			g.Num2, m, err = consumeDouble(typ, b)
		case fieldGenericTotalID:
			g.TotalID, m, err = consumeVarint(typ, b)
		case fieldGenericDataID:
			g.DataID, m, err = consumeVarint(typ, b)
		case fieldGenericData:
			var v []byte
			v, m, err = consumeBytes(typ, b)
			if err == nil {
				err = g.SetData(v)
			}
		default:
			m, err = skipField(num, typ, b)
		}
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return checkHeader(&g.Header)
}

// Append implements Codec.
func (GenericCodec) Append(dst []byte, g *record.Generic) []byte {
	dst = appendHeader(dst, &g.Header)
	dst = appendDouble(dst, fieldGenericNum1, g.Num1)
	dst = appendDouble(dst, fieldGenericNum2, g.Num2)
	dst = protowire.AppendTag(dst, fieldGenericTotalID, protowire.VarintType)
	dst = protowire.AppendVarint(dst, g.TotalID)
	dst = protowire.AppendTag(dst, fieldGenericDataID, protowire.VarintType)
	dst = protowire.AppendVarint(dst, g.DataID)
	if g.DataLen > 0 {
		dst = protowire.AppendTag(dst, fieldGenericData, protowire.BytesType)
		dst = protowire.AppendBytes(dst, g.Text())
	}
	return dst
}

// =============================================================================
// Shared fields
// =============================================================================

// decodeHeaderField decodes fields 1-3. ok is false for any other field.
func decodeHeaderField(h *record.Header, num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
	switch num {
	case fieldExchangeTs:
		v, n, err := consumeVarint(typ, b)
		h.ExchangeTs = int64(v)
		return n, true, err
	case fieldInstrument:
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, true, err
		}
		sym, err := record.SymbolFromBytes(v)
		h.Instrument = sym
		return n, true, err
	case fieldExchange:
		v, n, err := consumeVarint(typ, b)
		h.Exchange = record.Exchange(v)
		if err == nil && (v > math.MaxUint8 || !h.Exchange.Valid()) {
			err = errors.Wrapf(errors.ErrUnknownExchange, "code %d", v)
		}
		return n, true, err
	}
	return 0, false, nil
}

func checkHeader(h *record.Header) error {
	if h.Instrument.IsZero() {
		return errors.ErrMissingInstrument
	}
	if !h.Exchange.Valid() {
		return errors.Wrapf(errors.ErrUnknownExchange, "code %d", h.Exchange)
	}
	return nil
}

func appendHeader(dst []byte, h *record.Header) []byte {
	dst = protowire.AppendTag(dst, fieldExchangeTs, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(h.ExchangeTs))
	dst = protowire.AppendTag(dst, fieldInstrument, protowire.BytesType)
	dst = protowire.AppendBytes(dst, h.Instrument.Bytes())
	dst = protowire.AppendTag(dst, fieldExchange, protowire.VarintType)
	return protowire.AppendVarint(dst, uint64(h.Exchange))
}

func appendDouble(dst []byte, num protowire.Number, v float64) []byte {
	dst = protowire.AppendTag(dst, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(dst, math.Float64bits(v))
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wireTypeError(typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, parseError(n)
	}
	return v, n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, wireTypeError(typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, parseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wireTypeError(typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, parseError(n)
	}
	return v, n, nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, parseError(n)
	}
	return n, nil
}

func parseError(n int) error {
	return errors.Mark(errors.ErrMalformed, protowire.ParseError(n))
}

func wireTypeError(typ protowire.Type) error {
	return errors.Wrapf(errors.ErrMalformed, "unexpected wire type %d", typ)
}
