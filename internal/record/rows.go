package record

import (
	"bytes"
	"strconv"

	"github.com/xtxerr/feedrec/internal/errors"
)

// CSV rows list the header fields (exchange_ts, receive_ts, instrument,
// exchange) followed by the payload in struct order. Appenders never
// allocate once dst has grown to its working size.

// AppendDepthCSV appends one newline-terminated row for d.
func AppendDepthCSV(dst []byte, d *Depth) []byte {
	dst = appendHeader(dst, &d.Header)
	for i := range d.Bids {
		dst = appendFloat(dst, d.Bids[i].Price)
		dst = appendFloat(dst, d.Bids[i].Qty)
	}
	for i := range d.Asks {
		dst = appendFloat(dst, d.Asks[i].Price)
		dst = appendFloat(dst, d.Asks[i].Qty)
	}
	return append(dst, '\n')
}

// AppendTradeCSV appends one newline-terminated row for t.
func AppendTradeCSV(dst []byte, t *Trade) []byte {
	dst = appendHeader(dst, &t.Header)
	dst = appendFloat(dst, t.Price)
	dst = appendFloat(dst, t.Volume)
	dst = append(dst, ',')
	dst = append(dst, t.Side.String()...)
	return append(dst, '\n')
}

// AppendGenericCSV appends one newline-terminated row for g.
func AppendGenericCSV(dst []byte, g *Generic) []byte {
	dst = appendHeader(dst, &g.Header)
	dst = appendFloat(dst, g.Num1)
	dst = appendFloat(dst, g.Num2)
	dst = append(dst, ',')
	dst = strconv.AppendUint(dst, g.TotalID, 10)
	dst = append(dst, ',')
	dst = strconv.AppendUint(dst, g.DataID, 10)
	dst = append(dst, ',')
	dst = appendText(dst, g.Text())
	return append(dst, '\n')
}

func appendHeader(dst []byte, h *Header) []byte {
	dst = strconv.AppendInt(dst, h.ExchangeTs, 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, h.ReceiveTs, 10)
	dst = append(dst, ',')
	dst = appendText(dst, h.Instrument.Bytes())
	dst = append(dst, ',')
	return append(dst, h.Exchange.String()...)
}

// appendFloat writes ",v" with the shortest round-trip representation.
func appendFloat(dst []byte, v float64) []byte {
	dst = append(dst, ',')
	return strconv.AppendFloat(dst, v, 'f', -1, 64)
}

// appendText quotes b per RFC 4180 when it contains a separator, quote or
// line break.
func appendText(dst, b []byte) []byte {
	if bytes.IndexAny(b, ",\"\r\n") < 0 {
		return append(dst, b...)
	}
	dst = append(dst, '"')
	for _, c := range b {
		if c == '"' {
			dst = append(dst, '"')
		}
		dst = append(dst, c)
	}
	return append(dst, '"')
}

// =============================================================================
// Row parsing
// =============================================================================

// Field counts per row.
const (
	headerFields  = 4
	DepthFields   = headerFields + 4*DepthLevels
	TradeFields   = headerFields + 3
	GenericFields = headerFields + 5
)

// ParseDepthCSV fills d from the fields of one row.
func ParseDepthCSV(fields []string, d *Depth) error {
	if len(fields) != DepthFields {
		return fieldCountError(len(fields), DepthFields)
	}
	if err := parseHeader(fields, &d.Header); err != nil {
		return err
	}
	p := &parser{fields: fields, pos: headerFields}
	for i := range d.Bids {
		d.Bids[i].Price = p.float()
		d.Bids[i].Qty = p.float()
	}
	for i := range d.Asks {
		d.Asks[i].Price = p.float()
		d.Asks[i].Qty = p.float()
	}
	return p.err
}

// ParseTradeCSV fills t from the fields of one row.
func ParseTradeCSV(fields []string, t *Trade) error {
	if len(fields) != TradeFields {
		return fieldCountError(len(fields), TradeFields)
	}
	if err := parseHeader(fields, &t.Header); err != nil {
		return err
	}
	p := &parser{fields: fields, pos: headerFields}
	t.Price = p.float()
	t.Volume = p.float()
	if p.err != nil {
		return p.err
	}
	side, err := ParseSide(fields[p.pos])
	t.Side = side
	return err
}

// ParseGenericCSV fills g from the fields of one row.
func ParseGenericCSV(fields []string, g *Generic) error {
	if len(fields) != GenericFields {
		return fieldCountError(len(fields), GenericFields)
	}
	if err := parseHeader(fields, &g.Header); err != nil {
		return err
	}
	p := &parser{fields: fields, pos: headerFields}
	g.Num1 = p.float()
	g.Num2 = p.float()
	g.TotalID = p.uint()
	g.DataID = p.uint()
	if p.err != nil {
		return p.err
	}
	return g.SetData([]byte(fields[p.pos]))
}

func parseHeader(fields []string, h *Header) error {
	p := &parser{fields: fields}
	h.ExchangeTs = p.int()
	h.ReceiveTs = p.int()
	if p.err != nil {
		return p.err
	}
	sym, err := NewSymbol(fields[2])
	if err != nil {
		return err
	}
	h.Instrument = sym
	ex, err := ParseExchange(fields[3])
	if err != nil {
		return err
	}
	h.Exchange = ex
	return nil
}

func fieldCountError(got, want int) error {
	return errors.Wrapf(errors.ErrMalformed, "row has %d fields, want %d", got, want)
}

// parser reads consecutive fields and keeps the first error.
type parser struct {
	fields []string
	pos    int
	err    error
}

func (p *parser) next() string {
	s := p.fields[p.pos]
	p.pos++
	return s
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = errors.Mark(errors.ErrMalformed, err)
	}
}

func (p *parser) int() int64 {
	v, err := strconv.ParseInt(p.next(), 10, 64)
	if err != nil {
		p.fail(err)
	}
	return v
}

func (p *parser) uint() uint64 {
	v, err := strconv.ParseUint(p.next(), 10, 64)
	if err != nil {
		p.fail(err)
	}
	return v
}

func (p *parser) float() float64 {
	v, err := strconv.ParseFloat(p.next(), 64)
	if err != nil {
		p.fail(err)
	}
	return v
}
