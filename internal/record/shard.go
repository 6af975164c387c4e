package record

import (
	"bytes"
	"cmp"
	"path/filepath"
	"time"
)

// Date is a calendar day counted from 1970-01-01.
type Date int32

const msPerDay = 24 * 60 * 60 * 1000

// DateOf returns the trading day of an exchange timestamp in milliseconds.
// A nil or UTC location takes the integer fast path.
func DateOf(exchangeTsMs int64, loc *time.Location) Date {
	if loc == nil || loc == time.UTC {
		days := exchangeTsMs / msPerDay
		if exchangeTsMs%msPerDay < 0 {
			days--
		}
		return Date(days)
	}
	t := time.UnixMilli(exchangeTsMs).In(loc)
	return DateFromTime(t)
}

// DateFromTime returns the calendar day of t in t's location.
func DateFromTime(t time.Time) Date {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return Date(midnight.Unix() / (msPerDay / 1000))
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return 0, err
	}
	return DateFromTime(t), nil
}

// Time returns midnight UTC of d.
func (d Date) Time() time.Time {
	return time.Unix(int64(d)*(msPerDay/1000), 0).UTC()
}

// String formats d as YYYY-MM-DD.
func (d Date) String() string {
	return d.Time().Format(time.DateOnly)
}

// ShardKey selects one output file. It is comparable, so it can key maps
// directly, and Compare gives a total order.
type ShardKey struct {
	Exchange   Exchange
	Kind       Kind
	Instrument Symbol
	Date       Date
}

// Stream returns the key with the date cleared. A stream is the sequence
// of day files of one (exchange, kind, instrument).
func (k ShardKey) Stream() ShardKey {
	k.Date = 0
	return k
}

// Compare orders keys by exchange, kind, instrument, then date.
func (k ShardKey) Compare(o ShardKey) int {
	if c := cmp.Compare(k.Exchange, o.Exchange); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Kind, o.Kind); c != 0 {
		return c
	}
	if c := bytes.Compare(k.Instrument[:], o.Instrument[:]); c != 0 {
		return c
	}
	return cmp.Compare(k.Date, o.Date)
}

// RelPath returns exchange/kind/instrument/date.ext.
func (k ShardKey) RelPath(ext string) string {
	return filepath.Join(
		k.Exchange.String(),
		k.Kind.Dir(),
		k.Instrument.String(),
		k.Date.String()+"."+ext,
	)
}

// Path returns the day file under root.
func (k ShardKey) Path(root, ext string) string {
	return filepath.Join(root, k.RelPath(ext))
}

// String is for logs.
func (k ShardKey) String() string {
	return k.Exchange.String() + "/" + k.Kind.Dir() + "/" + k.Instrument.String() + "/" + k.Date.String()
}

// KeyOf derives the shard key of a record from its header.
func KeyOf(kind Kind, h *Header, loc *time.Location) ShardKey {
	return ShardKey{
		Exchange:   h.Exchange,
		Kind:       kind,
		Instrument: h.Instrument,
		Date:       DateOf(h.ExchangeTs, loc),
	}
}
