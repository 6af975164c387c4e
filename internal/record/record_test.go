package record

import (
	"encoding/csv"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/feedrec/internal/errors"
)

func TestSymbol(t *testing.T) {
	sym, err := NewSymbol("BTC-USDT")
	if err != nil {
		t.Fatalf("NewSymbol: %v", err)
	}
	if sym.String() != "BTC-USDT" || sym.Len() != 8 {
		t.Errorf("got %q len %d", sym.String(), sym.Len())
	}

	if _, err := NewSymbol(""); !errors.Is(err, errors.ErrMissingInstrument) {
		t.Errorf("empty symbol: %v", err)
	}
	if _, err := NewSymbol("ABCDEFGHIJKLMNOPQ"); !errors.Is(err, errors.ErrInstrumentTooLong) {
		t.Errorf("long symbol: %v", err)
	}
	full := MustSymbol("ABCDEFGHIJKLMNOP")
	if full.String() != "ABCDEFGHIJKLMNOP" {
		t.Errorf("full symbol = %q", full.String())
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{"depth": KindDepth, "depth5": KindDepth, "1": KindDepth, "Trade": KindTrade, "generic": KindGeneric}
	for in, want := range tests {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseKind("book"); !errors.IsValidation(err) {
		t.Errorf("ParseKind(book) error = %v", err)
	}
}

func TestParseExchange(t *testing.T) {
	for _, ex := range []Exchange{BinanceFuture, OKXFuture, BitgetFuture} {
		got, err := ParseExchange(ex.String())
		if err != nil || got != ex {
			t.Errorf("ParseExchange(%q) = %v, %v", ex.String(), got, err)
		}
	}
	if _, err := ParseExchange("unknown"); !errors.IsDecode(err) {
		t.Errorf("unknown exchange error = %v", err)
	}
}

func TestDateOf(t *testing.T) {
	ts := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	if got := DateOf(ts, time.UTC).String(); got != "2021-01-01" {
		t.Errorf("DateOf midnight = %s", got)
	}
	if got := DateOf(ts-1, nil).String(); got != "2020-12-31" {
		t.Errorf("DateOf one ms before = %s", got)
	}

	tokyo := time.FixedZone("JST", 9*3600)
	if got := DateOf(ts-1, tokyo).String(); got != "2021-01-01" {
		t.Errorf("DateOf in JST = %s", got)
	}

	if got := DateOf(-1, time.UTC).String(); got != "1969-12-31" {
		t.Errorf("DateOf(-1) = %s", got)
	}

	d, err := ParseDate("2021-01-01")
	if err != nil || d != DateOf(ts, nil) {
		t.Errorf("ParseDate = %v, %v", d, err)
	}
}

func TestShardKey_PathAndOrder(t *testing.T) {
	key := ShardKey{
		Exchange:   BinanceFuture,
		Kind:       KindDepth,
		Instrument: MustSymbol("BTC-USDT"),
		Date:       DateOf(time.Date(2021, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), nil),
	}

	if got := key.Path("root", "csv"); got != "root/binance-f/depth5/BTC-USDT/2021-01-01.csv" {
		t.Errorf("Path = %s", got)
	}

	keys := []ShardKey{
		{Exchange: OKXFuture, Kind: KindDepth, Instrument: MustSymbol("A"), Date: 1},
		{Exchange: BinanceFuture, Kind: KindTrade, Instrument: MustSymbol("A"), Date: 1},
		{Exchange: BinanceFuture, Kind: KindDepth, Instrument: MustSymbol("B"), Date: 1},
		{Exchange: BinanceFuture, Kind: KindDepth, Instrument: MustSymbol("A"), Date: 2},
		{Exchange: BinanceFuture, Kind: KindDepth, Instrument: MustSymbol("A"), Date: 1},
	}
	slices.SortFunc(keys, ShardKey.Compare)
	want := []string{"A/1", "A/2", "B/1"}
	for i, w := range want {
		got := keys[i].Instrument.String() + "/" + string(rune('0'+keys[i].Date))
		if got != w {
			t.Errorf("keys[%d] = %s, want %s", i, got, w)
		}
	}
	if keys[3].Kind != KindTrade || keys[4].Exchange != OKXFuture {
		t.Errorf("unexpected tail order: %+v", keys[3:])
	}

	if key.Stream() == key {
		t.Error("Stream should clear the date")
	}
}

func parseRow(t *testing.T, row []byte) []string {
	t.Helper()
	fields, err := csv.NewReader(strings.NewReader(string(row))).Read()
	if err != nil {
		t.Fatalf("csv read %q: %v", row, err)
	}
	return fields
}

func TestDepthCSV(t *testing.T) {
	d := Depth{Header: Header{ExchangeTs: 1609459200000, ReceiveTs: 1609459200000123456, Instrument: MustSymbol("BTC-USDT"), Exchange: BinanceFuture}}
	for i := range d.Bids {
		d.Bids[i] = Level{Price: 29000 - float64(i)*0.5, Qty: 1.25}
		d.Asks[i] = Level{Price: 29000.5 + float64(i)*0.5, Qty: 0.1}
	}

	row := AppendDepthCSV(nil, &d)
	if !strings.HasPrefix(string(row), "1609459200000,1609459200000123456,BTC-USDT,binance-f,29000,1.25,28999.5,1.25,") {
		t.Fatalf("unexpected row: %s", row)
	}

	var got Depth
	if err := ParseDepthCSV(parseRow(t, row), &got); err != nil {
		t.Fatalf("ParseDepthCSV: %v", err)
	}
	if got != d {
		t.Fatalf("parsed %+v, want %+v", got, d)
	}
}

func TestTradeCSV(t *testing.T) {
	tr := Trade{Header: Header{ExchangeTs: 5, ReceiveTs: 6, Instrument: MustSymbol("ETH-USDT"), Exchange: OKXFuture}, Price: 1500.1, Volume: 3, Side: Sell}

	row := AppendTradeCSV(nil, &tr)
	if string(row) != "5,6,ETH-USDT,okx-f,1500.1,3,sell\n" {
		t.Fatalf("row = %q", row)
	}

	var got Trade
	if err := ParseTradeCSV(parseRow(t, row), &got); err != nil {
		t.Fatalf("ParseTradeCSV: %v", err)
	}
	if got != tr {
		t.Fatalf("parsed %+v, want %+v", got, tr)
	}
}

func TestGenericCSV_QuotesText(t *testing.T) {
	g := Generic{Header: Header{ExchangeTs: 1, ReceiveTs: 2, Instrument: MustSymbol("PROBE"), Exchange: BitgetFuture}, Num1: 0.5, Num2: 2, TotalID: 7, DataID: 8}
	if err := g.SetData([]byte(`a,"b"`)); err != nil {
		t.Fatalf("SetData: %v", err)
	}

	row := AppendGenericCSV(nil, &g)
	if string(row) != "1,2,PROBE,bitget-f,0.5,2,7,8,\"a,\"\"b\"\"\"\n" {
		t.Fatalf("row = %q", row)
	}

	var got Generic
	if err := ParseGenericCSV(parseRow(t, row), &got); err != nil {
		t.Fatalf("ParseGenericCSV: %v", err)
	}
	if got != g {
		t.Fatalf("parsed %+v, want %+v", got, g)
	}
}

func TestParseCSV_Errors(t *testing.T) {
	var tr Trade
	if err := ParseTradeCSV([]string{"1", "2"}, &tr); !errors.IsDecode(err) {
		t.Errorf("short row: %v", err)
	}
	if err := ParseTradeCSV([]string{"x", "2", "A", "okx-f", "1", "1", "buy"}, &tr); !errors.IsDecode(err) {
		t.Errorf("bad timestamp: %v", err)
	}
	if err := ParseTradeCSV([]string{"1", "2", "A", "okx-f", "1", "1", "hold"}, &tr); !errors.IsDecode(err) {
		t.Errorf("bad side: %v", err)
	}
}
