package archive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/feedrec/internal/record"
	"github.com/xtxerr/feedrec/internal/storage/engine"
	testutil "github.com/xtxerr/feedrec/internal/testing"
)

var day0 = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

func header(instrument string) record.Header {
	return record.Header{
		ExchangeTs: day0.UnixMilli(),
		ReceiveTs:  day0.UnixNano() + 42,
		Instrument: record.MustSymbol(instrument),
		Exchange:   record.BinanceFuture,
	}
}

// writeDayFile writes rows produced by the CSV encoders and returns the
// segment that would close it.
func writeDayFile(t *testing.T, root string, kind record.Kind, rows ...[]byte) engine.Segment {
	t.Helper()
	key := record.ShardKey{
		Exchange:   record.BinanceFuture,
		Kind:       kind,
		Instrument: record.MustSymbol("BTC-USDT"),
		Date:       record.DateFromTime(day0),
	}
	path := key.Path(root, "csv")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	var data []byte
	for _, r := range rows {
		data = append(data, r...)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return engine.Segment{Key: key, Path: path, Rows: int64(len(rows)), Reason: engine.CloseRollover}
}

func newArchiver(t *testing.T, up Uploader, onDone func(Result)) *Archiver {
	t.Helper()
	a, err := New(Options{Dir: filepath.Join(t.TempDir(), "archive")}, up, onDone)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestConvert_Depth(t *testing.T) {
	d := &record.Depth{Header: header("BTC-USDT")}
	for i := range d.Bids {
		d.Bids[i] = record.Level{Price: 100 - float64(i), Qty: float64(i + 1)}
		d.Asks[i] = record.Level{Price: 101 + float64(i), Qty: 0.5}
	}
	seg := writeDayFile(t, t.TempDir(), record.KindDepth,
		record.AppendDepthCSV(nil, d),
		record.AppendDepthCSV(nil, d),
	)

	a := newArchiver(t, nil, nil)
	res, err := a.Convert(context.Background(), seg)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.Rows != 2 || res.Skipped != 0 {
		t.Fatalf("rows=%d skipped=%d", res.Rows, res.Skipped)
	}
	if want := filepath.Join(a.opts.Dir, "binance-f", "depth5", "BTC-USDT", "2021-01-01.parquet"); res.Target != want {
		t.Errorf("target = %s, want %s", res.Target, want)
	}

	rows, err := parquet.ReadFile[DepthRow](res.Target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("read %d rows", len(rows))
	}
	got := rows[0]
	if got.Instrument != "BTC-USDT" || got.Exchange != "binance-f" || got.ReceiveTs != d.ReceiveTs {
		t.Errorf("header = %+v", got)
	}
	if len(got.BidPrice) != record.DepthLevels || got.BidPrice[0] != 100 || got.AskPrice[4] != 105 || got.BidQty[2] != 3 {
		t.Errorf("levels = %v %v %v", got.BidPrice, got.BidQty, got.AskPrice)
	}
	if _, err := os.Stat(res.Target + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestConvert_SkipsTornRow(t *testing.T) {
	tr := &record.Trade{Header: header("BTC-USDT"), Price: 29000.5, Volume: 0.25, Side: record.Sell}
	row := record.AppendTradeCSV(nil, tr)
	torn := append(bytes.Clone(row[:len(row)/2]), '\n')

	seg := writeDayFile(t, t.TempDir(), record.KindTrade, row, torn, row)

	a := newArchiver(t, nil, nil)
	res, err := a.Convert(context.Background(), seg)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.Rows != 2 || res.Skipped != 1 {
		t.Fatalf("rows=%d skipped=%d", res.Rows, res.Skipped)
	}

	rows, err := parquet.ReadFile[TradeRow](res.Target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if rows[1].Price != 29000.5 || rows[1].Side != "sell" {
		t.Errorf("row = %+v", rows[1])
	}
}

func TestConvert_GenericText(t *testing.T) {
	g := &record.Generic{Header: header("BTC-USDT"), Num1: 1.5, TotalID: 7, DataID: 9}
	if err := g.SetData([]byte(`probe, "quoted"`)); err != nil {
		t.Fatal(err)
	}
	seg := writeDayFile(t, t.TempDir(), record.KindGeneric, record.AppendGenericCSV(nil, g))

	a := newArchiver(t, nil, nil)
	res, err := a.Convert(context.Background(), seg)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	rows, err := parquet.ReadFile[GenericRow](res.Target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != 1 || rows[0].Data != `probe, "quoted"` || rows[0].TotalID != 7 {
		t.Errorf("rows = %+v", rows)
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]int64
	putErr  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string]int64)
	}
	f.objects[*in.Bucket+"/"+*in.Key] = *in.ContentLength
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return &s3.CreateBucketOutput{}, nil
}

func TestArchiver_WorkersUpload(t *testing.T) {
	fake := &fakeS3{}
	up := newS3UploaderWithAPI("md", "eu-west-1", "/raw/", fake)

	var mu sync.Mutex
	var done []Result
	a := newArchiver(t, up, func(r Result) {
		mu.Lock()
		done = append(done, r)
		mu.Unlock()
	})
	a.Start(context.Background())

	tr := &record.Trade{Header: header("BTC-USDT"), Price: 1, Volume: 1, Side: record.Buy}
	seg := writeDayFile(t, t.TempDir(), record.KindTrade, record.AppendTradeCSV(nil, tr))
	if !a.Submit(seg) {
		t.Fatal("Submit rejected")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(done) != 1 || done[0].ObjectKey != "binance-f/trades/BTC-USDT/2021-01-01.parquet" {
		t.Fatalf("done = %+v", done)
	}
	if _, ok := fake.objects["md/raw/binance-f/trades/BTC-USDT/2021-01-01.parquet"]; !ok {
		t.Errorf("objects = %v", fake.objects)
	}
	if s := a.Stats(); s.Converted != 1 || s.Uploaded != 1 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}

	if a.Submit(seg) {
		t.Error("Submit after Close accepted")
	}
}

func TestArchiver_UploadFailureCounted(t *testing.T) {
	up := newS3UploaderWithAPI("md", "eu-west-1", "", &fakeS3{putErr: errors.New("boom")})
	a := newArchiver(t, up, nil)
	a.Start(context.Background())

	tr := &record.Trade{Header: header("BTC-USDT"), Price: 1, Volume: 1, Side: record.Buy}
	a.Submit(writeDayFile(t, t.TempDir(), record.KindTrade, record.AppendTradeCSV(nil, tr)))

	err := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		return a.Stats().Failed == 1
	})
	if err != nil {
		t.Fatal(err)
	}
	a.Close()
}

func TestNew_RejectsUnknownCompression(t *testing.T) {
	if _, err := New(Options{Dir: "x", Compression: "brotli9"}, nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := New(Options{}, nil, nil); err == nil {
		t.Fatal("expected missing dir error")
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("", "a/b"); got != "a/b" {
		t.Errorf("got %s", got)
	}
	if got := ObjectKey("/p/q/", "a/b"); got != "p/q/a/b" {
		t.Errorf("got %s", got)
	}
}
