package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/feedrec/internal/record"
	"github.com/xtxerr/feedrec/internal/storage/engine"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "meta", "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func segment(instrument, day string, rows int64, reason engine.CloseReason) engine.Segment {
	d, _ := record.ParseDate(day)
	key := record.ShardKey{
		Exchange:   record.BinanceFuture,
		Kind:       record.KindDepth,
		Instrument: record.MustSymbol(instrument),
		Date:       d,
	}
	now := time.Now()
	return engine.Segment{
		Key:      key,
		Path:     key.Path("/data", "csv"),
		Rows:     rows,
		Bytes:    rows * 100,
		OpenedAt: now.Add(-time.Minute),
		ClosedAt: now,
		Reason:   reason,
	}
}

func TestCatalog_RecordAccumulates(t *testing.T) {
	c := openTestCatalog(t)

	seg := segment("BTC-USDT", "2021-01-01", 10, engine.CloseShutdown)
	if err := c.Record(seg, "run-1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	seg.Rows, seg.Bytes, seg.Reason = 5, 500, engine.CloseRollover
	if err := c.Record(seg, "run-2"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := c.Get(seg.Path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RowCount != 15 || got.ByteCount != 1500 || got.OpenCount != 2 {
		t.Errorf("counts = rows %d bytes %d opens %d", got.RowCount, got.ByteCount, got.OpenCount)
	}
	if got.RunID != "run-2" || got.LastReason != "rollover" {
		t.Errorf("run=%s reason=%s", got.RunID, got.LastReason)
	}
	if got.Exchange != "binance-f" || got.RecordType != "depth5" || got.Day != "2021-01-01" {
		t.Errorf("key columns = %s/%s/%s", got.Exchange, got.RecordType, got.Day)
	}
}

func TestCatalog_ListAndArchive(t *testing.T) {
	c := openTestCatalog(t)

	for _, s := range []engine.Segment{
		segment("ETH-USDT", "2021-01-02", 1, engine.CloseRollover),
		segment("BTC-USDT", "2021-01-02", 1, engine.CloseRollover),
		segment("BTC-USDT", "2021-01-01", 1, engine.CloseRollover),
	} {
		if err := c.Record(s, "run"); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := c.List(Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].Instrument != "BTC-USDT" || all[0].Day != "2021-01-01" || all[2].Instrument != "ETH-USDT" {
		t.Fatalf("List order = %+v", all)
	}

	if err := c.MarkArchived(all[0].Path, "/archive/x.parquet", time.Now()); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}
	pending, err := c.List(Filter{Unarchived: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("unarchived = %d, want 2", len(pending))
	}

	btc, _ := c.List(Filter{Instrument: "BTC-USDT", Day: "2021-01-02"})
	if len(btc) != 1 {
		t.Fatalf("filtered = %d, want 1", len(btc))
	}

	if err := c.MarkArchived("/nope", "x", time.Now()); err == nil {
		t.Fatal("MarkArchived on unknown path should fail")
	}
}
