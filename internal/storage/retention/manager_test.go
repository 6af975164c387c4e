package retention

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var now = time.Date(2021, 1, 10, 12, 0, 0, 0, time.UTC)

func touch(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newManager(t *testing.T, archived func(string) bool) (*Manager, string, string) {
	t.Helper()
	raw := filepath.Join(t.TempDir(), "data")
	arc := filepath.Join(t.TempDir(), "archive")
	m := New(Config{
		RawDir:          raw,
		RawExt:          "csv",
		RawKeepDays:     2,
		ArchiveDir:      arc,
		ArchiveKeepDays: 5,
	}, archived)
	m.now = func() time.Time { return now }
	return m, raw, arc
}

func TestManager_RemovesExpiredDays(t *testing.T) {
	m, raw, arc := newManager(t, nil)

	stream := filepath.Join(raw, "binance-f", "trades", "BTC-USDT")
	old := filepath.Join(stream, "2021-01-07.csv")
	keep := filepath.Join(stream, "2021-01-08.csv")
	today := filepath.Join(stream, "2021-01-10.csv")
	touch(t, old, 100)
	touch(t, keep, 10)
	touch(t, today, 10)
	touch(t, filepath.Join(raw, "catalog.db"), 10)
	touch(t, filepath.Join(stream, "notes.csv"), 10)

	arcOld := filepath.Join(arc, "binance-f", "trades", "BTC-USDT", "2021-01-04.parquet")
	arcKeep := filepath.Join(arc, "binance-f", "trades", "BTC-USDT", "2021-01-05.parquet")
	touch(t, arcOld, 50)
	touch(t, arcKeep, 50)

	results := m.RunCleanup()
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if r := results[0]; r.Tree != TreeRaw || r.FilesDeleted != 1 || r.BytesFreed != 100 || r.FilesSkipped != 2 {
		t.Errorf("raw result = %+v", r)
	}
	if r := results[1]; r.FilesDeleted != 1 || r.FilesSkipped != 1 {
		t.Errorf("archive result = %+v", r)
	}

	if exists(old) || exists(arcOld) {
		t.Error("expired files kept")
	}
	for _, p := range []string{keep, today, arcKeep, filepath.Join(raw, "catalog.db")} {
		if !exists(p) {
			t.Errorf("%s removed", p)
		}
	}

	st := m.Stats()
	if st.FilesDeleted != 2 || st.BytesFreed != 150 || !st.LastRunTime.Equal(now) {
		t.Errorf("stats = %+v", st)
	}
}

func TestManager_RawWaitsForArchive(t *testing.T) {
	var asked []string
	m, raw, _ := newManager(t, func(path string) bool {
		asked = append(asked, path)
		return strings.Contains(path, "okx-f")
	})

	pending := filepath.Join(raw, "binance-f", "depth5", "BTC-USDT", "2021-01-01.csv")
	done := filepath.Join(raw, "okx-f", "depth5", "BTC-USDT", "2021-01-01.csv")
	touch(t, pending, 1)
	touch(t, done, 1)

	r := m.CleanupTree(TreeRaw)
	if r.FilesDeleted != 1 || r.FilesSkipped != 1 {
		t.Fatalf("result = %+v", r)
	}
	if !exists(pending) || exists(done) {
		t.Error("archive guard not applied")
	}
	if len(asked) != 2 {
		t.Errorf("guard asked %d times", len(asked))
	}
}

func TestManager_DryRunKeepsFiles(t *testing.T) {
	m, raw, _ := newManager(t, nil)
	old := filepath.Join(raw, "bitget-f", "generic", "X", "2020-12-01.csv")
	touch(t, old, 7)

	r := m.DryRun()
	if r[0].FilesDeleted != 1 || r[0].BytesFreed != 7 {
		t.Errorf("dry run = %+v", r[0])
	}
	if !exists(old) {
		t.Error("dry run deleted a file")
	}
	if m.Stats().FilesDeleted != 0 {
		t.Error("dry run counted in stats")
	}
}

func TestManager_DisabledAndMissingTrees(t *testing.T) {
	m := New(Config{RawDir: filepath.Join(t.TempDir(), "missing"), RawExt: "csv", RawKeepDays: 1}, nil)
	for _, r := range m.RunCleanup() {
		if r.FilesDeleted != 0 || len(r.Errors) != 0 {
			t.Errorf("%s: %+v", r.Tree, r)
		}
	}
}

func TestManager_DiskUsage(t *testing.T) {
	m, raw, arc := newManager(t, nil)
	touch(t, filepath.Join(raw, "binance-f", "trades", "A", "2021-01-09.csv"), 1024)
	touch(t, filepath.Join(raw, "binance-f", "trades", "A", "2021-01-10.csv"), 1024)
	touch(t, filepath.Join(arc, "binance-f", "trades", "A", "2021-01-09.parquet"), 300)

	u := m.GetDiskUsage()
	if u[TreeRaw].FileCount != 2 || u[TreeRaw].TotalSize != 2048 || u[TreeArchive].FileCount != 1 {
		t.Fatalf("usage = %+v", u)
	}

	out := m.FormatDiskUsage()
	for _, want := range []string{"raw: 2 files, 2.00 KB", "archive: 1 files, 300 B", "Total: 3 files"} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatDiskUsage missing %q:\n%s", want, out)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.50 KB"},
		{5 << 20, "5.00 MB"},
		{3 << 30, "3.00 GB"},
		{2 << 40, "2.00 TB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
