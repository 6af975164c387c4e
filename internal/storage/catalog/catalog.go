// Package catalog keeps a SQLite index of the day files written by the
// storage engines: one row per file, accumulating rows and bytes across
// every open-to-close session, plus archive status.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/xtxerr/feedrec/internal/storage/engine"
)

// Segment is one day file.
type Segment struct {
	ID           uint   `gorm:"primaryKey"`
	Path         string `gorm:"uniqueIndex;not null"`
	Exchange     string `gorm:"index:idx_segment_stream"`
	RecordType   string `gorm:"index:idx_segment_stream"`
	Instrument   string `gorm:"index:idx_segment_stream"`
	Day          string `gorm:"index"`
	RowCount     int64
	ByteCount    int64
	OpenCount    int
	RunID        string
	FirstOpened  time.Time
	LastClosed   time.Time
	LastReason   string
	ArchivedPath string
	ArchivedAt   *time.Time
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Exchange   string
	RecordType string
	Instrument string
	Day        string
	Unarchived bool
}

// Catalog is a gorm-backed segment index. It is safe for concurrent use.
type Catalog struct {
	db *gorm.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}

	if err := db.AutoMigrate(&Segment{}); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Record adds one closed file session.
func (c *Catalog) Record(seg engine.Segment, runID string) error {
	row := Segment{
		Path:        seg.Path,
		Exchange:    seg.Key.Exchange.String(),
		RecordType:  seg.Key.Kind.Dir(),
		Instrument:  seg.Key.Instrument.String(),
		Day:         seg.Key.Date.String(),
		RowCount:    seg.Rows,
		ByteCount:   seg.Bytes,
		OpenCount:   1,
		RunID:       runID,
		FirstOpened: seg.OpenedAt,
		LastClosed:  seg.ClosedAt,
		LastReason:  string(seg.Reason),
	}

	err := c.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "path"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"row_count":   gorm.Expr("row_count + ?", seg.Rows),
			"byte_count":  gorm.Expr("byte_count + ?", seg.Bytes),
			"open_count":  gorm.Expr("open_count + 1"),
			"run_id":      runID,
			"last_closed": seg.ClosedAt,
			"last_reason": string(seg.Reason),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record segment %s: %w", seg.Path, err)
	}
	return nil
}

// MarkArchived records the archive location of a day file.
func (c *Catalog) MarkArchived(path, archivedPath string, at time.Time) error {
	res := c.db.Model(&Segment{}).
		Where("path = ?", path).
		Updates(map[string]interface{}{
			"archived_path": archivedPath,
			"archived_at":   at,
		})
	if res.Error != nil {
		return fmt.Errorf("mark archived %s: %w", path, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark archived %s: %w", path, gorm.ErrRecordNotFound)
	}
	return nil
}

// Get returns the segment for path.
func (c *Catalog) Get(path string) (*Segment, error) {
	var seg Segment
	if err := c.db.First(&seg, "path = ?", path).Error; err != nil {
		return nil, err
	}
	return &seg, nil
}

// List returns segments matching f ordered by stream and day.
func (c *Catalog) List(f Filter) ([]Segment, error) {
	q := c.db.Model(&Segment{})
	if f.Exchange != "" {
		q = q.Where("exchange = ?", f.Exchange)
	}
	if f.RecordType != "" {
		q = q.Where("record_type = ?", f.RecordType)
	}
	if f.Instrument != "" {
		q = q.Where("instrument = ?", f.Instrument)
	}
	if f.Day != "" {
		q = q.Where("day = ?", f.Day)
	}
	if f.Unarchived {
		q = q.Where("archived_at IS NULL")
	}

	var segs []Segment
	err := q.Order("exchange, record_type, instrument, day").Find(&segs).Error
	return segs, err
}

// Close closes the database.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
