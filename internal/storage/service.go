package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/logging"
	"github.com/xtxerr/feedrec/internal/record"
	"github.com/xtxerr/feedrec/internal/storage/archive"
	"github.com/xtxerr/feedrec/internal/storage/catalog"
	"github.com/xtxerr/feedrec/internal/storage/config"
	"github.com/xtxerr/feedrec/internal/storage/engine"
	"github.com/xtxerr/feedrec/internal/storage/retention"
)

var log = logging.Component("storage")

// Service owns one storage engine per record kind and the background
// bookkeeping for closed day files.
type Service struct {
	config *config.Config
	runID  string
	loc    *time.Location

	// Engines
	depth   *engine.Engine[record.Depth]
	trades  *engine.Engine[record.Trade]
	generic *engine.Engine[record.Generic]

	// Optional components
	catalog   *catalog.Catalog
	archiver  *archive.Archiver
	retention *retention.Manager

	// Closed-file events
	segments        chan engine.Segment
	segmentsDropped atomic.Int64

	// State
	running   atomic.Bool
	stopped   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup // segment worker
	bgWG      sync.WaitGroup // context-bound loops
	startTime time.Time
}

// New creates a storage service. runID tags catalog rows written by this
// process.
func New(ctx context.Context, cfg *config.Config, runID string) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		config:   cfg,
		runID:    runID,
		loc:      cfg.Location(),
		segments: make(chan engine.Segment, max(cfg.SegmentQueueSize, 1)),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := s.buildEngines(); err != nil {
		cancel()
		return nil, err
	}

	if cfg.Catalog.Enabled {
		cat, err := catalog.Open(cfg.CatalogPath())
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		s.catalog = cat
	}

	if cfg.Archive.Enabled {
		arc, err := s.buildArchiver(ctx)
		if err != nil {
			s.closeCatalog()
			cancel()
			return nil, fmt.Errorf("create archiver: %w", err)
		}
		s.archiver = arc
	}

	if cfg.Retention.Enabled() {
		s.retention = retention.New(retention.Config{
			RawDir:          cfg.Root,
			RawExt:          cfg.Extension,
			RawKeepDays:     cfg.Retention.RawDays,
			ArchiveDir:      archiveDir(cfg),
			ArchiveKeepDays: cfg.Retention.ArchiveDays,
			Location:        s.loc,
		}, s.removable())
	}

	return s, nil
}

func archiveDir(cfg *config.Config) string {
	if !cfg.Archive.Enabled {
		return ""
	}
	return cfg.Archive.Dir
}

// removable returns the guard for raw file removal. With the archive on,
// only files the catalog reports as archived may go; without a catalog
// that cannot be known, so none may.
func (s *Service) removable() func(path string) bool {
	if !s.config.Archive.Enabled {
		return nil
	}
	return func(path string) bool {
		if s.catalog == nil {
			return false
		}
		row, err := s.catalog.Get(path)
		return err == nil && row.ArchivedAt != nil
	}
}

func (s *Service) buildEngines() error {
	opts := engine.Options{
		Root:      s.config.Root,
		Extension: s.config.Extension,
		Capacity:  s.config.BufferCapacity,
		Late:      s.config.LatePolicy(),
		OnClose:   s.onClose,
	}
	loc := s.loc

	var err error
	s.depth, err = engine.New[record.Depth](opts,
		func(d *record.Depth) record.ShardKey { return record.KeyOf(record.KindDepth, &d.Header, loc) },
		record.AppendDepthCSV)
	if err != nil {
		return fmt.Errorf("create depth engine: %w", err)
	}

	s.trades, err = engine.New[record.Trade](opts,
		func(t *record.Trade) record.ShardKey { return record.KeyOf(record.KindTrade, &t.Header, loc) },
		record.AppendTradeCSV)
	if err != nil {
		return fmt.Errorf("create trade engine: %w", err)
	}

	s.generic, err = engine.New[record.Generic](opts,
		func(g *record.Generic) record.ShardKey { return record.KeyOf(record.KindGeneric, &g.Header, loc) },
		record.AppendGenericCSV)
	if err != nil {
		return fmt.Errorf("create generic engine: %w", err)
	}
	return nil
}

func (s *Service) buildArchiver(ctx context.Context) (*archive.Archiver, error) {
	ac := s.config.Archive

	var uploader archive.Uploader
	if ac.S3.Enabled {
		up, err := archive.NewS3Uploader(ctx, ac.S3)
		if err != nil {
			return nil, err
		}
		uploader = timeoutUploader{up: up, timeout: ac.UploadTimeout}
	}

	return archive.New(archive.Options{
		Dir:          ac.Dir,
		Compression:  ac.Compression,
		Workers:      ac.Workers,
		QueueSize:    ac.QueueSize,
		RemoveSource: ac.RemoveSource,
	}, uploader, s.onArchived)
}

// Start launches the bookkeeping goroutines and queues unarchived days
// from earlier runs.
func (s *Service) Start() error {
	if s.stopped.Load() {
		return errors.ErrStoreClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	s.startTime = time.Now()

	s.wg.Add(1)
	go s.segmentWorker()

	if s.archiver != nil {
		s.archiver.Start(s.ctx)
		if n := s.archiveBacklog(record.DateFromTime(time.Now().In(s.loc))); n > 0 {
			log.Info("queued archive backlog", "days", n)
		}
	}

	if s.retention != nil {
		s.bgWG.Add(1)
		go s.retentionLoop(s.config.Retention.Interval)
	}

	log.Info("storage started",
		"root", s.config.Root,
		"run_id", s.runID,
		"catalog", s.catalog != nil,
		"archive", s.archiver != nil,
		"retention", s.retention != nil)
	return nil
}

func (s *Service) retentionLoop(interval time.Duration) {
	defer s.bgWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.runRetention()
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) runRetention() {
	for _, r := range s.retention.RunCleanup() {
		for _, err := range r.Errors {
			log.Warn("retention cleanup", "tree", r.Tree.String(), "error", err)
		}
		if r.FilesDeleted > 0 {
			log.Info("removed expired day files",
				"tree", r.Tree.String(),
				"files", r.FilesDeleted,
				"bytes", r.BytesFreed)
		}
	}
}

// Shutdown flushes every engine, then drains the bookkeeping queues. It is
// safe to call more than once.
func (s *Service) Shutdown() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	if err := s.depth.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown depth engine: %w", err))
	}
	if err := s.trades.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown trade engine: %w", err))
	}
	if err := s.generic.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown generic engine: %w", err))
	}

	// Engines no longer emit segments once shut down.
	close(s.segments)
	if s.running.Load() {
		s.wg.Wait()
	} else {
		s.recordPending()
	}

	if s.archiver != nil {
		if err := s.archiver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archiver: %w", err))
		}
	}
	s.cancel()
	s.bgWG.Wait()

	if err := s.closeCatalog(); err != nil {
		errs = append(errs, err)
	}

	s.running.Store(false)
	log.Info("storage stopped", "segments_dropped", s.segmentsDropped.Load())
	return errors.Join(errs...)
}

func (s *Service) closeCatalog() error {
	if s.catalog == nil {
		return nil
	}
	if err := s.catalog.Close(); err != nil {
		return fmt.Errorf("close catalog: %w", err)
	}
	return nil
}

// onClose runs under an engine lock and must not block.
func (s *Service) onClose(seg engine.Segment) {
	select {
	case s.segments <- seg:
	default:
		s.segmentsDropped.Add(1)
	}
}

func (s *Service) segmentWorker() {
	defer s.wg.Done()
	for seg := range s.segments {
		s.handleSegment(seg)
	}
}

// recordPending handles segments queued before Start was ever called.
func (s *Service) recordPending() {
	for seg := range s.segments {
		s.handleSegment(seg)
	}
}

func (s *Service) handleSegment(seg engine.Segment) {
	log.Debug("day file closed",
		"path", seg.Path,
		"rows", seg.Rows,
		"bytes", seg.Bytes,
		"reason", seg.Reason)

	if s.catalog != nil {
		if err := s.catalog.Record(seg, s.runID); err != nil {
			log.Warn("catalog record failed", "path", seg.Path, "error", err)
		}
	}
	if s.archiver != nil && s.running.Load() && seg.Reason == engine.CloseRollover {
		s.archiver.Submit(seg)
	}
}

func (s *Service) onArchived(res archive.Result) {
	if s.catalog == nil {
		return
	}
	target := res.Target
	if res.ObjectKey != "" {
		target = res.ObjectKey
	}
	if err := s.catalog.MarkArchived(res.Source, target, time.Now()); err != nil {
		log.Warn("catalog archive update failed", "path", res.Source, "error", err)
	}
}

// archiveBacklog submits cataloged days before today that were never
// archived, such as days closed by a shutdown.
func (s *Service) archiveBacklog(today record.Date) int {
	if s.catalog == nil {
		return 0
	}
	rows, err := s.catalog.List(catalog.Filter{Unarchived: true})
	if err != nil {
		log.Warn("list unarchived days", "error", err)
		return 0
	}

	n := 0
	for _, row := range rows {
		seg, err := segmentFromCatalog(row)
		if err != nil {
			log.Warn("skip catalog row", "path", row.Path, "error", err)
			continue
		}
		if seg.Key.Date >= today {
			continue
		}
		if s.archiver.Submit(seg) {
			n++
		}
	}
	return n
}

func segmentFromCatalog(row catalog.Segment) (engine.Segment, error) {
	ex, err := record.ParseExchange(row.Exchange)
	if err != nil {
		return engine.Segment{}, err
	}
	kind, err := record.ParseKind(row.RecordType)
	if err != nil {
		return engine.Segment{}, err
	}
	sym, err := record.NewSymbol(row.Instrument)
	if err != nil {
		return engine.Segment{}, err
	}
	day, err := record.ParseDate(row.Day)
	if err != nil {
		return engine.Segment{}, err
	}
	return engine.Segment{
		Key:      record.ShardKey{Exchange: ex, Kind: kind, Instrument: sym, Date: day},
		Path:     row.Path,
		Rows:     row.RowCount,
		Bytes:    row.ByteCount,
		OpenedAt: row.FirstOpened,
		ClosedAt: row.LastClosed,
		Reason:   engine.CloseReason(row.LastReason),
	}, nil
}

// Depth returns the depth engine.
func (s *Service) Depth() *engine.Engine[record.Depth] { return s.depth }

// Trades returns the trade engine.
func (s *Service) Trades() *engine.Engine[record.Trade] { return s.trades }

// Generic returns the generic engine.
func (s *Service) Generic() *engine.Engine[record.Generic] { return s.generic }

// Catalog returns the day file index, or nil when disabled.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// FlushAll flushes every engine.
func (s *Service) FlushAll() error {
	return errors.Join(s.depth.FlushAll(), s.trades.FlushAll(), s.generic.FlushAll())
}

// RunID returns the run identifier written to the catalog.
func (s *Service) RunID() string { return s.runID }

// Config returns the current configuration.
func (s *Service) Config() *config.Config { return s.config }

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool { return s.running.Load() }

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	st := ServiceStats{
		Running:         s.running.Load(),
		Uptime:          uptime,
		RunID:           s.runID,
		Depth:           s.depth.Stats(),
		Trades:          s.trades.Stats(),
		Generic:         s.generic.Stats(),
		OpenFiles:       s.depth.OpenFiles() + s.trades.OpenFiles() + s.generic.OpenFiles(),
		SegmentsDropped: s.segmentsDropped.Load(),
	}
	if s.archiver != nil {
		st.Archive = s.archiver.Stats()
	}
	if s.retention != nil {
		st.Retention = s.retention.Stats()
	}
	return st
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running         bool
	Uptime          time.Duration
	RunID           string
	Depth           engine.StatsSnapshot
	Trades          engine.StatsSnapshot
	Generic         engine.StatsSnapshot
	OpenFiles       int
	SegmentsDropped int64
	Archive         archive.Stats
	Retention       retention.Stats
}

// timeoutUploader bounds each upload.
type timeoutUploader struct {
	up      archive.Uploader
	timeout time.Duration
}

func (u timeoutUploader) Upload(ctx context.Context, key, path string) error {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	return u.up.Upload(ctx, key, path)
}
