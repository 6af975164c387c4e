// Package engine implements the sharded, buffered day-file writer.
//
// An Engine stores one record kind. Records are grouped into streams
// (exchange, kind, instrument); each stream has one buffer and at most one
// open file, the file of the stream's current trading day. A record whose
// day differs from the stream's current day flushes and closes the current
// file before it is buffered. A full buffer is flushed immediately as one
// contiguous append.
//
// Write is meant to be called from a single goroutine per Engine. The
// mutex only serializes Shutdown, Flush and the stats readers against it.
package engine

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/feedrec/config"
	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/logging"
	"github.com/xtxerr/feedrec/internal/record"
)

var log = logging.Component("engine")

// ShardFunc derives the shard key of a record.
type ShardFunc[T any] func(rec *T) record.ShardKey

// EncodeFunc appends one encoded row for rec to dst.
type EncodeFunc[T any] func(dst []byte, rec *T) []byte

// LatePolicy decides what happens to a record dated before its stream's
// current day.
type LatePolicy int

const (
	// LateReopen flushes and closes the current day and appends the record
	// to the earlier day's file.
	LateReopen LatePolicy = iota

	// LateDrop rejects the record with ErrLateRecord.
	LateDrop
)

// ParseLatePolicy maps "reopen" or "drop" to a LatePolicy.
func ParseLatePolicy(s string) (LatePolicy, error) {
	switch s {
	case "", "reopen":
		return LateReopen, nil
	case "drop":
		return LateDrop, nil
	}
	return LateReopen, errors.NewInvalidValue("late_records", s, `must be "reopen" or "drop"`)
}

// String returns the config name of p.
func (p LatePolicy) String() string {
	if p == LateDrop {
		return "drop"
	}
	return "reopen"
}

// CloseReason tells why a file handle was closed.
type CloseReason string

const (
	CloseRollover CloseReason = "rollover"
	CloseLate     CloseReason = "late"
	CloseShutdown CloseReason = "shutdown"
)

// Segment describes one open-to-close session of a day file.
type Segment struct {
	Key      record.ShardKey
	Path     string
	Rows     int64
	Bytes    int64
	OpenedAt time.Time
	ClosedAt time.Time
	Reason   CloseReason
}

// Options configures an Engine.
type Options struct {
	// Root is the directory under which day files are created.
	Root string

	// Extension is the day file extension without the dot.
	Extension string

	// Capacity is the number of buffered records per stream that forces a
	// flush.
	Capacity int

	// Late selects the late-record policy.
	Late LatePolicy

	// OnClose is called with the engine lock held whenever a file handle
	// is closed. It must not block or call back into the engine.
	OnClose func(Segment)
}

// DefaultOptions returns default engine options.
func DefaultOptions() Options {
	return Options{
		Root:      config.DefaultStorageRoot,
		Extension: config.DefaultFileExtension,
		Capacity:  config.DefaultBufferCapacity,
		Late:      LateReopen,
	}
}

// Stats holds engine counters. Fields are updated atomically and may be
// read concurrently.
type Stats struct {
	Records      atomic.Int64
	Rejected     atomic.Int64
	Flushes      atomic.Int64
	RowsWritten  atomic.Int64
	BytesWritten atomic.Int64
	FilesOpened  atomic.Int64
	FilesClosed  atomic.Int64
	Rotations    atomic.Int64
	LateReopened atomic.Int64
	LateDropped  atomic.Int64
	WriteErrors  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Records      int64
	Rejected     int64
	Flushes      int64
	RowsWritten  int64
	BytesWritten int64
	FilesOpened  int64
	FilesClosed  int64
	Rotations    int64
	LateReopened int64
	LateDropped  int64
	WriteErrors  int64
}

// dayFile is the open handle of a day file. *os.File implements it.
type dayFile interface {
	io.Writer
	io.Closer
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// stream is the buffer and file state of one (exchange, kind, instrument).
type stream[T any] struct {
	key  record.ShardKey // current day
	buf  []T
	file dayFile
	size int64 // bytes of complete rows in file
	path string
	seg  Segment
}

func openDayFile(path string) (dayFile, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, config.DefaultFileMode)
}

// Engine buffers records per stream and appends them to day files.
type Engine[T any] struct {
	mu sync.Mutex

	opts    Options
	shard   ShardFunc[T]
	encode  EncodeFunc[T]
	streams map[record.ShardKey]*stream[T]
	scratch []byte
	closed  bool
	open    func(path string) (dayFile, error)

	stats Stats
}

// New creates an Engine. Directories are created lazily on first flush.
func New[T any](opts Options, shard ShardFunc[T], encode EncodeFunc[T]) (*Engine[T], error) {
	if opts.Root == "" {
		return nil, errors.NewMissingField("root")
	}
	if shard == nil || encode == nil {
		return nil, errors.NewValidation("engine", "shard and encode functions are required")
	}
	if opts.Extension == "" {
		opts.Extension = config.DefaultFileExtension
	}
	if opts.Capacity <= 0 {
		opts.Capacity = config.DefaultBufferCapacity
	}

	return &Engine[T]{
		opts:    opts,
		shard:   shard,
		encode:  encode,
		streams: make(map[record.ShardKey]*stream[T]),
		open:    openDayFile,
	}, nil
}

// Write buffers rec and flushes its stream when the buffer is full.
//
// A nil error means rec was accepted. Errors are reported with the record
// retained or rejected:
//   - ErrFileOpen/ErrFileWrite from the capacity flush: rec is buffered and
//     the unflushed buffer is kept.
//   - ErrBufferFull: the buffer was still full from an earlier failure and
//     flushing failed again. rec is rejected.
//   - Rotation failure: the previous day could not be flushed. rec is
//     rejected and the previous day's buffer is kept.
//   - ErrLateRecord (LateDrop only) and ErrStoreClosed: rec is rejected.
func (e *Engine[T]) Write(rec *T) error {
	key := e.shard(rec)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.stats.Rejected.Add(1)
		return errors.ErrStoreClosed
	}

	streamKey := key.Stream()
	st := e.streams[streamKey]
	if st == nil {
		st = &stream[T]{key: key, buf: make([]T, 0, e.opts.Capacity)}
		e.streams[streamKey] = st
	} else if st.key.Date != key.Date {
		if err := e.switchDay(st, key); err != nil {
			e.stats.Rejected.Add(1)
			return err
		}
	}

	if len(st.buf) >= e.opts.Capacity {
		if err := e.flush(st); err != nil {
			e.stats.Rejected.Add(1)
			return errors.Mark(errors.ErrBufferFull, err)
		}
	}

	st.buf = append(st.buf, *rec)
	e.stats.Records.Add(1)

	if len(st.buf) >= e.opts.Capacity {
		return e.flush(st)
	}
	return nil
}

// switchDay moves st to key's day. Callers hold mu.
func (e *Engine[T]) switchDay(st *stream[T], key record.ShardKey) error {
	late := key.Date < st.key.Date
	if late && e.opts.Late == LateDrop {
		e.stats.LateDropped.Add(1)
		return errors.Wrapf(errors.ErrLateRecord, "%s is before current day %s", key, st.key.Date)
	}

	if err := e.flush(st); err != nil {
		return errors.Wrapf(err, "rotate %s", st.key)
	}

	reason := CloseRollover
	if late {
		reason = CloseLate
	}
	if err := e.closeFile(st, reason); err != nil {
		log.Warn("close day file", "path", st.path, "error", err)
	}

	if late {
		e.stats.LateReopened.Add(1)
		log.Info("late record reopens earlier day",
			"shard", key.String(),
			"current_day", st.key.Date.String())
	}
	e.stats.Rotations.Add(1)
	st.key = key
	return nil
}

// Flush writes the buffer of key's stream if the stream is on key's day.
func (e *Engine[T]) Flush(key record.ShardKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.ErrStoreClosed
	}
	st := e.streams[key.Stream()]
	if st == nil || st.key.Date != key.Date {
		return nil
	}
	return e.flush(st)
}

// FlushAll writes every non-empty buffer and keeps files open.
func (e *Engine[T]) FlushAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.ErrStoreClosed
	}

	var errs []error
	for _, st := range e.streams {
		if err := e.flush(st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flush appends the buffer as one write and clears it on success.
// Callers hold mu.
func (e *Engine[T]) flush(st *stream[T]) error {
	if len(st.buf) == 0 {
		return nil
	}
	if st.file == nil {
		if err := e.openFile(st); err != nil {
			return err
		}
	}

	e.scratch = e.scratch[:0]
	for i := range st.buf {
		e.scratch = e.encode(e.scratch, &st.buf[i])
	}

	n, err := st.file.Write(e.scratch)
	if err != nil {
		e.stats.WriteErrors.Add(1)
		log.Error("flush failed",
			"path", st.path,
			"rows", len(st.buf),
			"written", n,
			"error", err)
		if n > 0 {
			// Cut the torn tail so a retry appends whole rows only.
			if terr := st.file.Truncate(st.size); terr != nil {
				log.Error("truncate torn flush", "path", st.path, "size", st.size, "error", terr)
				err = errors.Join(err, terr)
			}
		}
		return errors.Mark(errors.ErrFileWrite, err)
	}
	st.size += int64(n)

	rows := int64(len(st.buf))
	st.seg.Rows += rows
	st.seg.Bytes += int64(n)
	e.stats.Flushes.Add(1)
	e.stats.RowsWritten.Add(rows)
	e.stats.BytesWritten.Add(int64(n))

	clear(st.buf)
	st.buf = st.buf[:0]
	return nil
}

// openFile opens the day file of st.key in append mode. Callers hold mu.
func (e *Engine[T]) openFile(st *stream[T]) error {
	path := st.key.Path(e.opts.Root, e.opts.Extension)
	if err := os.MkdirAll(filepath.Dir(path), config.DefaultDirMode); err != nil {
		e.stats.WriteErrors.Add(1)
		return errors.Mark(errors.ErrFileOpen, err)
	}
	f, err := e.open(path)
	if err != nil {
		e.stats.WriteErrors.Add(1)
		return errors.Mark(errors.ErrFileOpen, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		e.stats.WriteErrors.Add(1)
		return errors.Mark(errors.ErrFileOpen, err)
	}

	st.file = f
	st.size = fi.Size()
	st.path = path
	st.seg = Segment{Key: st.key, Path: path, OpenedAt: time.Now()}
	e.stats.FilesOpened.Add(1)
	log.Debug("opened day file", "path", path)
	return nil
}

// closeFile closes st's handle, if any, and emits its segment.
// Callers hold mu.
func (e *Engine[T]) closeFile(st *stream[T], reason CloseReason) error {
	if st.file == nil {
		return nil
	}
	err := st.file.Close()
	st.file = nil
	e.stats.FilesClosed.Add(1)

	st.seg.ClosedAt = time.Now()
	st.seg.Reason = reason
	if e.opts.OnClose != nil {
		e.opts.OnClose(st.seg)
	}
	st.seg = Segment{}

	if err != nil {
		return errors.Mark(errors.ErrFileClose, err)
	}
	return nil
}

// Shutdown flushes every buffer and closes every file. Later calls, and
// later Writes, do nothing but report ErrStoreClosed for Write.
func (e *Engine[T]) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for _, st := range e.streams {
		if err := e.flush(st); err != nil {
			errs = append(errs, errors.Wrapf(err, "flush %s (%d rows lost)", st.key, len(st.buf)))
		}
		if err := e.closeFile(st, CloseShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Buffered returns the number of records buffered for key's day.
func (e *Engine[T]) Buffered(key record.ShardKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.streams[key.Stream()]
	if st == nil || st.key.Date != key.Date {
		return 0
	}
	return len(st.buf)
}

// OpenFiles returns the number of open day files.
func (e *Engine[T]) OpenFiles() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, st := range e.streams {
		if st.file != nil {
			n++
		}
	}
	return n
}

// Streams returns the number of known streams.
func (e *Engine[T]) Streams() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// Root returns the storage root.
func (e *Engine[T]) Root() string { return e.opts.Root }

// Stats returns a snapshot of the counters.
func (e *Engine[T]) Stats() StatsSnapshot {
	return StatsSnapshot{
		Records:      e.stats.Records.Load(),
		Rejected:     e.stats.Rejected.Load(),
		Flushes:      e.stats.Flushes.Load(),
		RowsWritten:  e.stats.RowsWritten.Load(),
		BytesWritten: e.stats.BytesWritten.Load(),
		FilesOpened:  e.stats.FilesOpened.Load(),
		FilesClosed:  e.stats.FilesClosed.Load(),
		Rotations:    e.stats.Rotations.Load(),
		LateReopened: e.stats.LateReopened.Load(),
		LateDropped:  e.stats.LateDropped.Load(),
		WriteErrors:  e.stats.WriteErrors.Load(),
	}
}
