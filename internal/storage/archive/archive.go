// Package archive converts completed CSV day files to Parquet and
// optionally uploads them to S3.
//
// Conversion runs on a small worker pool fed by a bounded queue. Submit
// never blocks: when the queue is full the segment is skipped and counted,
// and the day file stays available for a later manual conversion.
package archive

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/feedrec/config"
	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/logging"
	"github.com/xtxerr/feedrec/internal/record"
	"github.com/xtxerr/feedrec/internal/storage/engine"
)

var log = logging.Component("archive")

// Options configures an Archiver.
type Options struct {
	// Dir is the root of the Parquet tree.
	Dir string

	// Compression is one of none, snappy, zstd, lz4, gzip.
	Compression string

	// Workers is the number of concurrent conversions.
	Workers int

	// QueueSize is the pending segment capacity.
	QueueSize int

	// RemoveSource deletes the CSV day file after a successful conversion
	// (and upload, when configured).
	RemoveSource bool
}

// DefaultOptions returns default archive options.
func DefaultOptions() Options {
	return Options{
		Compression: config.DefaultArchiveCompression,
		Workers:     config.DefaultArchiveWorkers,
		QueueSize:   config.DefaultArchiveQueueSize,
	}
}

// Uploader stores a local file under an object key.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) error
}

// Result describes one finished conversion.
type Result struct {
	Source    string
	Target    string
	ObjectKey string
	Rows      int64
	Skipped   int64
}

// Stats holds archiver counters.
type Stats struct {
	Converted int64
	Failed    int64
	Dropped   int64
	Uploaded  int64
}

// Archiver converts segments in the background.
type Archiver struct {
	opts     Options
	codec    compress.Codec
	uploader Uploader
	onDone   func(Result)

	jobs    chan engine.Segment
	group   *errgroup.Group
	closeMu sync.Mutex
	closed  bool

	converted atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	uploaded  atomic.Int64
}

// New creates an Archiver. uploader and onDone may be nil.
func New(opts Options, uploader Uploader, onDone func(Result)) (*Archiver, error) {
	if opts.Dir == "" {
		return nil, errors.NewMissingField("archive.dir")
	}
	codec, err := parseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}

	return &Archiver{
		opts:     opts,
		codec:    codec,
		uploader: uploader,
		onDone:   onDone,
		jobs:     make(chan engine.Segment, opts.QueueSize),
	}, nil
}

// Start launches the workers. They run until Close.
func (a *Archiver) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < a.opts.Workers; i++ {
		g.Go(func() error {
			a.worker(ctx)
			return nil
		})
	}
	a.group = g
	log.Info("archiver started", "workers", a.opts.Workers, "dir", a.opts.Dir)
}

func (a *Archiver) worker(ctx context.Context) {
	for seg := range a.jobs {
		start := time.Now()
		res, err := a.Convert(ctx, seg)
		if err != nil {
			a.failed.Add(1)
			log.Error("archive failed", "path", seg.Path, "error", err)
			continue
		}
		log.Info("archived day file",
			"source", res.Source,
			"target", res.Target,
			"rows", res.Rows,
			"skipped", res.Skipped,
			"took", time.Since(start))
		if a.onDone != nil {
			a.onDone(res)
		}
	}
}

// Submit queues seg for conversion. It reports false when the queue is
// full or the archiver is closed.
func (a *Archiver) Submit(seg engine.Segment) bool {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()

	if a.closed {
		a.dropped.Add(1)
		return false
	}
	select {
	case a.jobs <- seg:
		return true
	default:
		a.dropped.Add(1)
		log.Warn("archive queue full, segment skipped", "path", seg.Path)
		return false
	}
}

// Close stops accepting segments, drains the queue and waits for workers.
func (a *Archiver) Close() error {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return nil
	}
	a.closed = true
	close(a.jobs)
	a.closeMu.Unlock()

	if a.group == nil {
		return nil
	}
	return a.group.Wait()
}

// Stats returns a snapshot of the counters.
func (a *Archiver) Stats() Stats {
	return Stats{
		Converted: a.converted.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.dropped.Load(),
		Uploaded:  a.uploaded.Load(),
	}
}

// TargetPath returns the Parquet path for a day file key.
func (a *Archiver) TargetPath(key record.ShardKey) string {
	return key.Path(a.opts.Dir, "parquet")
}

// Convert writes the Parquet file for seg synchronously and uploads it
// when an uploader is configured.
func (a *Archiver) Convert(ctx context.Context, seg engine.Segment) (Result, error) {
	res := Result{Source: seg.Path, Target: a.TargetPath(seg.Key)}

	src, err := os.Open(seg.Path)
	if err != nil {
		return res, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(res.Target), config.DefaultDirMode); err != nil {
		return res, fmt.Errorf("create archive dir: %w", err)
	}
	tmp := res.Target + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return res, fmt.Errorf("create %s: %w", tmp, err)
	}

	res.Rows, res.Skipped, err = convert(seg.Key.Kind, src, dst, a.codec)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", tmp, cerr)
	}
	if err != nil {
		os.Remove(tmp)
		return res, err
	}
	if err := os.Rename(tmp, res.Target); err != nil {
		os.Remove(tmp)
		return res, fmt.Errorf("rename %s: %w", tmp, err)
	}
	a.converted.Add(1)

	if a.uploader != nil {
		res.ObjectKey = filepath.ToSlash(seg.Key.RelPath("parquet"))
		if err := a.uploader.Upload(ctx, res.ObjectKey, res.Target); err != nil {
			return res, fmt.Errorf("upload: %w", err)
		}
		a.uploaded.Add(1)
	}

	if a.opts.RemoveSource {
		if err := os.Remove(seg.Path); err != nil {
			log.Warn("remove archived day file", "path", seg.Path, "error", err)
		}
	}
	return res, nil
}

// ObjectKey joins an optional prefix and a slash-separated relative path.
func ObjectKey(prefix, rel string) string {
	if prefix == "" {
		return rel
	}
	return path.Join(strings.Trim(prefix, "/"), rel)
}

func parseCompression(s string) (compress.Codec, error) {
	switch s {
	case "zstd", "":
		return &parquet.Zstd, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "lz4":
		return &parquet.Lz4Raw, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none":
		return &parquet.Uncompressed, nil
	}
	return nil, errors.NewInvalidValue("archive.compression", s, "unknown codec")
}

// convert dispatches on the record kind of a day file.
func convert(kind record.Kind, r io.Reader, w io.Writer, codec compress.Codec) (rows, skipped int64, err error) {
	switch kind {
	case record.KindDepth:
		return convertRows(r, w, codec, record.ParseDepthCSV, depthRow)
	case record.KindTrade:
		return convertRows(r, w, codec, record.ParseTradeCSV, tradeRow)
	case record.KindGeneric:
		return convertRows(r, w, codec, record.ParseGenericCSV, genericRow)
	}
	return 0, 0, errors.Wrapf(errors.ErrUnknownTag, "kind %d", kind)
}

const batchSize = 1024

// convertRows streams CSV rows into a Parquet file. Rows that do not
// parse, such as a torn row left by a failed write, are skipped.
func convertRows[T any, R any](
	r io.Reader,
	w io.Writer,
	codec compress.Codec,
	parse func([]string, *T) error,
	toRow func(*T) R,
) (rows, skipped int64, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	pw := parquet.NewGenericWriter[R](w, parquet.Compression(codec))
	batch := make([]R, 0, batchSize)

	writeBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := pw.Write(batch); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
		rows += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	var rec T
	for {
		fields, rerr := cr.Read()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			var perr *csv.ParseError
			if errors.As(rerr, &perr) {
				skipped++
				continue
			}
			return rows, skipped, fmt.Errorf("read csv: %w", rerr)
		}
		if perr := parse(fields, &rec); perr != nil {
			skipped++
			continue
		}
		batch = append(batch, toRow(&rec))
		if len(batch) == cap(batch) {
			if err := writeBatch(); err != nil {
				return rows, skipped, err
			}
		}
	}

	if err := writeBatch(); err != nil {
		return rows, skipped, err
	}
	if err := pw.Close(); err != nil {
		return rows, skipped, fmt.Errorf("close writer: %w", err)
	}
	return rows, skipped, nil
}
