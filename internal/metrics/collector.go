// Package metrics exposes recorder statistics in the Prometheus format.
//
// The collector reads the existing atomic stats snapshots at scrape time,
// so the poll loops never touch a Prometheus metric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtxerr/feedrec/internal/clock"
	"github.com/xtxerr/feedrec/internal/pipeline"
	"github.com/xtxerr/feedrec/internal/record"
	"github.com/xtxerr/feedrec/internal/storage"
	"github.com/xtxerr/feedrec/internal/storage/engine"
)

const namespace = "feedrec"

// ClockSource provides clock calibration stats.
type ClockSource interface {
	Stats() clock.Stats
}

// PipelineSource provides ingestion stats.
type PipelineSource interface {
	Stats() pipeline.StatsSnapshot
}

// StorageSource provides storage stats.
type StorageSource interface {
	Stats() storage.ServiceStats
}

// Sources groups the stats providers. Nil sources are skipped.
type Sources struct {
	Clock    ClockSource
	Pipeline PipelineSource
	Storage  StorageSource
}

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

var (
	clockCalibrations = desc("clock", "calibrations_total", "Applied clock calibrations.")
	clockDiscarded    = desc("clock", "discarded_samples_total", "Discarded inconsistent calibration samples.")
	clockCycle        = desc("clock", "cycle_period_seconds", "Current calibrated duration of one counter cycle.")
	clockSyncError    = desc("clock", "sync_error_seconds", "Deviation from the system clock at the last calibration.")

	pipeDatagrams = desc("pipeline", "datagrams_total", "Datagrams received.")
	pipeFrames    = desc("pipeline", "frames_total", "Frames parsed.")
	pipeStored    = desc("pipeline", "records_stored_total", "Records handed to storage.")
	pipeDropped   = desc("pipeline", "frames_dropped_total", "Frames dropped by reason.", "reason")
	pipeErrors    = desc("pipeline", "poll_errors_total", "Failed readiness waits.")
	pipeState     = desc("pipeline", "state", "Pipeline lifecycle state.")
	groupDgrams   = desc("pipeline", "group_datagrams_total", "Datagrams received per channel group.", "group")
	groupLatency  = desc("pipeline", "store_latency_seconds", "Receive-to-stored latency per channel group.", "group", "quantile")

	storeRecords  = desc("storage", "records_total", "Records accepted.", "kind")
	storeRejected = desc("storage", "records_rejected_total", "Records rejected.", "kind")
	storeRows     = desc("storage", "rows_written_total", "Rows written to day files.", "kind")
	storeBytes    = desc("storage", "bytes_written_total", "Bytes written to day files.", "kind")
	storeFlushes  = desc("storage", "flushes_total", "Buffer flushes.", "kind")
	storeRotation = desc("storage", "rotations_total", "Day rotations.", "kind")
	storeLate     = desc("storage", "late_records_total", "Prior-day records by outcome.", "kind", "outcome")
	storeWriteErr = desc("storage", "write_errors_total", "Failed day file writes.", "kind")
	storeOpen     = desc("storage", "open_files", "Open day files.")
	storeSegDrop  = desc("storage", "segments_dropped_total", "Closed-file events dropped on a full queue.")
	archiveJobs   = desc("archive", "segments_total", "Archive jobs by outcome.", "outcome")

	retainFiles = desc("retention", "files_total", "Expired day files by outcome.", "outcome")
	retainBytes = desc("retention", "freed_bytes_total", "Bytes freed by removing expired day files.")
	retainErr   = desc("retention", "errors_total", "Failed removals and directory walks.")
)

// Collector implements prometheus.Collector over the recorder stats.
type Collector struct {
	src Sources
}

// NewCollector creates a collector.
func NewCollector(src Sources) *Collector {
	return &Collector{src: src}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		clockCalibrations, clockDiscarded, clockCycle, clockSyncError,
		pipeDatagrams, pipeFrames, pipeStored, pipeDropped, pipeErrors, pipeState, groupDgrams, groupLatency,
		storeRecords, storeRejected, storeRows, storeBytes, storeFlushes, storeRotation, storeLate, storeWriteErr,
		storeOpen, storeSegDrop, archiveJobs, retainFiles, retainBytes, retainErr,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Clock != nil {
		c.collectClock(ch, c.src.Clock.Stats())
	}
	if c.src.Pipeline != nil {
		c.collectPipeline(ch, c.src.Pipeline.Stats())
	}
	if c.src.Storage != nil {
		c.collectStorage(ch, c.src.Storage.Stats())
	}
}

func counter(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
}

func gauge(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
}

func (c *Collector) collectClock(ch chan<- prometheus.Metric, s clock.Stats) {
	counter(ch, clockCalibrations, float64(s.Calibrations))
	counter(ch, clockDiscarded, float64(s.Discarded))
	gauge(ch, clockCycle, s.NsPerCycle/1e9)
	gauge(ch, clockSyncError, float64(s.LastSyncErrorNs)/1e9)
}

func (c *Collector) collectPipeline(ch chan<- prometheus.Metric, s pipeline.StatsSnapshot) {
	counter(ch, pipeDatagrams, float64(s.Datagrams))
	counter(ch, pipeFrames, float64(s.Frames))
	counter(ch, pipeStored, float64(s.Stored))
	counter(ch, pipeDropped, float64(s.UnknownTag), "unknown_tag")
	counter(ch, pipeDropped, float64(s.Unexpected), "unexpected_tag")
	counter(ch, pipeDropped, float64(s.Truncated), "truncated")
	counter(ch, pipeDropped, float64(s.DecodeErrors), "decode_error")
	counter(ch, pipeDropped, float64(s.StorageErrors), "storage_error")
	counter(ch, pipeErrors, float64(s.PollErrors))
	gauge(ch, pipeState, float64(s.State))

	for _, g := range s.Groups {
		counter(ch, groupDgrams, float64(g.Datagrams), g.Name)
		if g.Latency.Count == 0 {
			continue
		}
		gauge(ch, groupLatency, g.Latency.P50/1e9, g.Name, "0.5")
		gauge(ch, groupLatency, g.Latency.P99/1e9, g.Name, "0.99")
		gauge(ch, groupLatency, g.Latency.P999/1e9, g.Name, "0.999")
	}
}

func (c *Collector) collectStorage(ch chan<- prometheus.Metric, s storage.ServiceStats) {
	for _, e := range []struct {
		kind string
		st   engine.StatsSnapshot
	}{
		{record.KindDepth.Dir(), s.Depth},
		{record.KindTrade.Dir(), s.Trades},
		{record.KindGeneric.Dir(), s.Generic},
	} {
		counter(ch, storeRecords, float64(e.st.Records), e.kind)
		counter(ch, storeRejected, float64(e.st.Rejected), e.kind)
		counter(ch, storeRows, float64(e.st.RowsWritten), e.kind)
		counter(ch, storeBytes, float64(e.st.BytesWritten), e.kind)
		counter(ch, storeFlushes, float64(e.st.Flushes), e.kind)
		counter(ch, storeRotation, float64(e.st.Rotations), e.kind)
		counter(ch, storeLate, float64(e.st.LateReopened), e.kind, "reopened")
		counter(ch, storeLate, float64(e.st.LateDropped), e.kind, "dropped")
		counter(ch, storeWriteErr, float64(e.st.WriteErrors), e.kind)
	}
	gauge(ch, storeOpen, float64(s.OpenFiles))
	counter(ch, storeSegDrop, float64(s.SegmentsDropped))

	counter(ch, archiveJobs, float64(s.Archive.Converted), "converted")
	counter(ch, archiveJobs, float64(s.Archive.Failed), "failed")
	counter(ch, archiveJobs, float64(s.Archive.Dropped), "dropped")
	counter(ch, archiveJobs, float64(s.Archive.Uploaded), "uploaded")

	counter(ch, retainFiles, float64(s.Retention.FilesDeleted), "deleted")
	counter(ch, retainFiles, float64(s.Retention.FilesSkipped), "skipped")
	counter(ch, retainBytes, float64(s.Retention.BytesFreed))
	counter(ch, retainErr, float64(s.Retention.Errors))
}
