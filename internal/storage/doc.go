// Package storage records decoded market-data records into day files.
//
// Layout:
//
//	┌──────────┐     ┌──────────┐     ┌───────────┐     ┌───────────┐
//	│ Pipeline │────▶│  Engine  │────▶│  Day file │────▶│  Catalog  │
//	│  (Sink)  │     │ per kind │     │  (.csv)   │     │  (SQLite) │
//	└──────────┘     └──────────┘     └───────────┘     └───────────┘
//	                                        │
//	                                        ▼
//	                                  ┌───────────┐
//	                                  │  Archive  │
//	                                  │ (Parquet) │
//	                                  └───────────┘
//
// Each engine buffers records per shard key (exchange, instrument, day)
// and appends full buffers to
//
//	<root>/<exchange>/<kind>/<instrument>/<yyyy-mm-dd>.csv
//
// A record for a newer day rotates its shard. Closed day files are
// cataloged, optionally converted to Parquet and uploaded, and removed
// once they fall out of the retention window.
package storage
