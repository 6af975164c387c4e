// Package retention removes day files that have outlived their keep
// period, in the raw CSV tree and in the Parquet archive.
package retention

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/feedrec/internal/record"
)

// Tree identifies one directory tree of day files.
type Tree int

const (
	TreeRaw Tree = iota
	TreeArchive
)

// AllTrees lists every tree.
func AllTrees() []Tree { return []Tree{TreeRaw, TreeArchive} }

func (t Tree) String() string {
	switch t {
	case TreeRaw:
		return "raw"
	case TreeArchive:
		return "archive"
	default:
		return fmt.Sprintf("tree(%d)", int(t))
	}
}

// Config configures a Manager. A keep period of zero days disables
// cleanup of that tree.
type Config struct {
	RawDir      string
	RawExt      string
	RawKeepDays int

	ArchiveDir      string
	ArchiveKeepDays int

	// Location selects the trading-day boundary of "today".
	Location *time.Location
}

// Manager handles cleanup of expired day files.
type Manager struct {
	mu     sync.RWMutex
	config Config
	stats  Stats

	// archived reports whether a raw file may be removed. Nil allows all.
	archived func(path string) bool
	now      func() time.Time
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime  time.Time
	FilesDeleted int64
	BytesFreed   int64
	FilesSkipped int64
	Errors       int64
}

// CleanupResult holds the result of a cleanup operation.
type CleanupResult struct {
	Tree         Tree
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// New creates a new retention manager. archived, when set, guards raw
// files: a raw file is only removed once it reports true.
func New(cfg Config, archived func(path string) bool) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Manager{
		config:   cfg,
		archived: archived,
		now:      time.Now,
	}
}

// RunCleanup performs cleanup on all trees.
func (m *Manager) RunCleanup() []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = m.now()

	var results []CleanupResult
	for _, tree := range AllTrees() {
		result := m.cleanupTree(tree, false)
		results = append(results, result)
		m.account(result)
	}
	return results
}

// DryRun simulates cleanup without deleting files.
func (m *Manager) DryRun() []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []CleanupResult
	for _, tree := range AllTrees() {
		results = append(results, m.cleanupTree(tree, true))
	}
	return results
}

// CleanupTree cleans a specific tree.
func (m *Manager) CleanupTree(tree Tree) CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.cleanupTree(tree, false)
	m.account(result)
	return result
}

func (m *Manager) account(r CleanupResult) {
	m.stats.FilesDeleted += int64(r.FilesDeleted)
	m.stats.BytesFreed += r.BytesFreed
	m.stats.FilesSkipped += int64(r.FilesSkipped)
	m.stats.Errors += int64(len(r.Errors))
}

// cleanupTree removes files of tree whose day lies more than keepDays
// before today. The current day is never removed.
func (m *Manager) cleanupTree(tree Tree, dryRun bool) CleanupResult {
	result := CleanupResult{Tree: tree}

	dir, ext, keep := m.layout(tree)
	if keep <= 0 || dir == "" {
		return result
	}
	today := record.DateFromTime(m.now().In(m.config.Location))
	cutoff := today - record.Date(keep)

	files, err := listFiles(dir, ext)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
		}
		return result
	}

	for _, file := range files {
		if file.day >= cutoff {
			result.FilesSkipped++
			continue
		}
		if tree == TreeRaw && m.archived != nil && !m.archived(file.path) {
			result.FilesSkipped++
			continue
		}

		if !dryRun {
			if err := os.Remove(file.path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", file.path, err))
				continue
			}
		}

		result.FilesDeleted++
		result.BytesFreed += file.size
	}

	return result
}

func (m *Manager) layout(tree Tree) (dir, ext string, keepDays int) {
	switch tree {
	case TreeRaw:
		return m.config.RawDir, m.config.RawExt, m.config.RawKeepDays
	case TreeArchive:
		return m.config.ArchiveDir, "parquet", m.config.ArchiveKeepDays
	}
	return "", "", 0
}

// fileInfo holds information about a day file.
type fileInfo struct {
	path string
	day  record.Date
	size int64
}

// listFiles walks dir for files named <date>.<ext>. Other files are
// ignored.
func listFiles(dir, ext string) ([]fileInfo, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	var files []fileInfo
	suffix := "." + ext
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		day, err := record.ParseDate(strings.TrimSuffix(d.Name(), suffix))
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileInfo{path: path, day: day, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Oldest first
	sort.Slice(files, func(i, j int) bool {
		if files[i].day != files[j].day {
			return files[i].day < files[j].day
		}
		return files[i].path < files[j].path
	})
	return files, nil
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// GetDiskUsage returns disk usage for each tree.
func (m *Manager) GetDiskUsage() map[Tree]DiskUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := make(map[Tree]DiskUsage)
	for _, tree := range AllTrees() {
		dir, ext, _ := m.layout(tree)
		if dir == "" {
			continue
		}
		files, err := listFiles(dir, ext)
		if err != nil {
			continue
		}

		var u DiskUsage
		for _, f := range files {
			u.FileCount++
			u.TotalSize += f.size
		}
		usage[tree] = u
	}
	return usage
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() string {
	usage := m.GetDiskUsage()

	var b strings.Builder
	var totalSize int64
	var totalFiles int

	b.WriteString("Disk Usage:\n")
	for _, tree := range AllTrees() {
		u := usage[tree]
		totalSize += u.TotalSize
		totalFiles += u.FileCount
		fmt.Fprintf(&b, "  %s: %d files, %s\n", tree, u.FileCount, formatBytes(u.TotalSize))
	}
	fmt.Fprintf(&b, "  Total: %d files, %s\n", totalFiles, formatBytes(totalSize))
	return b.String()
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
