package journal

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"testmakon/realtime/internal/logging"
)

// RetentionPolicy defines how many bundles are retained on disk.
type RetentionPolicy struct {
	MaxBundles int
	MaxAge     time.Duration
}

// StorageStats summarises the disk footprint of retained bundles.
type StorageStats struct {
	Bundles   int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner prunes journal bundles according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the journal directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// Sweep performs one retention pass; its signature lets a schedule.Loop drive it.
func (c *Cleaner) Sweep(context.Context) {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("journal retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	//1.- Only bundle directories participate; stray files are left alone.
	bundles := c.collect(entries)
	now := c.now()
	stats := StorageStats{LastSweep: now}
	kept := 0
	for _, b := range bundles {
		if remove, reason := c.shouldRemove(b, now, kept); remove {
			if err := os.RemoveAll(b.path); err != nil {
				c.log.Warn("journal retention removal failed", logging.Error(err), logging.String("bundle", b.name))
			} else {
				c.log.Info("journal retention removed bundle", logging.String("bundle", b.name), logging.String("reason", reason))
				continue
			}
		}
		kept++
		stats.Bundles++
		stats.Bytes += b.size
	}
	c.mu.Lock()
	//2.- Publish the refreshed statistics for the readiness report.
	c.stats = stats
	c.mu.Unlock()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundleDir struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) collect(entries []os.DirEntry) []bundleDir {
	out := make([]bundleDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			c.log.Warn("journal retention stat failed", logging.Error(err), logging.String("path", path))
			continue
		}
		size, modTime, err := directoryFootprint(path, info.ModTime())
		if err != nil {
			c.log.Warn("journal retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		out = append(out, bundleDir{name: entry.Name(), path: path, size: size, modTime: modTime})
	}
	//1.- Newest first so the bundle limit favours recent competitions.
	slices.SortFunc(out, func(a, b bundleDir) int { return b.modTime.Compare(a.modTime) })
	return out
}

func (c *Cleaner) shouldRemove(b bundleDir, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(b.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxBundles > 0 && kept >= c.policy.MaxBundles {
		reasons = append(reasons, fmt.Sprintf(">=%d bundles", c.policy.MaxBundles))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

// directoryFootprint sums file sizes and finds the latest modification below root.
func directoryFootprint(root string, modTime time.Time) (int64, time.Time, error) {
	var total int64
	latest := modTime
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return total, latest, err
}
