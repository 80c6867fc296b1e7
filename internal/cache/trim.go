package cache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type entry struct {
	name string
	size int64
	mod  time.Time
}

// requestTrim schedules one eviction pass. Requests made while a pass is
// already pending collapse into it.
func (c *Cache) requestTrim() {
	c.mu.Lock()
	if c.trimPending {
		c.mu.Unlock()
		return
	}
	c.trimPending = true
	c.mu.Unlock()

	if !c.submit(func() {
		c.mu.Lock()
		c.trimPending = false
		c.mu.Unlock()
		c.trim()
	}) {
		c.mu.Lock()
		c.trimPending = false
		c.mu.Unlock()
	}
}

func (c *Cache) over(total int64, files int) bool {
	return (c.limits.MaxBytes > 0 && total > c.limits.MaxBytes) ||
		(c.limits.MaxFiles > 0 && files > c.limits.MaxFiles)
}

// complete lists finalized artifacts, oldest first.
func (c *Cache) complete() ([]entry, error) {
	des, err := os.ReadDir(c.root)
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(des))
	for _, de := range des {
		if de.IsDir() || !isFingerprint(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, entry{name: de.Name(), size: info.Size(), mod: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].mod.Equal(out[j].mod) {
			return out[i].name < out[j].name
		}
		return out[i].mod.Before(out[j].mod)
	})
	return out, nil
}

// trim deletes the oldest complete artifacts until both ceilings hold. A
// single artifact larger than the byte ceiling is kept on its own.
func (c *Cache) trim() {
	c.sweepOrphans()

	entries, err := c.complete()
	if err != nil {
		c.log.Warnf("cache: trim list failed: root=%s err=%v", c.root, err)
		return
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	removed := 0
	for len(entries) > 1 && c.over(total, len(entries)) {
		e := entries[0]
		entries = entries[1:]
		if err := removeIfExists(filepath.Join(c.root, e.name)); err != nil {
			c.log.Warnf("cache: evict failed: file=%s err=%v", e.name, err)
			continue
		}
		total -= e.size
		removed++
	}
	if removed > 0 {
		c.log.Debugf("cache: trimmed: removed=%d bytes=%d files=%d", removed, total, len(entries))
	}
}

// sweepOrphans removes staging files nobody writes to and that have not
// been touched for orphanAge.
func (c *Cache) sweepOrphans() {
	des, err := os.ReadDir(c.root)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-orphanAge)
	for _, de := range des {
		base, ok := strings.CutSuffix(de.Name(), StagingSuffix)
		if !ok || de.IsDir() || !isFingerprint(base) || c.held(base) {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := removeIfExists(filepath.Join(c.root, de.Name())); err != nil {
			c.log.Warnf("cache: orphan sweep failed: file=%s err=%v", de.Name(), err)
			continue
		}
		c.log.Debugf("cache: removed orphaned staging file=%s", de.Name())
	}
}
