// Package cache implements the content-addressed disk store for downloaded
// artifacts, with staging files, atomic finalize and background eviction.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/UniQw/fetchq/internal/logging"
)

const (
	// StagingSuffix marks in-progress artifacts.
	StagingSuffix = ".download"

	DefaultMaxBytes int64 = 32 << 20
	DefaultMaxFiles       = 1024

	bufSize   = 32 << 10
	orphanAge = 7 * 24 * time.Hour
)

// ErrLockAborted is returned by Lock when the stop channel fires first.
var ErrLockAborted = errors.New("cache: lock wait aborted")

// Limits bounds the complete artifacts kept on disk. Zero means unlimited.
type Limits struct {
	MaxBytes int64
	MaxFiles int
}

// Cache stores one file per fingerprinted key under a root directory.
type Cache struct {
	root   string
	limits Limits
	log    logging.Logger

	mu          sync.Mutex
	trimPending bool
	locks       map[string]chan struct{}

	subMu  sync.RWMutex
	closed bool
	jobs   chan func()
	done   chan struct{}
}

// New opens (creating if needed) a cache rooted at dir and starts its
// background executor. Call Close to stop it.
func New(dir string, limits Limits, log logging.Logger) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache: empty root directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create root %s: %w", dir, err)
	}
	c := &Cache{
		root:   dir,
		limits: limits,
		log:    logging.OrNop(log),
		locks:  make(map[string]chan struct{}),
		jobs:   make(chan func(), 16),
		done:   make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

func (c *Cache) loop() {
	defer close(c.done)
	for job := range c.jobs {
		job()
	}
}

func (c *Cache) submit(job func()) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if c.closed {
		return false
	}
	c.jobs <- job
	return true
}

// Close stops the background executor after pending jobs have run.
func (c *Cache) Close() {
	c.subMu.Lock()
	if c.closed {
		c.subMu.Unlock()
		return
	}
	c.closed = true
	close(c.jobs)
	c.subMu.Unlock()
	<-c.done
}

// Wait blocks until every background job submitted so far has run.
func (c *Cache) Wait() {
	ch := make(chan struct{})
	if !c.submit(func() { close(ch) }) {
		return
	}
	<-ch
}

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// Fingerprint returns the filesystem-safe name for key.
func Fingerprint(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func isFingerprint(name string) bool {
	if len(name) != md5.Size*2 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}

// Artifact returns the path of the complete artifact for key.
func (c *Cache) Artifact(key string) string {
	return filepath.Join(c.root, Fingerprint(key))
}

// Staging returns the path of the staging artifact for key.
func (c *Cache) Staging(key string) string {
	return c.Artifact(key) + StagingSuffix
}

// Exists reports whether a complete artifact is present for key.
func (c *Cache) Exists(key string) bool {
	info, err := os.Stat(c.Artifact(key))
	return err == nil && info.Mode().IsRegular()
}

// Size returns the size of the complete artifact for key.
func (c *Cache) Size(key string) (int64, bool) {
	info, err := os.Stat(c.Artifact(key))
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// StagingSize returns the length of the staging artifact, or 0 if none.
func (c *Cache) StagingSize(key string) int64 {
	info, err := os.Stat(c.Staging(key))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Save appends r to the staging artifact for key. sink, if set, is called
// after each chunk with the staged length and may return false to stop early.
// The artifact is finalized when r is consumed and the staged length equals
// expected (any length when expected is negative). Save reports whether it
// finalized. r is never closed.
func (c *Cache) Save(key string, r io.Reader, expected int64, sink func(staged int64) bool) (bool, error) {
	if c.Exists(key) {
		return true, nil
	}
	tmp := c.Staging(key)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("cache: open staging: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return false, fmt.Errorf("cache: stat staging: %w", err)
	}
	staged := info.Size()

	buf := make([]byte, bufSize)
	stopped := false
	var rerr error
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				_ = f.Close()
				return false, fmt.Errorf("cache: write staging: %w", werr)
			}
			staged += int64(n)
			if sink != nil && !sink(staged) {
				stopped = true
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			rerr = err
			break
		}
	}
	if cerr := f.Close(); cerr != nil && rerr == nil {
		rerr = fmt.Errorf("cache: close staging: %w", cerr)
	}
	if rerr != nil {
		return false, rerr
	}
	if stopped || (expected >= 0 && staged != expected) {
		return false, nil
	}
	if err := c.finalize(key, tmp); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) finalize(key, tmp string) error {
	final := c.Artifact(key)
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("cache: finalize: %w", err)
	}
	now := time.Now()
	if err := os.Chtimes(final, now, now); err != nil {
		c.log.Warnf("cache: touch failed: file=%s err=%v", final, err)
	}
	c.requestTrim()
	return nil
}

// RemoveByKey deletes both the complete and the staging artifact for key.
func (c *Cache) RemoveByKey(key string) error {
	return errors.Join(removeIfExists(c.Artifact(key)), removeIfExists(c.Staging(key)))
}

// RemoveStaging deletes the staging artifact for key.
func (c *Cache) RemoveStaging(key string) error {
	return removeIfExists(c.Staging(key))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ClearAll wipes the store in the background. Staging files with an active
// writer are left in place.
func (c *Cache) ClearAll() {
	c.submit(func() {
		entries, err := os.ReadDir(c.root)
		if err != nil {
			c.log.Warnf("cache: clear list failed: root=%s err=%v", c.root, err)
			return
		}
		removed := 0
		for _, de := range entries {
			base, staging := strings.CutSuffix(de.Name(), StagingSuffix)
			if de.IsDir() || !isFingerprint(base) || (staging && c.held(base)) {
				continue
			}
			if err := removeIfExists(filepath.Join(c.root, de.Name())); err != nil {
				c.log.Warnf("cache: clear failed: file=%s err=%v", de.Name(), err)
				continue
			}
			removed++
		}
		c.log.Infof("cache: cleared: removed=%d", removed)
	})
}

// Usage returns the total size and count of complete artifacts.
func (c *Cache) Usage() (int64, int, error) {
	entries, err := c.complete()
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	return total, len(entries), nil
}

// Lock serializes writers of one key. It blocks until the lock is free, ctx
// is done or stop is closed. The returned func releases the lock.
func (c *Cache) Lock(ctx context.Context, key string, stop <-chan struct{}) (func(), error) {
	fp := Fingerprint(key)
	c.mu.Lock()
	l, ok := c.locks[fp]
	if !ok {
		l = make(chan struct{}, 1)
		c.locks[fp] = l
	}
	c.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stop:
		return nil, ErrLockAborted
	}
}

func (c *Cache) held(fp string) bool {
	c.mu.Lock()
	l := c.locks[fp]
	c.mu.Unlock()
	return l != nil && len(l) > 0
}
