package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, limits Limits) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), limits, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// trackingReader records whether Close was called.
type trackingReader struct {
	io.Reader
	closed bool
}

func (r *trackingReader) Close() error { r.closed = true; return nil }

func TestFingerprint_StableAndSafe(t *testing.T) {
	a := Fingerprint("http://example.com/a?x=1")
	require.Equal(t, a, Fingerprint("http://example.com/a?x=1"))
	require.NotEqual(t, a, Fingerprint("http://example.com/b"))
	require.Len(t, a, 32)
	require.True(t, isFingerprint(a))
	require.False(t, isFingerprint("tokens.db"))
}

func TestCache_SaveRoundTrip(t *testing.T) {
	c := newCache(t, Limits{})
	data := bytes.Repeat([]byte("x"), 100_000)
	r := &trackingReader{Reader: bytes.NewReader(data)}

	var last int64
	ok, err := c.Save("k", r, int64(len(data)), func(staged int64) bool {
		require.GreaterOrEqual(t, staged, last)
		last = staged
		return true
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, r.closed, "caller-owned stream must stay open")
	require.Equal(t, int64(len(data)), last)

	require.True(t, c.Exists("k"))
	size, found := c.Size("k")
	require.True(t, found)
	require.Equal(t, int64(len(data)), size)
	_, err = os.Stat(c.Staging("k"))
	require.True(t, os.IsNotExist(err))
}

func TestCache_SaveShortStreamStaysStaged(t *testing.T) {
	c := newCache(t, Limits{})
	ok, err := c.Save("k", strings.NewReader("hello"), 10, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, c.Exists("k"))
	require.Equal(t, int64(5), c.StagingSize("k"))

	// resume appends to the staging artifact
	ok, err = c.Save("k", strings.NewReader("world"), 10, nil)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := os.ReadFile(c.Artifact("k"))
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(got))
}

func TestCache_SaveStoppedBySink(t *testing.T) {
	c := newCache(t, Limits{})
	data := bytes.Repeat([]byte("y"), 3*bufSize)
	ok, err := c.Save("k", bytes.NewReader(data), int64(len(data)), func(int64) bool { return false })
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, c.Exists("k"))
	require.Equal(t, int64(bufSize), c.StagingSize("k"))
}

func TestCache_SaveUnknownLengthFinalizesAtEOF(t *testing.T) {
	c := newCache(t, Limits{})
	ok, err := c.Save("k", strings.NewReader("abc"), -1, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, c.Exists("k"))
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n == 0 {
		return 0, errors.New("connection reset")
	}
	f.n--
	p[0] = 'z'
	return 1, nil
}

func TestCache_SaveReadErrorKeepsPartial(t *testing.T) {
	c := newCache(t, Limits{})
	ok, err := c.Save("k", &failingReader{n: 3}, 10, nil)
	require.Error(t, err)
	require.False(t, ok)
	require.Equal(t, int64(3), c.StagingSize("k"))
}

func TestCache_ResaveDoesNotCorrupt(t *testing.T) {
	c := newCache(t, Limits{})
	ok, err := c.Save("k", strings.NewReader("original"), 8, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Save("k", strings.NewReader("different!"), 10, nil)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := os.ReadFile(c.Artifact("k"))
	require.NoError(t, err)
	require.Equal(t, "original", string(got))
	require.Equal(t, int64(0), c.StagingSize("k"))
}

func TestCache_RemoveByKey(t *testing.T) {
	c := newCache(t, Limits{})
	_, err := c.Save("done", strings.NewReader("abc"), 3, nil)
	require.NoError(t, err)
	_, err = c.Save("partial", strings.NewReader("ab"), 3, nil)
	require.NoError(t, err)

	require.NoError(t, c.RemoveByKey("done"))
	require.NoError(t, c.RemoveByKey("partial"))
	require.NoError(t, c.RemoveByKey("never"))
	require.False(t, c.Exists("done"))
	require.Equal(t, int64(0), c.StagingSize("partial"))
}

func writeAged(t *testing.T, c *Cache, key string, size int, age time.Duration) {
	t.Helper()
	p := c.Artifact(key)
	require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte("a"), size), 0o644))
	ts := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(p, ts, ts))
}

func TestCache_TrimByBytesOldestFirst(t *testing.T) {
	c := newCache(t, Limits{MaxBytes: 250})
	writeAged(t, c, "old", 100, 3*time.Hour)
	writeAged(t, c, "mid", 100, 2*time.Hour)
	writeAged(t, c, "new", 100, 1*time.Hour)

	c.trim()
	require.False(t, c.Exists("old"))
	require.True(t, c.Exists("mid"))
	require.True(t, c.Exists("new"))

	total, files, err := c.Usage()
	require.NoError(t, err)
	require.LessOrEqual(t, total, int64(250))
	require.Equal(t, 2, files)
}

func TestCache_TrimByFileCount(t *testing.T) {
	c := newCache(t, Limits{MaxFiles: 2})
	writeAged(t, c, "a", 1, 4*time.Hour)
	writeAged(t, c, "b", 1, 3*time.Hour)
	writeAged(t, c, "c", 1, 2*time.Hour)
	writeAged(t, c, "d", 1, 1*time.Hour)

	c.trim()
	_, files, err := c.Usage()
	require.NoError(t, err)
	require.Equal(t, 2, files)
	require.True(t, c.Exists("c"))
	require.True(t, c.Exists("d"))
}

func TestCache_TrimKeepsLoneOversizedArtifact(t *testing.T) {
	c := newCache(t, Limits{MaxBytes: 10})
	writeAged(t, c, "small", 5, 2*time.Hour)
	writeAged(t, c, "huge", 50, time.Hour)

	c.trim()
	require.False(t, c.Exists("small"))
	require.True(t, c.Exists("huge"))
}

func TestCache_TrimIgnoresStagingAndForeignFiles(t *testing.T) {
	c := newCache(t, Limits{MaxBytes: 1, MaxFiles: 1})
	_, err := c.Save("partial", strings.NewReader("abc"), 100, nil)
	require.NoError(t, err)
	foreign := filepath.Join(c.Root(), "tokens.db")
	require.NoError(t, os.WriteFile(foreign, []byte("keep me"), 0o644))
	writeAged(t, c, "a", 10, 2*time.Hour)
	writeAged(t, c, "b", 10, time.Hour)

	c.trim()
	require.Equal(t, int64(3), c.StagingSize("partial"))
	_, err = os.Stat(foreign)
	require.NoError(t, err)
	require.False(t, c.Exists("a"))
	require.True(t, c.Exists("b"))
}

func TestCache_TrimSweepsOrphanedStaging(t *testing.T) {
	c := newCache(t, Limits{})
	_, err := c.Save("stale", strings.NewReader("abc"), 100, nil)
	require.NoError(t, err)
	_, err = c.Save("fresh", strings.NewReader("abc"), 100, nil)
	require.NoError(t, err)
	old := time.Now().Add(-2 * orphanAge)
	require.NoError(t, os.Chtimes(c.Staging("stale"), old, old))

	c.trim()
	require.Equal(t, int64(0), c.StagingSize("stale"))
	require.Equal(t, int64(3), c.StagingSize("fresh"))
}

func TestCache_FinalizeTriggersBackgroundTrim(t *testing.T) {
	c := newCache(t, Limits{MaxFiles: 1})
	writeAged(t, c, "old", 3, time.Hour)

	ok, err := c.Save("new", strings.NewReader("abc"), 3, nil)
	require.NoError(t, err)
	require.True(t, ok)

	c.Wait()
	require.False(t, c.Exists("old"))
	require.True(t, c.Exists("new"))
}

func TestCache_ClearAllSkipsActiveWriters(t *testing.T) {
	c := newCache(t, Limits{})
	_, err := c.Save("a", strings.NewReader("abc"), 3, nil)
	require.NoError(t, err)
	_, err = c.Save("busy", strings.NewReader("ab"), 3, nil)
	require.NoError(t, err)

	unlock, err := c.Lock(context.Background(), "busy", nil)
	require.NoError(t, err)
	c.ClearAll()
	c.Wait()
	require.False(t, c.Exists("a"))
	require.Equal(t, int64(2), c.StagingSize("busy"))
	unlock()

	c.ClearAll()
	c.Wait()
	require.Equal(t, int64(0), c.StagingSize("busy"))
}

func TestCache_LockSerializesAndAborts(t *testing.T) {
	c := newCache(t, Limits{})
	unlock, err := c.Lock(context.Background(), "k", nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Lock(context.Background(), "k", stop)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	require.ErrorIs(t, <-errCh, ErrLockAborted)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Lock(ctx, "k", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := c.Lock(context.Background(), "k", nil)
	require.NoError(t, err)
	unlock2()
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c, err := New(t.TempDir(), Limits{}, nil)
	require.NoError(t, err)
	c.Close()
	c.Close()
	c.Wait()
	c.ClearAll()
}
