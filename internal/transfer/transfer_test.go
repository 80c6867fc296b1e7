package transfer

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/fetchq/internal/cache"
	"github.com/UniQw/fetchq/internal/tokens"
	"github.com/stretchr/testify/require"
)

var (
	payload = bytes.Repeat([]byte("0123456789abcdef"), 16<<10) // 256 KiB
	modTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

type env struct {
	f      *Fetcher
	cache  *cache.Cache
	tokens *tokens.Memory
	hits   atomic.Int32
	ranges chan string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c, err := cache.New(t.TempDir(), cache.Limits{}, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	e := &env{cache: c, tokens: tokens.NewMemory(), ranges: make(chan string, 16)}
	e.f = &Fetcher{
		Client: NewClient(5*time.Second, 5*time.Second),
		Store:  c,
		Tokens: e.tokens,
	}
	return e
}

// serve starts a server for h that counts requests and records Range headers.
func (e *env) serve(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		select {
		case e.ranges <- r.Header.Get("Range"):
		default:
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(e.f.Client.CloseIdleConnections)
	return srv.URL + "/file.bin"
}

func content(mod time.Time, data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", mod, bytes.NewReader(data))
	}
}

func (e *env) run(key string) (Outcome, []int) {
	var progress []int
	out := e.f.New(key, func(p int) { progress = append(progress, p) }).Run(context.Background())
	return out, progress
}

func TestFetch_FreshDownload(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, content(modTime, payload))

	out, progress := e.run(key)
	require.Equal(t, Success, out.Kind, "err=%v", out.Err)
	require.NoError(t, out.Err)
	require.Equal(t, int64(len(payload)), out.Total)
	require.Equal(t, e.cache.Artifact(key), out.Artifact)

	got, err := os.ReadFile(out.Artifact)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.NotEmpty(t, progress)
	require.Equal(t, 100, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		require.Greater(t, progress[i], progress[i-1], "progress emitted only on change")
	}
	require.Equal(t, "", <-e.ranges, "fresh download must not send Range")

	_, ok, _ := e.tokens.Get(context.Background(), key)
	require.False(t, ok, "token cleared once complete")
}

func TestFetch_CacheShortCircuit(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, content(modTime, payload))
	ok, err := e.cache.Save(key, bytes.NewReader([]byte("cached")), 6, nil)
	require.NoError(t, err)
	require.True(t, ok)

	out, progress := e.run(key)
	require.Equal(t, Success, out.Kind)
	require.Equal(t, int64(6), out.Total)
	require.Empty(t, progress)
	require.Equal(t, int32(0), e.hits.Load())
}

func TestFetch_ResumesFromStaging(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, content(modTime, payload))
	half := len(payload) / 2
	ok, err := e.cache.Save(key, bytes.NewReader(payload[:half]), int64(len(payload)), nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, e.tokens.Set(context.Background(), key, modTime.Format(http.TimeFormat)))

	out, progress := e.run(key)
	require.Equal(t, Success, out.Kind, "err=%v", out.Err)
	require.Equal(t, int64(len(payload)), out.Total)
	require.Equal(t, "bytes=131072-", <-e.ranges)
	require.GreaterOrEqual(t, progress[0], 50, "progress counts bytes staged before the attempt")

	got, err := os.ReadFile(out.Artifact)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFetch_ResourceChangedLeavesStaging(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, content(modTime.Add(time.Hour), payload))
	_, err := e.cache.Save(key, bytes.NewReader(payload[:1000]), int64(len(payload)), nil)
	require.NoError(t, err)
	require.NoError(t, e.tokens.Set(context.Background(), key, modTime.Format(http.TimeFormat)))

	out, _ := e.run(key)
	require.Equal(t, Unrecoverable, out.Kind)
	require.ErrorIs(t, out.Err, ErrResourceChanged)
	require.True(t, IsStale(out.Err))
	require.Equal(t, int64(1000), e.cache.StagingSize(key))
	require.False(t, e.cache.Exists(key))
}

func TestFetch_ResumeWithoutStoredTokenIsChanged(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, content(modTime, payload))
	_, err := e.cache.Save(key, bytes.NewReader(payload[:1000]), int64(len(payload)), nil)
	require.NoError(t, err)

	out, _ := e.run(key)
	require.Equal(t, Unrecoverable, out.Kind)
	require.ErrorIs(t, out.Err, ErrResourceChanged)
}

func TestFetch_FreshDownloadStoresToken(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", modTime.Format(http.TimeFormat))
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload[:40])
		w.(http.Flusher).Flush()
		// connection dropped before the declared length
		panic(http.ErrAbortHandler)
	})

	out, _ := e.run(key)
	require.Equal(t, Recoverable, out.Kind)
	require.Error(t, out.Err)
	tok, ok, err := e.tokens.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, modTime.Format(http.TimeFormat), tok)
	require.Equal(t, int64(40), e.cache.StagingSize(key))
}

func TestFetch_RangeIgnored(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", modTime.Format(http.TimeFormat))
		_, _ = w.Write(payload)
	})
	_, err := e.cache.Save(key, bytes.NewReader(payload[:10]), int64(len(payload)), nil)
	require.NoError(t, err)

	out, _ := e.run(key)
	require.Equal(t, Unrecoverable, out.Kind)
	require.ErrorIs(t, out.Err, ErrRangeIgnored)
	require.True(t, IsStale(out.Err))
}

func TestFetch_BadStatus(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	out, _ := e.run(key)
	require.Equal(t, Unrecoverable, out.Kind)
	var se *StatusError
	require.ErrorAs(t, out.Err, &se)
	require.Equal(t, http.StatusNotFound, se.Code)
	require.False(t, IsStale(out.Err))
}

func TestFetch_MalformedURL(t *testing.T) {
	e := newEnv(t)
	for _, key := range []string{"not a url", "ftp://example.com/x", "http://", "://bad"} {
		out, _ := e.run(key)
		require.Equal(t, Unrecoverable, out.Kind, key)
		require.ErrorIs(t, out.Err, ErrMalformedURL, key)
	}
}

func TestFetch_RedirectStatusIsUnrecoverable(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere.bin", http.StatusFound)
	})

	out, _ := e.run(key)
	require.Equal(t, Unrecoverable, out.Kind)
	var se *StatusError
	require.ErrorAs(t, out.Err, &se)
	require.Equal(t, http.StatusFound, se.Code)
	require.NotErrorIs(t, out.Err, ErrRedirected)
	require.Equal(t, int32(1), e.hits.Load(), "redirects are not followed")
}

func TestFetch_AcceptedResponseFromOtherResource(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere.bin")
		_, _ = w.Write([]byte("payload"))
	})

	out, _ := e.run(key)
	require.Equal(t, Recoverable, out.Kind)
	require.ErrorIs(t, out.Err, ErrRedirected)
}

func TestFetch_ContentTooLarge(t *testing.T) {
	e := newEnv(t)
	e.f.MaxContentSize = 1024
	key := e.serve(t, content(modTime, payload))

	out, _ := e.run(key)
	require.Equal(t, Unrecoverable, out.Kind)
	require.ErrorIs(t, out.Err, ErrContentTooLarge)
	require.Equal(t, int64(0), e.cache.StagingSize(key))
}

func TestFetch_UnknownLength(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload[:100])
		w.(http.Flusher).Flush()
		_, _ = w.Write(payload[100:200])
	})

	out, progress := e.run(key)
	require.Equal(t, Success, out.Kind, "err=%v", out.Err)
	require.Equal(t, int64(200), out.Total)
	require.Equal(t, []int{100}, progress)
}

func TestFetch_CancelMidStream(t *testing.T) {
	e := newEnv(t)
	release := make(chan struct{})
	key := e.serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload[:64<<10])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })

	var x *Fetch
	x = e.f.New(key, func(int) { x.Cancel() })
	out := x.Run(context.Background())
	require.Equal(t, Cancelled, out.Kind)
	require.NoError(t, out.Err)
	require.Greater(t, e.cache.StagingSize(key), int64(0))
	require.False(t, e.cache.Exists(key))
}

func TestFetch_CancelBeforeRun(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, content(modTime, payload))
	x := e.f.New(key, nil)
	x.Cancel()
	x.Cancel()

	out := x.Run(context.Background())
	require.Equal(t, Cancelled, out.Kind)
}

func TestFetch_ContextCancelled(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, content(modTime, payload))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := e.f.New(key, nil).Run(ctx)
	require.Equal(t, Cancelled, out.Kind)
}

func TestFetch_Stalled(t *testing.T) {
	e := newEnv(t)
	e.f.ReadTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	key := e.serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload[:1024])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })

	out, _ := e.run(key)
	require.Equal(t, Recoverable, out.Kind)
	require.ErrorIs(t, out.Err, ErrStalled)
}

func TestFetch_WaitsForConcurrentWriter(t *testing.T) {
	e := newEnv(t)
	key := e.serve(t, content(modTime, payload))
	unlock, err := e.cache.Lock(context.Background(), key, nil)
	require.NoError(t, err)

	x := e.f.New(key, nil)
	done := make(chan Outcome, 1)
	go func() { done <- x.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(0), e.hits.Load())
	// the other writer finishes the artifact
	ok, err := e.cache.Save(key, bytes.NewReader(payload), int64(len(payload)), nil)
	require.NoError(t, err)
	require.True(t, ok)
	unlock()

	out := <-done
	require.Equal(t, Success, out.Kind)
	require.Equal(t, int32(0), e.hits.Load())
}

func TestFreshness(t *testing.T) {
	h := http.Header{}
	require.Equal(t, "", freshness(h))
	h.Set("ETag", `W/"abc"`)
	require.Equal(t, "abc", freshness(h))
	h.Set("Last-Modified", "Wed, 01 May 2024 12:00:00 GMT")
	require.Equal(t, "Wed, 01 May 2024 12:00:00 GMT", freshness(h))
}

func TestCheckStatus(t *testing.T) {
	require.NoError(t, checkStatus(200, false))
	require.NoError(t, checkStatus(204, false))
	require.NoError(t, checkStatus(206, true))
	require.ErrorIs(t, checkStatus(200, true), ErrRangeIgnored)
	require.Error(t, checkStatus(302, false))
	require.True(t, IsStale(checkStatus(416, true)))
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "success", Success.String())
	require.Equal(t, "cancelled", Cancelled.String())
	require.Equal(t, "recoverable", Recoverable.String())
	require.Equal(t, "unrecoverable", Unrecoverable.String())
	require.Equal(t, "kind(9)", Kind(9).String())
}
