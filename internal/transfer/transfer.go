// Package transfer performs resumable single-resource HTTP fetches into the cache.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/fetchq/internal/hctx"
	"github.com/UniQw/fetchq/internal/logging"
	"github.com/UniQw/fetchq/internal/tokens"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/UniQw/fetchq/internal/transfer")

// Store is the part of the cache a fetch writes to.
type Store interface {
	Exists(key string) bool
	Artifact(key string) string
	Size(key string) (int64, bool)
	StagingSize(key string) int64
	Save(key string, r io.Reader, expected int64, sink func(staged int64) bool) (bool, error)
	Lock(ctx context.Context, key string, stop <-chan struct{}) (func(), error)
}

// NewClient returns an HTTP client that never follows redirects and applies
// the connect timeout at dial time and the read timeout to response headers.
func NewClient(connectTimeout, readTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		// range offsets count identity-encoded bytes
		DisableCompression: true,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Fetcher holds what every fetch shares. It is safe for concurrent use.
type Fetcher struct {
	Client         *http.Client
	Store          Store
	Tokens         tokens.Store
	ReadTimeout    time.Duration
	MaxContentSize int64
	Log            logging.Logger
}

// New prepares a fetch of key. progress, if set, receives integer percentages.
func (f *Fetcher) New(key string, progress func(percent int)) *Fetch {
	return &Fetch{key: key, f: f, progress: progress, stop: make(chan struct{})}
}

// Fetch is one resumable attempt at a resource. Cancel may be called from
// any goroutine; Run is called once.
type Fetch struct {
	key      string
	f        *Fetcher
	progress func(int)

	stop chan struct{}
	once sync.Once
}

// Cancel asks a running or future Run to stop reading and return Cancelled.
func (x *Fetch) Cancel() {
	x.once.Do(func() { close(x.stop) })
}

func (x *Fetch) stopped() bool {
	select {
	case <-x.stop:
		return true
	default:
		return false
	}
}

func (x *Fetch) report(p int) {
	if x.progress != nil {
		x.progress(p)
	}
}

func (x *Fetch) log() logging.Logger { return logging.OrNop(x.f.Log) }

// Run performs the attempt. Every failure is encoded in the returned Outcome.
func (x *Fetch) Run(ctx context.Context) (out Outcome) {
	ctx, span := tracer.Start(ctx, "fetchq.transfer", trace.WithAttributes(attribute.String("fetchq.key", x.key)))
	if st, ok := hctx.From(ctx); ok {
		span.SetAttributes(
			attribute.Int("fetchq.worker", st.Worker),
			attribute.String("fetchq.tag", st.Tag),
			attribute.Int("fetchq.attempt", st.Attempt),
		)
	}
	defer func() {
		span.SetAttributes(attribute.String("fetchq.outcome", out.Kind.String()))
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	if hit, ok := x.cached(); ok {
		return hit
	}
	if x.stopped() {
		return Outcome{Kind: Cancelled}
	}

	u, err := url.Parse(x.key)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Outcome{Kind: Unrecoverable, Err: fmt.Errorf("%w: %q", ErrMalformedURL, x.key)}
	}

	unlock, err := x.f.Store.Lock(ctx, x.key, x.stop)
	if err != nil {
		return Outcome{Kind: Cancelled}
	}
	defer unlock()
	// a concurrent writer may have finished while we waited
	if hit, ok := x.cached(); ok {
		return hit
	}

	return x.fetch(ctx, u)
}

func (x *Fetch) cached() (Outcome, bool) {
	if !x.f.Store.Exists(x.key) {
		return Outcome{}, false
	}
	size, _ := x.f.Store.Size(x.key)
	return Outcome{Kind: Success, Artifact: x.f.Store.Artifact(x.key), Total: size}, true
}

func (x *Fetch) fetch(ctx context.Context, u *url.URL) Outcome {
	staged := x.f.Store.StagingSize(x.key)
	resumed := staged > 0

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	go func() {
		select {
		case <-x.stop:
			cancelReq()
		case <-reqCtx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Outcome{Kind: Unrecoverable, Err: fmt.Errorf("%w: %v", ErrMalformedURL, err)}
	}
	if resumed {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", staged))
	}
	x.log().Debugf("transfer: request key=%s staged=%d", x.key, staged)

	resp, err := x.f.Client.Do(req)
	if err != nil {
		if x.stopped() || ctx.Err() != nil {
			return Outcome{Kind: Cancelled}
		}
		return Outcome{Kind: Recoverable, Err: fmt.Errorf("transfer: request: %w", err)}
	}
	defer resp.Body.Close()

	// 3xx is an invalid status; only an accepted response pointing elsewhere
	// is worth another attempt.
	if err := checkStatus(resp.StatusCode, resumed); err != nil {
		return Outcome{Kind: Unrecoverable, Err: err}
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		target, perr := req.URL.Parse(loc)
		if perr != nil || target.String() != req.URL.String() {
			return Outcome{Kind: Recoverable, Err: fmt.Errorf("%w: %s", ErrRedirected, loc)}
		}
	}
	var start int64
	if resp.StatusCode == http.StatusPartialContent {
		start = staged
	}

	if out, ok := x.checkFreshness(ctx, resp.Header, resumed); !ok {
		return out
	}

	expected := int64(-1)
	if resp.ContentLength >= 0 {
		expected = start + resp.ContentLength
	}
	if x.f.MaxContentSize > 0 && expected > x.f.MaxContentSize {
		return Outcome{Kind: Unrecoverable, Err: fmt.Errorf("%w: %d > %d", ErrContentTooLarge, expected, x.f.MaxContentSize)}
	}

	var stalled atomic.Bool
	var idle *time.Timer
	if x.f.ReadTimeout > 0 {
		idle = time.AfterFunc(x.f.ReadTimeout, func() {
			stalled.Store(true)
			cancelReq()
		})
		defer idle.Stop()
	}

	last := -1
	done, err := x.f.Store.Save(x.key, resp.Body, expected, func(n int64) bool {
		if idle != nil {
			idle.Reset(x.f.ReadTimeout)
		}
		if expected > 0 {
			if p := int(n * 100 / expected); p != last {
				last = p
				x.report(p)
			}
		}
		return !x.stopped() && ctx.Err() == nil
	})

	if err == nil && done {
		if last != 100 {
			x.report(100)
		}
		if cerr := x.f.Tokens.Clear(ctx, x.key); cerr != nil {
			x.log().Warnf("transfer: clear token failed: key=%s err=%v", x.key, cerr)
		}
		hit, _ := x.cached()
		return hit
	}
	switch {
	case x.stopped() || ctx.Err() != nil:
		return Outcome{Kind: Cancelled}
	case stalled.Load():
		return Outcome{Kind: Recoverable, Err: fmt.Errorf("%w after %s", ErrStalled, x.f.ReadTimeout)}
	case err != nil:
		return Outcome{Kind: Recoverable, Err: fmt.Errorf("transfer: read body: %w", err)}
	default:
		return Outcome{Kind: Recoverable, Err: ErrIncomplete}
	}
}

// checkFreshness stores the server token on a fresh download and compares it
// on a resumed one. It returns false with the outcome to report on failure.
func (x *Fetch) checkFreshness(ctx context.Context, h http.Header, resumed bool) (Outcome, bool) {
	token := freshness(h)
	if !resumed {
		if token != "" {
			if err := x.f.Tokens.Set(ctx, x.key, token); err != nil {
				x.log().Warnf("transfer: store token failed: key=%s err=%v", x.key, err)
			}
		}
		return Outcome{}, true
	}
	stored, ok, err := x.f.Tokens.Get(ctx, x.key)
	if err != nil {
		return Outcome{Kind: Recoverable, Err: fmt.Errorf("%w: %w", ErrTokenUnavailable, err)}, false
	}
	if token != "" && (!ok || token != stored) {
		return Outcome{Kind: Unrecoverable, Err: fmt.Errorf("%w: stored=%q current=%q", ErrResourceChanged, stored, token)}, false
	}
	return Outcome{}, true
}

func freshness(h http.Header) string {
	if lm := h.Get("Last-Modified"); lm != "" {
		return lm
	}
	return cleanETag(h.Get("ETag"))
}

func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
