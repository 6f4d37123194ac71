// Package egress decides, per source and per attempt, which network origin
// a fetch is issued from.
//
// Sources with a relayed egress policy are forwarded through a secondary
// egress point known to originate from an unblocked address range. The
// relay is a scarce, rate-limited resource: concurrent relayed requests
// are capped independently of the crawl worker pool.
package egress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/martinsantos/licitometro-sub001/internal/metrics"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
)

// ErrRelayUnavailable is returned when a relayed source is crawled but no
// relay egress point is configured.
var ErrRelayUnavailable = errors.New("relay egress not configured")

// Config controls the router's relay path.
type Config struct {
	ProxyURL       string
	MaxConcurrent  int
	RequestsPerSec float64
	Timeout        time.Duration
}

// Router issues requests directly or through the relay, per source policy.
type Router struct {
	direct       *http.Client
	relay        *http.Client
	relaySem     *semaphore.Weighted
	relayLimiter *rate.Limiter
	relayProxy   *url.URL
	logger       *zap.Logger
}

// NewRouter builds a Router. A missing proxy URL disables the relay path;
// relayed sources then fail fast instead of leaking direct requests.
func NewRouter(cfg Config, requestTimeout time.Duration, logger *zap.Logger) (*Router, error) {
	r := &Router{
		direct: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
	if cfg.ProxyURL == "" {
		return r, nil
	}
	proxy, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay proxy url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = requestTimeout
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	r.relayProxy = proxy
	r.relay = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(proxy),
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	r.relaySem = semaphore.NewWeighted(int64(maxConcurrent))
	r.relayLimiter = rate.NewLimiter(limit, 1)
	return r, nil
}

// RelayEnabled reports whether a relay egress point is configured.
func (r *Router) RelayEnabled() bool {
	return r.relay != nil
}

// ProxyURL returns the relay proxy endpoint, or nil when disabled.
// Headless adapters configure their browser proxy from this.
func (r *Router) ProxyURL() *url.URL {
	return r.relayProxy
}

// Do issues the request from the egress point the source's policy demands.
// A relayed source never falls back to direct egress, regardless of relay
// availability.
func (r *Router) Do(ctx context.Context, src registry.SourceConfig, req *http.Request) (*http.Response, error) {
	if src.Egress != registry.EgressRelayed {
		resp, err := r.direct.Do(req.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("direct fetch %s: %w", req.URL, err)
		}
		return resp, nil
	}

	if r.relay == nil {
		return nil, fmt.Errorf("source %s: %w", src.ID, ErrRelayUnavailable)
	}

	release, err := r.acquireRelaySlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := r.relay.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("relayed fetch %s: %w", req.URL, err)
	}
	return resp, nil
}

// AcquireRelay reserves a relay slot for adapters that manage their own
// transport (colly, chromedp) but still must honor the shared relay cap.
// For direct sources the returned release is a no-op.
func (r *Router) AcquireRelay(ctx context.Context, src registry.SourceConfig) (func(), error) {
	if src.Egress != registry.EgressRelayed {
		return func() {}, nil
	}
	if r.relay == nil {
		return nil, fmt.Errorf("source %s: %w", src.ID, ErrRelayUnavailable)
	}
	return r.acquireRelaySlot(ctx)
}

func (r *Router) acquireRelaySlot(ctx context.Context) (func(), error) {
	start := time.Now()
	if err := r.relaySem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire relay slot: %w", err)
	}
	if err := r.relayLimiter.Wait(ctx); err != nil {
		r.relaySem.Release(1)
		return nil, fmt.Errorf("relay rate limit: %w", err)
	}
	metrics.ObserveRelayWait(time.Since(start).Seconds())
	return func() { r.relaySem.Release(1) }, nil
}
