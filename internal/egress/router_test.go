package egress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/registry"
)

func newDirectSource() registry.SourceConfig {
	return registry.SourceConfig{ID: "src-direct", Egress: registry.EgressDirect}
}

func newRelayedSource() registry.SourceConfig {
	return registry.SourceConfig{ID: "src-relayed", Egress: registry.EgressRelayed}
}

func TestRouterDirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	router, err := NewRouter(Config{}, 5*time.Second, zap.NewNop())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := router.Do(context.Background(), newDirectSource(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterRelayedNeverFallsBackToDirect(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// No relay configured: the relayed source must fail, not leak a direct request.
	router, err := NewRouter(Config{}, 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	require.False(t, router.RelayEnabled())

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = router.Do(context.Background(), newRelayedSource(), req)
	require.ErrorIs(t, err, ErrRelayUnavailable)
	require.Zero(t, hits, "no direct-egress attempt may be issued for a relayed source")
}

func TestRouterRelayedGoesThroughProxy(t *testing.T) {
	proxied := 0
	// The proxy sees the absolute-URI request that http.Transport sends
	// when a Proxy function is set.
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied++
		require.True(t, r.URL.IsAbs() || r.Method == http.MethodConnect)
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	router, err := NewRouter(Config{
		ProxyURL:       proxy.URL,
		MaxConcurrent:  1,
		RequestsPerSec: 100,
	}, 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	require.True(t, router.RelayEnabled())

	req, err := http.NewRequest(http.MethodGet, "http://portal.example/licitaciones", nil)
	require.NoError(t, err)

	resp, err := router.Do(context.Background(), newRelayedSource(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 1, proxied)
}

func TestRouterRelaySlotRespectsContext(t *testing.T) {
	router, err := NewRouter(Config{ProxyURL: "http://relay.internal:3128", MaxConcurrent: 1}, time.Second, zap.NewNop())
	require.NoError(t, err)

	// Occupy the only slot.
	require.NoError(t, router.relaySem.Acquire(context.Background(), 1))
	defer router.relaySem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, "http://portal.example/", nil)
	require.NoError(t, err)

	_, err = router.Do(ctx, newRelayedSource(), req)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlockingDetectorChallengeMarker(t *testing.T) {
	detector := NewBlockingDetector(3)
	err := detector.Inspect("src-a", http.StatusOK, []byte(`<html>Please solve this CAPTCHA to continue</html>`))
	require.ErrorIs(t, err, ErrBlocked)
}

func TestBlockingDetectorForbiddenStreak(t *testing.T) {
	detector := NewBlockingDetector(3)
	require.NoError(t, detector.Inspect("src-a", http.StatusForbidden, nil))
	require.NoError(t, detector.Inspect("src-a", http.StatusForbidden, nil))
	require.ErrorIs(t, detector.Inspect("src-a", http.StatusForbidden, nil), ErrBlocked)
}

func TestBlockingDetectorStreakResetsOnSuccess(t *testing.T) {
	detector := NewBlockingDetector(2)
	require.NoError(t, detector.Inspect("src-a", http.StatusForbidden, nil))
	require.NoError(t, detector.Inspect("src-a", http.StatusOK, []byte("<html>normal listing</html>")))
	require.NoError(t, detector.Inspect("src-a", http.StatusForbidden, nil), "streak must reset after a good page")
}

func TestBlockingDetectorIsPerSource(t *testing.T) {
	detector := NewBlockingDetector(2)
	require.NoError(t, detector.Inspect("src-a", http.StatusForbidden, nil))
	require.NoError(t, detector.Inspect("src-b", http.StatusForbidden, nil), "counters must not bleed across sources")
}
