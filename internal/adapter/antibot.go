package adapter

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/martinsantos/licitometro-sub001/internal/registry"
)

// NewAntiBotAdapter builds the evasion variant of the dynamic adapter:
// identical rendering path plus randomized timing and viewport, and a hard
// requirement that the source routes through the relay.
func NewAntiBotAdapter(src registry.SourceConfig, deps Deps) (*DynamicAdapter, error) {
	if src.Egress != registry.EgressRelayed {
		return nil, fmt.Errorf("source %s: anti-bot-automation requires relayed egress", src.ID)
	}
	if !deps.Router.RelayEnabled() {
		return nil, fmt.Errorf("source %s: %w", src.ID, errRelayRequired)
	}
	return NewDynamicAdapter(src, deps, true)
}

var errRelayRequired = fmt.Errorf("anti-bot source configured but no relay egress available")

// sleepJitter pauses for a random duration within [min, max), honoring ctx.
func sleepJitter(ctx context.Context, min, max time.Duration) error {
	span := int64(max - min)
	if span <= 0 {
		span = 1
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		n = big.NewInt(span / 2)
	}
	timer := time.NewTimer(min + time.Duration(n.Int64()))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var viewports = [][2]int64{
	{1366, 768},
	{1440, 900},
	{1536, 864},
	{1920, 1080},
}

// randomViewport picks one of a small set of common desktop viewports so
// consecutive navigations do not share a fingerprint.
func randomViewport() chromedp.Action {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(viewports))))
	idx := int64(0)
	if err == nil {
		idx = n.Int64()
	}
	vp := viewports[idx]
	return chromedp.EmulateViewport(vp[0], vp[1])
}
