package egress

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// ErrBlocked indicates the source is actively rejecting automated access.
var ErrBlocked = errors.New("blocking signature detected")

// Challenge-page markers checked case-insensitively in response bodies.
var defaultChallengeMarkers = []string{
	"captcha",
	"cf-browser-verification",
	"challenge-platform",
	"are you a robot",
	"access denied",
	"unusual traffic",
}

const defaultForbiddenThreshold = 3

// BlockingDetector recognizes blocking signatures: challenge pages and
// sustained forbidden/empty-result patterns. Counters are per source and
// reset on a successful page, so a lone 403 does not fail a session.
type BlockingDetector struct {
	mu        sync.Mutex
	markers   []string
	threshold int
	forbidden map[string]int
}

// NewBlockingDetector builds a detector with the default marker set.
func NewBlockingDetector(threshold int) *BlockingDetector {
	if threshold <= 0 {
		threshold = defaultForbiddenThreshold
	}
	return &BlockingDetector{
		markers:   defaultChallengeMarkers,
		threshold: threshold,
		forbidden: make(map[string]int),
	}
}

// Inspect examines one response for a blocking signature. It returns an
// error wrapping ErrBlocked when the source should be flagged for operator
// review, and nil otherwise.
func (d *BlockingDetector) Inspect(sourceID string, statusCode int, body []byte) error {
	if statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests {
		d.mu.Lock()
		d.forbidden[sourceID]++
		count := d.forbidden[sourceID]
		d.mu.Unlock()
		if count >= d.threshold {
			return fmt.Errorf("%w: %d consecutive %d responses from %s", ErrBlocked, count, statusCode, sourceID)
		}
		return nil
	}

	d.mu.Lock()
	delete(d.forbidden, sourceID)
	d.mu.Unlock()

	lower := strings.ToLower(string(body))
	for _, marker := range d.markers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: challenge marker %q from %s", ErrBlocked, marker, sourceID)
		}
	}
	return nil
}
