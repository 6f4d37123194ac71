// Package adapter implements one execution strategy per source capability
// tag, polymorphic over a single page-fetch contract.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/egress"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// Cursor is the opaque pagination position handed back by FetchPage.
// A nil *Cursor means the result set is exhausted.
type Cursor struct {
	PageURL string // next-locator pagination
	Offset  int    // offset pagination
	Token   string // token pagination
	PageNum int
}

// Adapter fetches one page of raw items for a source.
type Adapter interface {
	FetchPage(ctx context.Context, src registry.SourceConfig, cursor *Cursor) (items []tender.RawRecord, next *Cursor, err error)
}

// Deps carries the shared collaborators adapters are built from.
type Deps struct {
	Router         *egress.Router
	Detector       *egress.BlockingDetector
	UserAgent      string
	RequestTimeout time.Duration
	RenderTimeout  time.Duration
	RenderMaxTabs  int
	Logger         *zap.Logger
}

// ErrUnknownCapability is returned for a capability tag no adapter serves.
var ErrUnknownCapability = errors.New("unknown source capability")

// ForSource selects the concrete adapter for a source's capability tag.
func ForSource(src registry.SourceConfig, deps Deps) (Adapter, error) {
	switch src.Capability {
	case registry.CapStaticMarkup:
		return NewStaticAdapter(deps)
	case registry.CapDynamic:
		return NewDynamicAdapter(src, deps, false)
	case registry.CapAntiBot:
		return NewAntiBotAdapter(src, deps)
	case registry.CapStructured:
		return NewStructuredAdapter(deps), nil
	case registry.CapPassthrough:
		return NewPassthroughAdapter(deps), nil
	default:
		return nil, fmt.Errorf("source %s: %w: %q", src.ID, ErrUnknownCapability, src.Capability)
	}
}

// firstCursor seeds pagination from the source config.
func firstCursor(src registry.SourceConfig) *Cursor {
	return &Cursor{PageURL: src.BaseURL, PageNum: 1}
}
