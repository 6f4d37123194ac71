// Package registry holds per-source crawl configuration.
//
// Source configs are owned by an administrator and mutated only through
// configuration edits; the pipeline reads them and records run metadata.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Capability selects the execution strategy for a source.
type Capability string

// Source capability tags.
const (
	CapStaticMarkup Capability = "static-markup"
	CapDynamic      Capability = "dynamic-automation"
	CapAntiBot      Capability = "anti-bot-automation"
	CapStructured   Capability = "structured-api"
	CapPassthrough  Capability = "passthrough"
)

// EgressPolicy selects the network origin for a source's requests.
type EgressPolicy string

// Egress policies. Relayed egress is scarce and set manually by an
// operator once a direct attempt has shown a blocking signature.
const (
	EgressDirect  EgressPolicy = "direct"
	EgressRelayed EgressPolicy = "relayed"
)

// PaginationKind selects how a source exposes further result pages.
type PaginationKind string

// Pagination rule kinds.
const (
	PageByNextLocator PaginationKind = "next-locator" // follow a "next" link locator
	PageByOffset      PaginationKind = "offset"       // numeric offset parameter
	PageByToken       PaginationKind = "token"        // opaque continuation token
	PageNone          PaginationKind = "none"
)

// PaginationRule describes how to advance through a source's result set.
type PaginationRule struct {
	Kind        PaginationKind `json:"kind"`
	NextLocator string         `json:"next_locator,omitempty"` // required for next-locator
	OffsetParam string         `json:"offset_param,omitempty"` // required for offset
	PageSize    int            `json:"page_size,omitempty"`
	TokenField  string         `json:"token_field,omitempty"` // required for token
}

// ExtractionRule maps a logical field name to a source-specific locator
// (CSS selector for markup sources, response path for structured ones).
type ExtractionRule struct {
	Field   string `json:"field"`
	Locator string `json:"locator"`
	Attr    string `json:"attr,omitempty"` // markup attribute, text content when empty
}

// SourceConfig is the full per-source configuration.
type SourceConfig struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	BaseURL         string           `json:"base_url"`
	Capability      Capability       `json:"capability"`
	Rules           []ExtractionRule `json:"rules"`
	ItemLocator     string           `json:"item_locator,omitempty"` // container of one listing item (markup) or items array (structured)
	Pagination      PaginationRule   `json:"pagination"`
	Egress          EgressPolicy     `json:"egress"`
	RequestsPerSec  float64          `json:"requests_per_sec,omitempty"`
	MaxPages        int              `json:"max_pages,omitempty"`
	MaxItems        int              `json:"max_items,omitempty"`
	Jurisdiction    string           `json:"jurisdiction,omitempty"` // passthrough feed filter
	Active          bool             `json:"active"`
	ReviewRequested bool             `json:"review_requested"`
	ReviewReason    string           `json:"review_reason,omitempty"`
	LastRunAt       *time.Time       `json:"last_run_at,omitempty"`
}

// ErrNotFound is returned when a source id is unknown.
var ErrNotFound = errors.New("source not found")

// Store provides read access for the pipeline and write access for the
// administrator configuration surface.
type Store interface {
	ActiveSources(ctx context.Context) ([]SourceConfig, error)
	Get(ctx context.Context, id string) (SourceConfig, error)
	Save(ctx context.Context, cfg SourceConfig) error
	MarkRun(ctx context.Context, id string, at time.Time) error
	FlagForReview(ctx context.Context, id, reason string) error
}

// Validate rejects malformed configs at save time rather than at crawl time.
func (c SourceConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("source id is required")
	}
	if c.Capability != CapPassthrough {
		parsed, err := url.Parse(c.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("source %s: base_url %q is not an absolute URL", c.ID, c.BaseURL)
		}
	}
	switch c.Capability {
	case CapStaticMarkup, CapDynamic, CapAntiBot, CapStructured, CapPassthrough:
	default:
		return fmt.Errorf("source %s: unknown capability %q", c.ID, c.Capability)
	}
	switch c.Egress {
	case EgressDirect, EgressRelayed:
	default:
		return fmt.Errorf("source %s: unknown egress policy %q", c.ID, c.Egress)
	}
	if c.Capability == CapAntiBot && c.Egress != EgressRelayed {
		return fmt.Errorf("source %s: anti-bot-automation requires relayed egress", c.ID)
	}
	if c.Capability != CapPassthrough && len(c.Rules) == 0 {
		return fmt.Errorf("source %s: at least one extraction rule is required", c.ID)
	}
	for i, rule := range c.Rules {
		if strings.TrimSpace(rule.Field) == "" {
			return fmt.Errorf("source %s: extraction rule %d has an empty field name", c.ID, i)
		}
		if strings.TrimSpace(rule.Locator) == "" {
			return fmt.Errorf("source %s: extraction rule %q has an empty locator", c.ID, rule.Field)
		}
	}
	return c.Pagination.validate(c.ID)
}

func (p PaginationRule) validate(sourceID string) error {
	switch p.Kind {
	case PageByNextLocator:
		if strings.TrimSpace(p.NextLocator) == "" {
			return fmt.Errorf("source %s: next-locator pagination requires next_locator", sourceID)
		}
	case PageByOffset:
		if strings.TrimSpace(p.OffsetParam) == "" || p.PageSize <= 0 {
			return fmt.Errorf("source %s: offset pagination requires offset_param and page_size", sourceID)
		}
	case PageByToken:
		if strings.TrimSpace(p.TokenField) == "" {
			return fmt.Errorf("source %s: token pagination requires token_field", sourceID)
		}
	case PageNone:
	default:
		return fmt.Errorf("source %s: unknown pagination kind %q", sourceID, p.Kind)
	}
	return nil
}
