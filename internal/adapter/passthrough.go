package adapter

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// PassthroughAdapter serves sources already ingested by an upstream public
// procurement aggregator. Rather than crawling an independent site, it
// filters the aggregator's normalized feed down to the records relevant to
// this catalog, by jurisdiction code.
type PassthroughAdapter struct {
	deps Deps
}

// NewPassthroughAdapter builds the aggregator feed adapter.
func NewPassthroughAdapter(deps Deps) *PassthroughAdapter {
	return &PassthroughAdapter{deps: deps}
}

// Feed field names are fixed by the upstream aggregator's contract.
const (
	feedItemsPath        = "items"
	feedNextTokenPath    = "next_token"
	feedJurisdictionPath = "jurisdiction"
)

// FetchPage pulls one page of the aggregator feed and keeps only records
// in the source's jurisdiction.
func (a *PassthroughAdapter) FetchPage(
	ctx context.Context,
	src registry.SourceConfig,
	cursor *Cursor,
) ([]tender.RawRecord, *Cursor, error) {
	if cursor == nil {
		cursor = firstCursor(src)
	}

	pageURL, err := feedPageURL(src.BaseURL, cursor.Token)
	if err != nil {
		return nil, nil, err
	}

	payload, err := fetchJSON(ctx, a.deps, src, pageURL)
	if err != nil {
		return nil, nil, err
	}

	fetchedAt := time.Now().UTC()
	var records []tender.RawRecord
	for _, item := range itemsAt(payload, feedItemsPath) {
		if src.Jurisdiction != "" && stringAt(item, feedJurisdictionPath) != src.Jurisdiction {
			continue
		}
		rec := tender.RawRecord{
			SourceID:     src.ID,
			NativeID:     stringAt(item, "id"),
			TenderNumber: stringAt(item, "tender_number"),
			Title:        stringAt(item, "title"),
			Organization: stringAt(item, "organization"),
			DetailURL:    stringAt(item, "detail_url"),
			Fields:       make(map[string]string),
			FetchedAt:    fetchedAt,
		}
		if raw := stringAt(item, "budget"); raw != "" {
			if amount, ok := parseBudget(raw); ok {
				rec.Budget = &amount
			}
		}
		if raw := stringAt(item, "published_at"); raw != "" {
			if ts, ok := parseDate(raw); ok {
				rec.PublishedAt = &ts
			}
		}
		if j := stringAt(item, feedJurisdictionPath); j != "" {
			rec.Fields[feedJurisdictionPath] = j
		}
		if rec.Title != "" || rec.TenderNumber != "" || rec.NativeID != "" {
			records = append(records, rec)
		}
	}

	token := stringAt(payload, feedNextTokenPath)
	if token == "" || token == cursor.Token {
		return records, nil, nil
	}
	return records, &Cursor{Token: token, PageNum: cursor.PageNum + 1}, nil
}

func feedPageURL(base, token string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	if token != "" {
		q := parsed.Query()
		q.Set("page_token", token)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}
