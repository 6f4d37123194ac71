package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// StructuredAdapter calls a documented JSON endpoint directly. Extraction
// rules map response fields (dot paths) instead of markup locators, and
// pagination advances by offset or continuation token.
type StructuredAdapter struct {
	deps Deps
}

// NewStructuredAdapter builds the JSON API adapter.
func NewStructuredAdapter(deps Deps) *StructuredAdapter {
	return &StructuredAdapter{deps: deps}
}

// FetchPage requests one page of the API result set.
func (a *StructuredAdapter) FetchPage(
	ctx context.Context,
	src registry.SourceConfig,
	cursor *Cursor,
) ([]tender.RawRecord, *Cursor, error) {
	if cursor == nil {
		cursor = firstCursor(src)
	}

	pageURL, err := a.pageURL(src, cursor)
	if err != nil {
		return nil, nil, err
	}

	payload, err := fetchJSON(ctx, a.deps, src, pageURL)
	if err != nil {
		return nil, nil, err
	}

	rawItems := itemsAt(payload, src.ItemLocator)
	fetchedAt := time.Now().UTC()
	records := make([]tender.RawRecord, 0, len(rawItems))
	for _, item := range rawItems {
		rec := tender.RawRecord{
			SourceID:  src.ID,
			Fields:    make(map[string]string),
			FetchedAt: fetchedAt,
		}
		for _, rule := range src.Rules {
			value := stringAt(item, rule.Locator)
			if value == "" {
				continue
			}
			assignField(&rec, rule.Field, value)
		}
		if rec.Title != "" || rec.TenderNumber != "" || rec.NativeID != "" {
			records = append(records, rec)
		}
	}

	next := a.nextCursor(src, cursor, payload, len(rawItems))
	return records, next, nil
}

func (a *StructuredAdapter) pageURL(src registry.SourceConfig, cursor *Cursor) (string, error) {
	parsed, err := url.Parse(src.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := parsed.Query()
	switch src.Pagination.Kind {
	case registry.PageByOffset:
		q.Set(src.Pagination.OffsetParam, strconv.Itoa(cursor.Offset))
	case registry.PageByToken:
		if cursor.Token != "" {
			q.Set(src.Pagination.TokenField, cursor.Token)
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func (a *StructuredAdapter) nextCursor(
	src registry.SourceConfig,
	cursor *Cursor,
	payload map[string]any,
	itemCount int,
) *Cursor {
	switch src.Pagination.Kind {
	case registry.PageByOffset:
		if itemCount == 0 || itemCount < src.Pagination.PageSize {
			return nil
		}
		return &Cursor{Offset: cursor.Offset + src.Pagination.PageSize, PageNum: cursor.PageNum + 1}
	case registry.PageByToken:
		token := stringAt(payload, src.Pagination.TokenField)
		if token == "" || token == cursor.Token {
			return nil
		}
		return &Cursor{Token: token, PageNum: cursor.PageNum + 1}
	default:
		return nil
	}
}

// fetchJSON issues a GET through the egress router and decodes the body.
// Shared with the passthrough adapter.
func fetchJSON(ctx context.Context, deps Deps, src registry.SourceConfig, pageURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", deps.UserAgent)

	resp, err := deps.Router.Do(ctx, src, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", pageURL, err)
	}
	if deps.Detector != nil {
		if err := deps.Detector.Inspect(src.ID, resp.StatusCode, body); err != nil {
			return nil, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	payload := make(map[string]any)
	if err := json.Unmarshal(body, &payload); err != nil {
		// Some endpoints return a bare array.
		var list []any
		if listErr := json.Unmarshal(body, &list); listErr == nil {
			return map[string]any{"items": list}, nil
		}
		return nil, fmt.Errorf("decode json %s: %w", pageURL, err)
	}
	return payload, nil
}

// itemsAt walks a dot path and returns the array of objects found there.
func itemsAt(payload map[string]any, path string) []map[string]any {
	if path == "" {
		path = "items"
	}
	value := valueAt(payload, path)
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, entry := range list {
		if obj, ok := entry.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

func valueAt(payload map[string]any, path string) any {
	var current any = payload
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return current
}

func stringAt(payload map[string]any, path string) string {
	switch v := valueAt(payload, path).(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
