package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// StaticAdapter serves static-markup sources: one HTTP fetch per page,
// extraction rules applied to the returned markup tree.
type StaticAdapter struct {
	deps Deps
}

// NewStaticAdapter builds the colly-backed static adapter.
func NewStaticAdapter(deps Deps) (*StaticAdapter, error) {
	if deps.Router == nil {
		return nil, fmt.Errorf("static adapter requires an egress router")
	}
	return &StaticAdapter{deps: deps}, nil
}

type fetchResult struct {
	statusCode int
	body       []byte
	err        error
}

// FetchPage fetches one listing page and extracts its items. The
// pagination rule's "next" locator supplies the following cursor.
func (a *StaticAdapter) FetchPage(
	ctx context.Context,
	src registry.SourceConfig,
	cursor *Cursor,
) ([]tender.RawRecord, *Cursor, error) {
	if cursor == nil {
		cursor = firstCursor(src)
	}

	release, err := a.deps.Router.AcquireRelay(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	result := a.fetch(ctx, src, cursor.PageURL)
	if result.err != nil {
		return nil, nil, result.err
	}

	if a.deps.Detector != nil {
		if err := a.deps.Detector.Inspect(src.ID, result.statusCode, result.body); err != nil {
			return nil, nil, err
		}
	}
	if result.statusCode < 200 || result.statusCode >= 300 {
		return nil, nil, fmt.Errorf("fetch %s: status %d", cursor.PageURL, result.statusCode)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(result.body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse markup %s: %w", cursor.PageURL, err)
	}

	items := extractMarkupItems(src, doc, time.Now().UTC())
	next := nextFromLocator(src, doc, cursor)
	return items, next, nil
}

func (a *StaticAdapter) fetch(ctx context.Context, src registry.SourceConfig, pageURL string) fetchResult {
	collector := colly.NewCollector(colly.UserAgent(a.deps.UserAgent))
	collector.SetRequestTimeout(a.deps.RequestTimeout)
	collector.WithTransport(&http.Transport{
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: a.deps.RequestTimeout,
	})
	if src.Egress == registry.EgressRelayed {
		if proxy := a.deps.Router.ProxyURL(); proxy != nil {
			if err := collector.SetProxy(proxy.String()); err != nil {
				return fetchResult{err: fmt.Errorf("set relay proxy: %w", err)}
			}
		}
	}

	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{
			statusCode: r.StatusCode,
			body:       append([]byte{}, r.Body...),
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// Keep the status and body: the blocking detector needs them.
			send(fetchResult{
				statusCode: r.StatusCode,
				body:       append([]byte{}, r.Body...),
			})
			return
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(pageURL); err != nil {
		return fetchResult{err: fmt.Errorf("visit %s: %w", pageURL, err)}
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return fetchResult{err: err}
		}
		return res
	default:
		return fetchResult{err: errors.New("fetch produced no result")}
	}
}

// nextFromLocator resolves the pagination "next" link against the current
// page URL. Absent or unresolvable links end the session cleanly.
func nextFromLocator(src registry.SourceConfig, doc *goquery.Document, cursor *Cursor) *Cursor {
	if src.Pagination.Kind != registry.PageByNextLocator {
		return nil
	}
	href, ok := doc.Find(src.Pagination.NextLocator).First().Attr("href")
	if !ok || href == "" {
		return nil
	}
	base, err := url.Parse(cursor.PageURL)
	if err != nil {
		return nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	return &Cursor{
		PageURL: base.ResolveReference(ref).String(),
		PageNum: cursor.PageNum + 1,
	}
}
