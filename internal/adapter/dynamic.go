package adapter

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/martinsantos/licitometro-sub001/internal/egress"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// DynamicAdapter drives a headless browser to render client-executed pages
// before applying the same extraction rules the static adapter uses. Used
// when listing content is not present in the initial server response.
type DynamicAdapter struct {
	deps            Deps
	jitter          bool
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	sem             chan struct{}
}

// NewDynamicAdapter starts a shared headless browser. When jitter is set
// the adapter randomizes timing and viewport between navigations
// (anti-bot mode). The browser rides the relay proxy only when the
// source's egress policy demands it; direct sources render directly.
func NewDynamicAdapter(src registry.SourceConfig, deps Deps, jitter bool) (*DynamicAdapter, error) {
	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(deps.UserAgent),
	)
	proxy, err := relayProxyFor(src, deps)
	if err != nil {
		return nil, err
	}
	if proxy != nil {
		opts = append(opts, chromedp.ProxyServer(proxy.String()))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	maxTabs := deps.RenderMaxTabs
	if maxTabs <= 0 {
		maxTabs = 1
	}
	return &DynamicAdapter{
		deps:            deps,
		jitter:          jitter,
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		sem:             make(chan struct{}, maxTabs),
	}, nil
}

// Close tears down the browser and allocator contexts.
func (a *DynamicAdapter) Close() error {
	if a == nil {
		return nil
	}
	a.browserCancel()
	a.allocatorCancel()
	return nil
}

// FetchPage renders one listing page and extracts its items.
func (a *DynamicAdapter) FetchPage(
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

	if err := a.acquireTab(ctx); err != nil {
		return nil, nil, err
	}
	defer func() { <-a.sem }()

	if a.jitter {
		if err := sleepJitter(ctx, 500*time.Millisecond, 2500*time.Millisecond); err != nil {
			return nil, nil, err
		}
	}

	html, statusCode, err := a.render(ctx, cursor.PageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("render %s: %w", cursor.PageURL, err)
	}

	if a.deps.Detector != nil {
		if err := a.deps.Detector.Inspect(src.ID, statusCode, []byte(html)); err != nil {
			return nil, nil, err
		}
	}
	if statusCode >= 400 {
		return nil, nil, fmt.Errorf("render %s: status %d", cursor.PageURL, statusCode)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(html)))
	if err != nil {
		return nil, nil, fmt.Errorf("parse rendered markup: %w", err)
	}

	items := extractMarkupItems(src, doc, time.Now().UTC())
	next := nextFromLocator(src, doc, cursor)
	return items, next, nil
}

func (a *DynamicAdapter) acquireTab(ctx context.Context) error {
	select {
	case a.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire render tab: %w", ctx.Err())
	}
}

func (a *DynamicAdapter) render(ctx context.Context, pageURL string) (string, int, error) {
	tabCtx, cancelTab := chromedp.NewContext(a.browserCtx)
	defer cancelTab()

	timeout := a.deps.RenderTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	taskCtx, cancelTask := context.WithTimeout(tabCtx, timeout)
	defer cancelTask()

	stop := forwardCancel(ctx, cancelTask)
	defer stop()

	statusCode := 0
	pageHost := hostOf(pageURL)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		if statusCode == 0 && hostOf(resp.Response.URL) == pageHost {
			statusCode = int(resp.Response.Status)
		}
	})

	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(a.deps.UserAgent),
	}
	if a.jitter {
		tasks = append(tasks, randomViewport())
	}
	var html string
	tasks = append(tasks,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return "", 0, err
	}
	if statusCode == 0 {
		statusCode = 200
	}
	return html, statusCode, nil
}

// relayProxyFor returns the proxy the browser must ride, nil for direct
// egress sources.
func relayProxyFor(src registry.SourceConfig, deps Deps) (*url.URL, error) {
	if src.Egress != registry.EgressRelayed {
		return nil, nil
	}
	proxy := deps.Router.ProxyURL()
	if proxy == nil {
		return nil, fmt.Errorf("source %s: %w", src.ID, egress.ErrRelayUnavailable)
	}
	return proxy, nil
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
