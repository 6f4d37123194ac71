package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/martinsantos/licitometro-sub001/internal/adapter"
	"github.com/martinsantos/licitometro-sub001/internal/egress"
	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/storage"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

const maxDocumentBytes = 64 << 20

// Fetcher performs the network side of enrichment: detail pages and
// document downloads, routed through the same egress policy as the crawl.
type Fetcher struct {
	router    *egress.Router
	blobs     storage.BlobStore
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewFetcher builds a Fetcher.
func NewFetcher(router *egress.Router, blobs storage.BlobStore, userAgent string, timeout time.Duration, logger *zap.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		router:    router,
		blobs:     blobs,
		userAgent: userAgent,
		timeout:   timeout,
		logger:    logger,
	}
}

// FetchDetail downloads a record's detail page and extracts the fields the
// listing did not carry, plus links to attached documents.
func (f *Fetcher) FetchDetail(ctx context.Context, src registry.SourceConfig, detailURL string) (tender.RawRecord, []tender.Document, error) {
	if detailURL == "" {
		return tender.RawRecord{}, nil, fmt.Errorf("source %s: record has no detail url", src.ID)
	}
	base, err := url.Parse(detailURL)
	if err != nil {
		return tender.RawRecord{}, nil, fmt.Errorf("parse detail url %q: %w", detailURL, err)
	}

	body, _, err := f.get(ctx, src, detailURL)
	if err != nil {
		return tender.RawRecord{}, nil, err
	}
	defer body.Close()

	raw, docs, err := adapter.ExtractDetail(src, io.LimitReader(body, maxDocumentBytes), base)
	if err != nil {
		return tender.RawRecord{}, nil, fmt.Errorf("parse detail page %s: %w", detailURL, err)
	}
	return raw, docs, nil
}

// FetchDocument downloads one attachment and stores it as a blob. The
// returned document carries either the blob URI or a failure note; a
// failed sibling never poisons the rest of the set.
func (f *Fetcher) FetchDocument(ctx context.Context, src registry.SourceConfig, recordID string, doc tender.Document) tender.Document {
	body, contentType, err := f.get(ctx, src, doc.SourceURL)
	if err != nil {
		f.logger.Warn("document fetch failed",
			zap.String("record", recordID),
			zap.String("url", doc.SourceURL),
			zap.Error(err),
		)
		doc.FailNote = err.Error()
		return doc
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxDocumentBytes))
	if err != nil {
		doc.FailNote = fmt.Sprintf("read document body: %v", err)
		return doc
	}

	key := blobKey(recordID, doc.SourceURL)
	uri, err := f.blobs.Put(ctx, key, contentType, data)
	if err != nil {
		doc.FailNote = fmt.Sprintf("store document: %v", err)
		return doc
	}

	doc.BlobURI = uri
	doc.Fetched = true
	doc.FailNote = ""
	return doc
}

func (f *Fetcher) get(ctx context.Context, src registry.SourceConfig, rawURL string) (io.ReadCloser, string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, "", fmt.Errorf("build request %s: %w", rawURL, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.router.Do(ctx, src, req)
	if err != nil {
		cancel()
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, "", fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, resp.Header.Get("Content-Type"), nil
}

// cancelOnClose ties the request context's lifetime to the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// blobKey derives a stable storage key from the record and document URL.
// The URL digest prefix keeps same-named attachments from clobbering
// each other.
func blobKey(recordID, sourceURL string) string {
	name := "document"
	if parsed, err := url.Parse(sourceURL); err == nil {
		if base := path.Base(parsed.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	sum := sha256.Sum256([]byte(sourceURL))
	return fmt.Sprintf("%s/%s-%s", recordID, hex.EncodeToString(sum[:4]), name)
}
