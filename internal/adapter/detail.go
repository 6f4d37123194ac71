package adapter

import (
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// Extensions treated as downloadable tender documents on a detail page.
var documentExtensions = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".xls":  true,
	".xlsx": true,
	".odt":  true,
	".zip":  true,
}

// ExtractDetail applies a source's extraction rules to a detail page as a
// whole and harvests links to attached documents. It is used by the
// enrichment pipeline rather than the listing crawl; the item locator is
// ignored because a detail page describes exactly one tender.
func ExtractDetail(src registry.SourceConfig, body io.Reader, base *url.URL) (tender.RawRecord, []tender.Document, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return tender.RawRecord{}, nil, err
	}

	rec := tender.RawRecord{
		SourceID:  src.ID,
		Fields:    make(map[string]string),
		FetchedAt: time.Now().UTC(),
	}
	root := doc.Selection
	for _, rule := range src.Rules {
		value := locateValue(root, rule)
		if value == "" {
			continue
		}
		assignField(&rec, rule.Field, value)
	}

	return rec, documentLinks(doc, base), nil
}

// documentLinks collects anchors pointing at downloadable attachments,
// resolved against the page URL. Duplicate hrefs collapse to one entry.
func documentLinks(doc *goquery.Document, base *url.URL) []tender.Document {
	seen := make(map[string]bool)
	var docs []tender.Document
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		ext := strings.ToLower(path.Ext(ref.Path))
		if !documentExtensions[ext] {
			return
		}
		abs := ref.String()
		if seen[abs] {
			return
		}
		seen[abs] = true

		name := strings.TrimSpace(a.Text())
		if name == "" {
			name = path.Base(ref.Path)
		}
		docs = append(docs, tender.Document{Name: name, SourceURL: abs})
	})
	return docs
}
