package adapter

import (
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/martinsantos/licitometro-sub001/internal/registry"
	"github.com/martinsantos/licitometro-sub001/internal/tender"
)

// Well-known extraction rule field names. Anything else lands in the raw
// record's Fields map.
const (
	fieldTitle        = "title"
	fieldTenderNumber = "tender_number"
	fieldNativeID     = "native_id"
	fieldOrganization = "organization"
	fieldBudget       = "budget"
	fieldPublishedAt  = "published_at"
	fieldClosesAt     = "closes_at"
	fieldDetailURL    = "detail_url"
)

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2006-01-02T15:04:05Z07:00",
	"02-01-2006",
	"2/1/2006",
}

// extractMarkupItems applies a source's extraction rules to a parsed
// listing page and returns one raw record per item container.
// A locator that yields nothing leaves the field null; it never aborts
// the page.
func extractMarkupItems(src registry.SourceConfig, doc *goquery.Document, fetchedAt time.Time) []tender.RawRecord {
	itemSel := src.ItemLocator
	if itemSel == "" {
		itemSel = "body"
	}
	var records []tender.RawRecord
	doc.Find(itemSel).Each(func(_ int, item *goquery.Selection) {
		rec := tender.RawRecord{
			SourceID:  src.ID,
			Fields:    make(map[string]string),
			FetchedAt: fetchedAt,
		}
		for _, rule := range src.Rules {
			value := locateValue(item, rule)
			if value == "" {
				continue
			}
			assignField(&rec, rule.Field, value)
		}
		if rec.Title != "" || rec.TenderNumber != "" || rec.NativeID != "" {
			records = append(records, rec)
		}
	})
	return records
}

func locateValue(item *goquery.Selection, rule registry.ExtractionRule) string {
	sel := item.Find(rule.Locator).First()
	if sel.Length() == 0 {
		return ""
	}
	if rule.Attr != "" {
		value, _ := sel.Attr(rule.Attr)
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(sel.Text())
}

// assignField routes an extracted value into its typed slot, or the
// free-form Fields map for source-specific extras.
func assignField(rec *tender.RawRecord, field, value string) {
	switch field {
	case fieldTitle:
		rec.Title = value
	case fieldTenderNumber:
		rec.TenderNumber = value
	case fieldNativeID:
		rec.NativeID = value
	case fieldOrganization:
		rec.Organization = value
	case fieldBudget:
		if amount, ok := parseBudget(value); ok {
			rec.Budget = &amount
		} else {
			rec.Fields[field] = value
		}
	case fieldPublishedAt:
		if ts, ok := parseDate(value); ok {
			rec.PublishedAt = &ts
		} else {
			rec.Fields[field] = value
		}
	case fieldClosesAt:
		if ts, ok := parseDate(value); ok {
			rec.ClosesAt = &ts
		} else {
			rec.Fields[field] = value
		}
	case fieldDetailURL:
		rec.DetailURL = value
	default:
		rec.Fields[field] = value
	}
}

// parseBudget strips currency decoration. Handles both "1.500.000,50"
// (comma decimals, dot thousands) and "1,500,000.50".
func parseBudget(raw string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			return r
		default:
			return -1
		}
	}, raw)
	if cleaned == "" {
		return 0, false
	}
	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	if lastComma > lastDot {
		// comma is the decimal separator
		cleaned = strings.ReplaceAll(cleaned[:lastComma], ".", "") + "." + cleaned[lastComma+1:]
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	} else {
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}
	amount, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return amount, true
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
