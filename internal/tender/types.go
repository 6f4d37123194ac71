// Package tender defines the core record types shared across the ingestion pipeline.
package tender

import "time"

// EnrichmentLevel is the fidelity tier of a canonical record.
type EnrichmentLevel int

// Enrichment levels. A record only moves upward through these.
const (
	LevelDiscovered EnrichmentLevel = 1 // listing-page fields only
	LevelDetailed   EnrichmentLevel = 2 // detail page fetched
	LevelComplete   EnrichmentLevel = 3 // attached documents fetched
)

// RawRecord is the source-native representation produced by one adapter
// page fetch. It lives only until identity resolution and is never persisted.
type RawRecord struct {
	SourceID     string            `json:"source_id"`
	NativeID     string            `json:"native_id,omitempty"`
	TenderNumber string            `json:"tender_number,omitempty"`
	Title        string            `json:"title"`
	Organization string            `json:"organization,omitempty"`
	Budget       *float64          `json:"budget,omitempty"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
	ClosesAt     *time.Time        `json:"closes_at,omitempty"`
	DetailURL    string            `json:"detail_url,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	FetchedAt    time.Time         `json:"fetched_at"`
}

// Document is an attachment discovered during level-3 enrichment.
// A document keeps its failure note when its own fetch fails; siblings
// that succeeded are retained regardless.
type Document struct {
	Name      string `json:"name"`
	SourceURL string `json:"source_url"`
	BlobURI   string `json:"blob_uri,omitempty"`
	Fetched   bool   `json:"fetched"`
	FailNote  string `json:"fail_note,omitempty"`
}

// CanonicalRecord is the durable, deduplicated representation of one
// real-world tender. Exactly one exists per fingerprint.
type CanonicalRecord struct {
	ID           string            `json:"id"`
	Fingerprint  string            `json:"fingerprint"`
	SourceID     string            `json:"source_id"`
	TenderNumber string            `json:"tender_number,omitempty"`
	Title        string            `json:"title"`
	Organization string            `json:"organization,omitempty"`
	Budget       *float64          `json:"budget,omitempty"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
	ClosesAt     *time.Time        `json:"closes_at,omitempty"`
	DetailURL    string            `json:"detail_url,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	Level        EnrichmentLevel   `json:"enrichment_level"`
	LevelFailure string            `json:"level_failure,omitempty"`
	Documents    []Document        `json:"documents,omitempty"`
	NodeIDs      []string          `json:"node_ids,omitempty"`
	FirstSeenAt  time.Time         `json:"first_seen_at"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
	Archived     bool              `json:"archived"`
}

// SearchText concatenates the fields the matching engine scans.
func (r CanonicalRecord) SearchText() string {
	text := r.Title
	if r.Organization != "" {
		text += " " + r.Organization
	}
	for _, v := range r.Fields {
		text += " " + v
	}
	return text
}

// UnresolvedRecord is a raw observation whose merge was rejected because
// its core facts contradicted the canonical record with the same
// fingerprint. Held for operator review, never auto-merged.
type UnresolvedRecord struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Raw         RawRecord `json:"raw"`
	Reason      string    `json:"reason"`
	HeldAt      time.Time `json:"held_at"`
}
