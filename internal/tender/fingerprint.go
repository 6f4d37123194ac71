package tender

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fingerprint computes the stable dedup key for a raw observation.
//
// Identity is keyed on the best stable identifier the source exposes, in
// priority order: the government-assigned tender/expedient number, then a
// normalized title+organization+publication-date composite. Source URLs are
// never part of the key; several portals expose detail pages through
// session-bound links that expire shortly after generation.
func Fingerprint(sourceID string, raw RawRecord) string {
	if num := strings.TrimSpace(raw.TenderNumber); num != "" {
		return digest(sourceID, "num", NormalizeText(num))
	}
	if id := strings.TrimSpace(raw.NativeID); id != "" {
		return digest(sourceID, "native", NormalizeText(id))
	}
	date := ""
	if raw.PublishedAt != nil {
		date = raw.PublishedAt.UTC().Format("2006-01-02")
	}
	composite := NormalizeText(raw.Title) + "|" + NormalizeText(raw.Organization) + "|" + date
	return digest(sourceID, "composite", composite)
}

func digest(sourceID, kind, key string) string {
	sum := sha256.Sum256([]byte(sourceID + "|" + kind + "|" + key))
	return hex.EncodeToString(sum[:16])
}

var foldTransformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeText lowercases, strips diacritics and collapses whitespace.
// Shared by fingerprinting and the keyword matching engine so both sides
// compare text under the same folding.
func NormalizeText(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
