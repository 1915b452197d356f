// reiharvest - polite, resumable web-harvesting substrate for real-estate listings
//
// Package canonical reduces a URL to a deterministic cache key. Grounded on
// the original Python implementation's URLNormalizer (original_source's
// app/scrapers/url_normalizer.py): lowercase scheme+host, strip trailing
// path slashes, drop the fragment, keep only an allow-listed set of query
// parameters sorted lexicographically, then hash.
//
// Canonicalization never fails: malformed input is parsed best-effort and
// still produces a normalized form.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/tomtom215/reiharvest/internal/models"
)

// DefaultSiteKey is used to look up the allow-list when a site's entry is
// absent from AllowList.
const DefaultSiteKey = "default"

// AllowList maps a site name to the set of query-parameter keys retained
// during normalization. It is part of configuration (internal/config).
type AllowList map[string]map[string]struct{}

// NewAllowList builds an AllowList from a plain map[string][]string, the
// shape config.CanonicalConfig loads from YAML/env.
func NewAllowList(raw map[string][]string) AllowList {
	out := make(AllowList, len(raw))
	for site, keys := range raw {
		set := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			set[k] = struct{}{}
		}
		out[site] = set
	}
	if _, ok := out[DefaultSiteKey]; !ok {
		out[DefaultSiteKey] = map[string]struct{}{"id": {}, "page": {}}
	}
	return out
}

// allowedKeys returns the allow-list for siteName, falling back to "default".
func (a AllowList) allowedKeys(siteName string) map[string]struct{} {
	if keys, ok := a[siteName]; ok {
		return keys
	}
	return a[DefaultSiteKey]
}

// Canonicalizer is pure, stateless and deterministic.
type Canonicalizer struct {
	allowList AllowList
}

// New creates a Canonicalizer backed by allowList.
func New(allowList AllowList) *Canonicalizer {
	if allowList == nil {
		allowList = NewAllowList(nil)
	}
	return &Canonicalizer{allowList: allowList}
}

// Canonicalize implements the algorithm in the specification's §4.1:
//  1. parse scheme/host/path/query/fragment
//  2. lowercase scheme and host
//  3. strip trailing "/" from the path (root becomes empty)
//  4. discard the fragment
//  5. keep only allow-listed query keys, sorted lexicographically, values in
//     original order within a key, blank values preserved
//  6. reassemble and hash with SHA-256, lowercase hex
func (c *Canonicalizer) Canonicalize(rawURL, siteName string) models.CanonicalURL {
	normalized := c.normalize(rawURL, siteName)
	sum := sha256.Sum256([]byte(normalized))
	return models.CanonicalURL{
		OriginalURL:   rawURL,
		NormalizedURL: normalized,
		URLHash:       hex.EncodeToString(sum[:]),
	}
}

func (c *Canonicalizer) normalize(rawURL, siteName string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		// Best-effort fallback: hash whatever string we were given, verbatim.
		// Canonicalization never fails per the specification's error taxonomy.
		return rawURL
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	path := strings.TrimRight(u.Path, "/")

	query := filterQuery(u.RawQuery, c.allowList.allowedKeys(siteName))

	out := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path,
		RawQuery: query,
	}
	return out.String()
}

// filterQuery keeps only allowed keys, sorts keys lexicographically, and
// preserves the original value order within a key (including blank values).
func filterQuery(rawQuery string, allowed map[string]struct{}) string {
	if rawQuery == "" {
		return ""
	}

	// url.ParseQuery discards ordering info across keys but preserves the
	// per-key slice order, which is exactly what the spec requires.
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		if _, ok := allowed[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
