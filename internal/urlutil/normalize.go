package urlutil

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/goware/urlx"
)

var (
	// Common tracking parameters to remove
	trackingParams = []string{
		"utm_source", "utm_medium", "utm_campaign",
		"utm_term", "utm_content",
		"fbclid", "gclid", "mc_cid", "mc_eid",
		"ref", "ref_src", "ref_url",
	}

	// URL pattern to extract URLs from text
	urlPattern = regexp.MustCompile(`https?://[^\s<>'"]+`)

	// Hosts that point back into Bluesky itself
	selfHosts = map[string]bool{"bsky.app": true, "bsky.social": true}
)

// ExtractURLs finds all URLs in a text string
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)

	// Clean up URLs (remove trailing punctuation, etc.)
	var urls []string
	for _, match := range matches {
		cleaned := strings.TrimRight(match, ".,;:!?)")
		urls = append(urls, cleaned)
	}

	return urls
}

// Normalize normalizes a URL by:
// - Converting to lowercase (scheme and host)
// - Removing default ports
// - Sorting query parameters
// - Removing tracking parameters
// - Removing trailing slashes
// - Removing fragments
func Normalize(rawURL string) (string, error) {
	// Parse and normalize using urlx
	parsed, err := urlx.Parse(rawURL)
	if err != nil {
		return "", err
	}

	normalized, err := urlx.Normalize(parsed)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return normalized, nil
	}

	q := u.Query()
	for _, param := range trackingParams {
		q.Del(param)
	}
	u.RawQuery = q.Encode()

	// Keep the slash only for root paths
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	u.Fragment = ""

	return u.String(), nil
}

// Links returns the distinct normalized URLs found in text followed by
// extra (embed URIs), in first-seen order, skipping links into Bluesky
// itself and anything that fails to normalize.
func Links(text string, extra ...string) []string {
	candidates := append(ExtractURLs(text), extra...)

	seen := make(map[string]bool, len(candidates))
	var out []string
	for _, raw := range candidates {
		if raw == "" {
			continue
		}
		normalized, err := Normalize(raw)
		if err != nil || seen[normalized] || IsSelfLink(normalized) {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	return out
}

// IsSelfLink reports whether rawURL points at a Bluesky web host.
func IsSelfLink(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return selfHosts[host]
}
