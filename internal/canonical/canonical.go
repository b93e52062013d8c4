// Package canonical normalizes raw URLs into stable canonical keys used for
// identity and dedup throughout the frontier.
package canonical

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/oddfrontier/internal/crawler"
)

// DefaultAllowedSchemes is the scheme whitelist applied when a Policy does
// not override it.
var DefaultAllowedSchemes = []string{"http", "https"}

// Policy configures canonicalization. The zero value allows http/https and
// strips nothing.
type Policy struct {
	// AllowedSchemes whitelists URL schemes; empty means DefaultAllowedSchemes.
	AllowedSchemes []string
	// StripQueryKeys removes tracking parameters (e.g. utm_source) from the
	// canonical key.
	StripQueryKeys []string
	// HonorDeclaredCanonical canonicalizes a page-declared rel=canonical
	// target instead of the fetched URL when one is supplied.
	HonorDeclaredCanonical bool
}

// Canonicalize normalizes rawURL with the default policy.
func Canonicalize(rawURL string) (string, error) {
	return Policy{}.Canonicalize(rawURL, "")
}

// Canonicalize returns the canonical key for rawURL. When the policy honors
// declared canonicals and declared parses cleanly, the declared target wins.
// The function is total and deterministic: the same input and policy always
// produce the same key, and canonical keys are fixed points.
func (p Policy) Canonicalize(rawURL, declared string) (string, error) {
	if p.HonorDeclaredCanonical && declared != "" {
		if key, err := p.normalize(declared); err == nil {
			return key, nil
		}
		// A bad declared canonical falls back to the fetched URL.
	}
	return p.normalize(rawURL)
}

func (p Policy) normalize(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty url", crawler.ErrMalformedURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", crawler.ErrMalformedURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return "", fmt.Errorf("%w: missing scheme in %q", crawler.ErrMalformedURL, trimmed)
	}
	if !p.schemeAllowed(scheme) {
		return "", fmt.Errorf("%w: scheme %q not allowed", crawler.ErrMalformedURL, scheme)
	}
	u.Scheme = scheme

	host := strings.ToLower(u.Hostname())
	host = strings.Trim(host, ".")
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", crawler.ErrMalformedURL, trimmed)
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	u.Path = normalizePath(u.Path)
	u.RawPath = ""
	u.Fragment = ""
	u.RawQuery = p.normalizeQuery(u.Query())

	return u.String(), nil
}

func (p Policy) schemeAllowed(scheme string) bool {
	allowed := p.AllowedSchemes
	if len(allowed) == 0 {
		allowed = DefaultAllowedSchemes
	}
	for _, s := range allowed {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

// normalizePath resolves dot segments and collapses duplicate slashes while
// keeping a meaningful trailing slash, since many servers distinguish
// /dir from /dir/.
func normalizePath(raw string) string {
	if raw == "" {
		return "/"
	}
	trailing := strings.HasSuffix(raw, "/")
	cleaned := path.Clean(raw)
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	if trailing && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// normalizeQuery drops configured tracking keys and re-encodes the rest in
// sorted key order so equivalent URLs collapse to one key.
func (p Policy) normalizeQuery(q url.Values) string {
	for _, key := range p.StripQueryKeys {
		q.Del(key)
	}
	return q.Encode()
}
