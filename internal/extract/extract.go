// Package extract turns fetched HTML into the feature families the triage
// cascade consumes. It is the reference extractor; external extractors may
// replace it as long as they produce the same feature contract.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/oddfrontier/internal/canonical"
	"github.com/JakeFAU/oddfrontier/internal/crawler"
)

// Version is stamped into every FeatureSet's provenance.
const Version = "goquery-1"

var (
	retroTags    = []string{"marquee", "blink", "font", "center", "frameset"}
	wordPattern  = regexp.MustCompile(`\w+`)
	defaultOddKw = []string{"webring", "guestbook", "bbs", "forum", "tilde", "topsites", "gopher", "zine"}
)

// Config tunes the extractor.
type Config struct {
	// MaxExcerptChars caps the text carried in the FeatureSet.
	MaxExcerptChars int
	// OddKeywords mark content worth a closer look; empty uses defaults.
	OddKeywords []string
}

// Link is an outbound link discovered in the page, already canonicalized.
type Link struct {
	URL        string
	AnchorText string
}

// Result is the extractor's full output: the cascade's FeatureSet plus the
// outbound links the frontier may want as new candidates.
type Result struct {
	Features *crawler.FeatureSet
	Links    []Link
}

// Extractor builds FeatureSets from raw HTML bodies.
type Extractor struct {
	cfg   Config
	canon canonical.Policy
	clock crawler.Clock
}

// New constructs an Extractor; zero-value config fields get defaults.
func New(cfg Config, canon canonical.Policy, clock crawler.Clock) *Extractor {
	if cfg.MaxExcerptChars <= 0 {
		cfg.MaxExcerptChars = 2000
	}
	if len(cfg.OddKeywords) == 0 {
		cfg.OddKeywords = defaultOddKw
	}
	return &Extractor{cfg: cfg, canon: canon, clock: clock}
}

// Extract parses body and computes the structure, retro_html, url_weird,
// semantic, and graph feature families. The text placed in the FeatureSet
// is plain extracted text; callers are responsible for redaction before
// handing the result to anything that persists it.
func (e *Extractor) Extract(pageURL string, body []byte, fetchedAt time.Time) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	text := strings.Join(strings.Fields(doc.Text()), " ")
	tokenCount := float64(len(wordPattern.FindAllString(text, -1)))

	totalNodes := float64(doc.Find("*").Length())
	if totalNodes < 1 {
		totalNodes = 1
	}
	anchorRatio := float64(doc.Find("a").Length()) / totalNodes
	scriptRatio := float64(doc.Find("script").Length()) / totalNodes

	bodyLen := float64(len(body))
	if bodyLen < 1 {
		bodyLen = 1
	}
	textDensity := float64(len(text)) / bodyLen

	retroHits := 0.0
	for _, tag := range retroTags {
		retroHits += float64(doc.Find(tag).Length())
	}
	retroScore := min(retroHits/3.0, 1.0)

	lowerText := strings.ToLower(text)
	oddKeyword := 0.0
	for _, kw := range e.cfg.OddKeywords {
		if strings.Contains(lowerText, kw) {
			oddKeyword = 1
			break
		}
	}

	links, webringHits := e.outboundLinks(pageURL, doc)
	domains := make(map[string]struct{}, len(links))
	for _, l := range links {
		if u, err := url.Parse(l.URL); err == nil {
			domains[u.Hostname()] = struct{}{}
		}
	}

	excerpt := text
	if len(excerpt) > e.cfg.MaxExcerptChars {
		excerpt = excerpt[:e.cfg.MaxExcerptChars]
	}

	fs := &crawler.FeatureSet{
		URL: pageURL,
		Families: map[string]map[string]float64{
			"structure": {
				"token_count":  tokenCount,
				"anchor_ratio": anchorRatio,
				"script_ratio": scriptRatio,
				"text_density": textDensity,
				"retro_score":  retroScore,
				"odd_keyword":  oddKeyword,
				"text_length":  float64(len(text)),
			},
			"retro_html": {"score": retroScore},
			"url_weird":  {"score": urlWeirdScore(pageURL)},
			"semantic":   {"score": min(tokenCount/800.0, 1.0)},
			"anomaly":    {"score": 0},
			"graph": {
				"score":            0,
				"outbound_count":   float64(len(links)),
				"outbound_domains": float64(len(domains)),
				"webring_hits":     webringHits,
			},
		},
		Text: excerpt,
		Provenance: crawler.Provenance{
			ExtractorVersion: Version,
			FetchedAt:        fetchedAt,
			ExtractedAt:      e.clock.Now(),
		},
	}
	return &Result{Features: fs, Links: links}, nil
}

// outboundLinks resolves, canonicalizes, and dedups every anchor href,
// counting webring mentions along the way.
func (e *Extractor) outboundLinks(pageURL string, doc *goquery.Document) ([]Link, float64) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, 0
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(href); err == nil {
			base = resolved
		}
	}

	var links []Link
	seen := make(map[string]struct{})
	webringHits := 0.0

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		absolute, err := base.Parse(href)
		if err != nil {
			return
		}
		key, err := e.canon.Canonicalize(absolute.String(), "")
		if err != nil {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}

		anchorText := strings.Join(strings.Fields(sel.Text()), " ")
		if len(anchorText) > 160 {
			anchorText = anchorText[:160]
		}
		if strings.Contains(strings.ToLower(anchorText), "webring") ||
			strings.Contains(strings.ToLower(key), "webring") {
			webringHits++
		}
		links = append(links, Link{URL: key, AnchorText: anchorText})
	})
	return links, webringHits
}

// urlWeirdScore flags URL shapes typical of the old, hand-built web.
func urlWeirdScore(pageURL string) float64 {
	lower := strings.ToLower(pageURL)
	if strings.Contains(lower, "cgi-bin") ||
		strings.Contains(pageURL, "/~") ||
		strings.HasPrefix(lower, "http://") {
		return 1
	}
	return 0
}
