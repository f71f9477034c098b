package web

import (
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ashita-ai/raidline/internal/model"
)

// countPattern matches the first count in labels like "1,204 Likes. Like"
// or "3.4K reposts".
var countPattern = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)([KMB])?\b`)

// parseMetrics extracts engagement counters from a post page. Each counter
// comes from the aria-label (or text) of the element with the matching
// data-testid. Missing counters stay nil.
func parseMetrics(r io.Reader) (model.Metrics, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return model.Metrics{}, err
	}

	var m model.Metrics
	found := false
	for _, f := range []struct {
		testID string
		dst    **int64
	}{
		{"like", &m.Likes},
		{"retweet", &m.Retweets},
		{"reply", &m.Replies},
		{"quote", &m.Quotes},
		{"bookmark", &m.Bookmarks},
		{"views", &m.Views},
	} {
		sel := doc.Find(`[data-testid="` + f.testID + `"]`).First()
		if sel.Length() == 0 {
			continue
		}
		label, ok := sel.Attr("aria-label")
		if !ok {
			label = sel.Text()
		}
		if n, ok := parseCount(label); ok {
			*f.dst = &n
			found = true
		}
	}
	if !found {
		return model.Metrics{}, errors.New("web: no engagement counters on page")
	}
	return m, nil
}

// parseCount reads the first count in s, expanding K/M/B suffixes.
func parseCount(s string) (int64, bool) {
	match := countPattern.FindStringSubmatch(strings.TrimSpace(s))
	if match == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToUpper(match[2]) {
	case "K":
		f *= 1e3
	case "M":
		f *= 1e6
	case "B":
		f *= 1e9
	}
	return int64(f + 0.5), true
}
