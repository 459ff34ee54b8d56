// Package ingest is the normalization boundary between crawler output and
// the canonical news.Record.
//
// Two shapes arrive here: strict rows matching the canonical schema, and
// partial rows from legacy source stores whose column sets drifted over the
// years. Partial rows are coerced by column-name matching with null
// defaults (best-effort ingestion, never outright rejection) and every
// coercion is logged. Crawler HTML content is sanitised and flattened to
// markdown text before storage so downstream readers never see raw markup.
package ingest

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/finveille/news"
)

// Normalizer resolves heterogeneous crawler output into canonical records.
// Safe for concurrent use.
type Normalizer struct {
	policy *bluemonday.Policy
	logger *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLogger sets the logger used for coercion reports.
func WithLogger(l *slog.Logger) Option { return func(n *Normalizer) { n.logger = l } }

// New creates a Normalizer with the UGC sanitization policy.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{policy: bluemonday.UGCPolicy()}
	for _, o := range opts {
		o(n)
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	return n
}

// CleanContent sanitises crawler HTML and converts it to markdown text.
// Plain text passes through unchanged apart from whitespace trimming; a
// conversion failure falls back to the sanitised input rather than losing
// the content.
func (n *Normalizer) CleanContent(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.ContainsAny(trimmed, "<>") {
		return trimmed
	}

	safe := n.policy.Sanitize(trimmed)
	md, err := htmltomarkdown.ConvertString(safe)
	if err != nil {
		n.logger.Warn("ingest: html conversion failed, keeping sanitised content", "error", err)
		return strings.TrimSpace(safe)
	}
	return strings.TrimSpace(md)
}

// Coerce resolves a partial row into a canonical Record by column-name
// matching. Fields absent from the row keep their zero value; fields whose
// raw value cannot be interpreted are zeroed too. The returned list names
// every canonical column that was missing or defaulted, one log line per
// coerced row; callers count these for the merge report.
func (n *Normalizer) Coerce(p news.Partial) (news.Record, []string) {
	// Rows from an already-canonical store convert positionally; any
	// value that does not convert cleanly falls back to name matching.
	if p.Strict() {
		if rec, ok := exact(p); ok {
			return rec, nil
		}
	}

	byName := make(map[string]any, len(p.Columns))
	for i, c := range p.Columns {
		if i < len(p.Values) {
			byName[c] = p.Values[i]
		}
	}

	var rec news.Record
	var coerced []string
	miss := func(col string) { coerced = append(coerced, col) }

	str := func(col string) string {
		v, ok := byName[col]
		if !ok {
			miss(col)
			return ""
		}
		s, ok := asString(v)
		if !ok {
			miss(col)
			return ""
		}
		return s
	}

	rec.ID = str("id")
	rec.Title = str("title")
	rec.Content = str("content")
	rec.Author = str("author")
	rec.Source = str("source")
	rec.URL = str("url")
	rec.Category = str("category")
	rec.CrawlTime = str("crawl_time")

	// Legacy stores used publish_time before the rename; honour either.
	if v, ok := byName["pub_time"]; ok {
		rec.PubTime, _ = asString(v)
	} else if v, ok := byName["publish_time"]; ok {
		rec.PubTime, _ = asString(v)
		miss("pub_time")
	} else {
		miss("pub_time")
	}

	rec.Keywords = n.stringList(byName, "keywords", &coerced)
	rec.Images = n.stringList(byName, "images", &coerced)

	if v, ok := byName["related_stocks"]; ok {
		if s, ok := asString(v); ok && s != "" {
			stocks, err := news.ParseStocks(s)
			if err != nil {
				miss("related_stocks")
			} else {
				rec.RelatedStocks = stocks
			}
		}
	} else {
		miss("related_stocks")
	}

	if v, ok := byName["sentiment"]; ok {
		f, ok := asFloat(v)
		if !ok {
			miss("sentiment")
		}
		rec.Sentiment = f
	} else {
		miss("sentiment")
	}

	if len(coerced) > 0 {
		n.logger.Info("ingest: coerced partial row",
			"id", rec.ID, "source", rec.Source, "fields", strings.Join(coerced, ","))
	}
	return rec, coerced
}

// exact converts a strict partial positionally, in the canonical column
// order. ok is false when any value needs coercion.
func exact(p news.Partial) (news.Record, bool) {
	var rec news.Record
	if len(p.Values) != len(p.Columns) {
		return rec, false
	}
	str := make([]string, 9)
	for i := range str {
		v, ok := asString(p.Values[i])
		if !ok {
			return rec, false
		}
		str[i] = v
	}
	rec.ID, rec.Title, rec.Content, rec.Author = str[0], str[1], str[2], str[3]
	rec.Source, rec.URL, rec.Category = str[4], str[5], str[6]
	rec.PubTime, rec.CrawlTime = str[7], str[8]

	kw, ok := asString(p.Values[9])
	if !ok {
		return rec, false
	}
	img, ok := asString(p.Values[10])
	if !ok {
		return rec, false
	}
	st, ok := asString(p.Values[11])
	if !ok {
		return rec, false
	}
	var err error
	if rec.Keywords, err = news.ParseStrings(kw); err != nil {
		return rec, false
	}
	if rec.Images, err = news.ParseStrings(img); err != nil {
		return rec, false
	}
	if rec.RelatedStocks, err = news.ParseStocks(st); err != nil {
		return rec, false
	}
	if rec.Sentiment, ok = asFloat(p.Values[12]); !ok {
		return rec, false
	}
	return rec, true
}

func (n *Normalizer) stringList(byName map[string]any, col string, coerced *[]string) []string {
	v, ok := byName[col]
	if !ok {
		*coerced = append(*coerced, col)
		return nil
	}
	s, ok := asString(v)
	if !ok || s == "" {
		return nil
	}
	list, err := news.ParseStrings(s)
	if err != nil {
		// Oldest crawlers stored comma-joined keywords, not JSON.
		if !strings.HasPrefix(s, "[") {
			*coerced = append(*coerced, col)
			return splitComma(s)
		}
		*coerced = append(*coerced, col)
		return nil
	}
	return list
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case []byte:
		return string(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
