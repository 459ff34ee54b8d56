// Package news holds the canonical financial-news record and the per-store
// operations the crawlers and the consolidation layer run against one
// SQLite store file.
package news

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("news: record not found")

// ErrInvalidInput is returned for records without an id.
var ErrInvalidInput = errors.New("news: invalid input")

// Stock is a listed instrument a record mentions.
type Stock struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

// Record is the unit of storage. Timestamps are ISO-8601 text and order
// lexicographically; Keywords, Images and RelatedStocks are stored as JSON
// text and round-trip without loss. Sentiment is advisory metadata in an
// implementation-defined range, never a cross-source ranking key.
type Record struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	Author        string   `json:"author"`
	Source        string   `json:"source"`
	URL           string   `json:"url"`
	Category      string   `json:"category"`
	PubTime       string   `json:"pub_time"`
	CrawlTime     string   `json:"crawl_time"`
	Keywords      []string `json:"keywords"`
	Images        []string `json:"images"`
	RelatedStocks []Stock  `json:"related_stocks"`
	Sentiment     float64  `json:"sentiment"`
}

// MakeID derives the stable natural key for a record: a content hash of
// title and url. The same article captured by two crawlers gets the same
// id, which is what consolidation dedup relies on. URL alone is not unique
// (querystring variants), so the title participates.
func MakeID(title, url string) string {
	sum := sha256.Sum256([]byte(title + "\x00" + url))
	return hex.EncodeToString(sum[:16])
}

// Partial is one heterogeneous legacy row: column names paired with raw
// values, produced when a source store's column set does not match the
// canonical schema. It exists only between reading a legacy row and the
// ingest coercion into a Record; untyped shapes never travel further.
type Partial struct {
	Columns []string
	Values  []any
}

// Strict reports whether the row already matches the canonical column set
// exactly, in which case no name-coalescing is needed.
func (p Partial) Strict() bool {
	if len(p.Columns) != len(ColumnNames) {
		return false
	}
	for i, c := range p.Columns {
		if c != ColumnNames[i] {
			return false
		}
	}
	return true
}

// ColumnNames is the canonical column set of the news table, in schema
// order. Coercion of legacy rows name-matches against this list.
var ColumnNames = []string{
	"id", "title", "content", "author", "source", "url", "category",
	"pub_time", "crawl_time", "keywords", "images", "related_stocks",
	"sentiment",
}

// marshalStrings serialises a string list column; nil stores as "[]" so the
// column round-trips to an empty, not absent, list.
func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// ParseStrings parses a JSON string-list column. "" and "null" mean empty.
func ParseStrings(s string) ([]string, error) { return unmarshalStrings(s) }

// ParseStocks parses a JSON related_stocks column. "" and "null" mean empty.
func ParseStocks(s string) ([]Stock, error) { return unmarshalStocks(s) }

func unmarshalStrings(s string) ([]string, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("news: list column: %w", err)
	}
	return out, nil
}

func marshalStocks(v []Stock) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStocks(s string) ([]Stock, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var out []Stock
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("news: related_stocks column: %w", err)
	}
	return out, nil
}
