package news

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/finveille/migrate"
)

// createTableSQL is the canonical news table. id is the content-derived
// natural key; url deliberately carries no UNIQUE constraint because crawls
// capture near-duplicate URLs with querystring variants.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS news (
    id             TEXT PRIMARY KEY,
    title          TEXT NOT NULL DEFAULT '',
    content        TEXT NOT NULL DEFAULT '',
    author         TEXT NOT NULL DEFAULT '',
    source         TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL DEFAULT '',
    category       TEXT NOT NULL DEFAULT '',
    pub_time       TEXT NOT NULL DEFAULT '',
    crawl_time     TEXT NOT NULL DEFAULT '',
    keywords       TEXT NOT NULL DEFAULT '[]',
    images         TEXT NOT NULL DEFAULT '[]',
    related_stocks TEXT NOT NULL DEFAULT '[]',
    sentiment      REAL NOT NULL DEFAULT 0
);
`

// Indexes are created separately from the table and only once their column
// exists: on a legacy store the CREATE TABLE is a no-op and pub_time or
// category may not arrive until a later unit.
var newsIndexes = []struct{ name, column, ddl string }{
	{"idx_news_source", "source", "CREATE INDEX IF NOT EXISTS idx_news_source ON news(source)"},
	{"idx_news_pub_time", "pub_time", "CREATE INDEX IF NOT EXISTS idx_news_pub_time ON news(pub_time DESC)"},
	{"idx_news_category", "category", "CREATE INDEX IF NOT EXISTS idx_news_category ON news(category)"},
}

func applyIndexes(ctx context.Context, conn *sql.Conn) error {
	for _, ix := range newsIndexes {
		ok, err := migrate.ColumnExists(ctx, conn, "news", ix.column)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := conn.ExecContext(ctx, ix.ddl); err != nil {
			return fmt.Errorf("create %s: %w", ix.name, err)
		}
	}
	return nil
}

// Migrations is the fixed, versioned migration list applied at every
// store-open. Every unit introspects before acting and is a no-op on an
// already-migrated store.
func Migrations() []migrate.Unit {
	return []migrate.Unit{
		{
			Seq:   202401150900,
			Name:  "create news table",
			Apply: applyBaseTable,
		},
		{
			Seq:   202403220930,
			Name:  "add category, sentiment, related_stocks",
			Apply: applyLegacyColumns,
		},
		{
			Seq:   202406021100,
			Name:  "promote publish_time to pub_time",
			Apply: applyPubTimeRebuild,
		},
	}
}

func applyBaseTable(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, createTableSQL); err != nil {
		return err
	}
	return applyIndexes(ctx, conn)
}

// applyLegacyColumns brings stores created by early crawlers up to the full
// column set. Purely additive.
func applyLegacyColumns(ctx context.Context, conn *sql.Conn) error {
	adds := []struct{ column, decl string }{
		{"category", `TEXT NOT NULL DEFAULT ''`},
		{"sentiment", `REAL NOT NULL DEFAULT 0`},
		{"related_stocks", `TEXT NOT NULL DEFAULT '[]'`},
	}
	for _, a := range adds {
		if err := migrate.AddColumnIfMissing(ctx, conn, "news", a.column, a.decl); err != nil {
			return fmt.Errorf("add %s: %w", a.column, err)
		}
	}
	return applyIndexes(ctx, conn)
}

// applyPubTimeRebuild promotes the optional legacy publish_time column to
// the required pub_time field via copy-rebuild, tolerating rows where it
// was null. Stores that never had publish_time are already in shape and
// skip the rebuild.
func applyPubTimeRebuild(ctx context.Context, conn *sql.Conn) error {
	hasLegacy, err := migrate.ColumnExists(ctx, conn, "news", "publish_time")
	if err != nil {
		return err
	}
	if !hasLegacy {
		return nil
	}

	const shadowDDL = `
CREATE TABLE news_rebuild (
    id             TEXT PRIMARY KEY,
    title          TEXT NOT NULL DEFAULT '',
    content        TEXT NOT NULL DEFAULT '',
    author         TEXT NOT NULL DEFAULT '',
    source         TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL DEFAULT '',
    category       TEXT NOT NULL DEFAULT '',
    pub_time       TEXT NOT NULL DEFAULT '',
    crawl_time     TEXT NOT NULL DEFAULT '',
    keywords       TEXT NOT NULL DEFAULT '[]',
    images         TEXT NOT NULL DEFAULT '[]',
    related_stocks TEXT NOT NULL DEFAULT '[]',
    sentiment      REAL NOT NULL DEFAULT 0
)`

	// Explicit per-column mapping; columns the legacy table may lack are
	// coalesced to their defaults rather than failing the copy.
	cols, err := migrate.Columns(ctx, conn, "news")
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}
	src := func(name, fallback string) string {
		if have[name] {
			return fmt.Sprintf("COALESCE(%s, %s)", name, fallback)
		}
		return fallback
	}

	copySQL := fmt.Sprintf(`
INSERT INTO news_rebuild (id, title, content, author, source, url, category,
    pub_time, crawl_time, keywords, images, related_stocks, sentiment)
SELECT id,
    %s, %s, %s, %s, %s, %s,
    COALESCE(publish_time, ''),
    %s, %s, %s, %s, %s
FROM news`,
		src("title", "''"), src("content", "''"), src("author", "''"),
		src("source", "''"), src("url", "''"), src("category", "''"),
		src("crawl_time", "''"), src("keywords", "'[]'"), src("images", "'[]'"),
		src("related_stocks", "'[]'"), src("sentiment", "0"))

	if err := migrate.CopyRebuild(ctx, conn, "news", "news_rebuild", shadowDDL, copySQL); err != nil {
		return err
	}

	// Indexes are dropped with the old table; recreate them.
	return applyIndexes(ctx, conn)
}
