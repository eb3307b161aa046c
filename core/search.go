package core

import "context"

// RankedItem represents a retrieved reference item with a relevance score and
// arbitrary metadata.
type RankedItem struct {
	ID       string
	Category string
	Title    string
	Content  string
	Score    float64
	Metadata map[string]any
}

// DocumentStore is the query contract of the external reference store.
// Search is the primary ranked lookup; KeywordSearch is the simpler
// keyword-overlap match used when ranked search fails.
type DocumentStore interface {
	Search(ctx context.Context, query, category string, limit int) ([]RankedItem, error)
	KeywordSearch(ctx context.Context, query, category string, limit int) ([]RankedItem, error)
}
