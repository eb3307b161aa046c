package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/hupe1980/roundtable/core"
)

// Document is the internal representation persisted by InMemoryStore.
type Document struct {
	ID       string
	Category string
	Title    string
	Content  string
	Metadata map[string]any
}

// InMemoryStore is a naive process-local DocumentStore. It offers:
//  1. Ranked Search: term-overlap scoring with a title bonus
//  2. KeywordSearch: plain substring matching scored by matched term count
//
// Concurrency: protected by RWMutex. Suitable for tests, demos and small
// reference sets; use memory/mongo for anything larger.
type InMemoryStore struct {
	mu      sync.RWMutex
	storage map[string]map[string]Document // category -> id -> document
	seq     int
}

// NewInMemoryStore creates a new in-memory document store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{storage: make(map[string]map[string]Document)}
}

// Store adds or replaces a document. An empty ID is replaced by a generated one,
// which is returned.
func (m *InMemoryStore) Store(doc Document) (string, error) {
	if strings.TrimSpace(doc.Category) == "" {
		return "", fmt.Errorf("document category is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		m.seq++
		doc.ID = fmt.Sprintf("doc_%d", m.seq)
	}
	if _, exists := m.storage[doc.Category]; !exists {
		m.storage[doc.Category] = make(map[string]Document)
	}
	m.storage[doc.Category][doc.ID] = doc
	return doc.ID, nil
}

// Delete removes a document by category and id.
func (m *InMemoryStore) Delete(category, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs, exists := m.storage[category]
	if !exists {
		return fmt.Errorf("document not found")
	}
	if _, exists := docs[id]; !exists {
		return fmt.Errorf("document not found")
	}
	delete(docs, id)
	return nil
}

// Search ranks documents of category by the share of distinct query terms they
// contain. Title matches weigh double. Documents without any match are skipped.
func (m *InMemoryStore) Search(ctx context.Context, query, category string, limit int) ([]core.RankedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := Terms(query)
	if len(terms) == 0 {
		return []core.RankedItem{}, nil
	}
	return m.collect(category, limit, func(doc Document) float64 {
		title := termSet(doc.Title)
		body := termSet(doc.Content)
		var score float64
		for _, t := range terms {
			if title[t] {
				score += 2
			} else if body[t] {
				score++
			}
		}
		return score / float64(2*len(terms))
	}), nil
}

// KeywordSearch matches documents whose title or content contains any query
// term as a case-insensitive substring. The score is the number of matched terms.
func (m *InMemoryStore) KeywordSearch(ctx context.Context, query, category string, limit int) ([]core.RankedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := Terms(query)
	if len(terms) == 0 {
		return []core.RankedItem{}, nil
	}
	return m.collect(category, limit, func(doc Document) float64 {
		text := strings.ToLower(doc.Title + " " + doc.Content)
		var n float64
		for _, t := range terms {
			if strings.Contains(text, t) {
				n++
			}
		}
		return n
	}), nil
}

func (m *InMemoryStore) collect(category string, limit int, score func(Document) float64) []core.RankedItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := []core.RankedItem{}
	for _, doc := range m.storage[category] {
		s := score(doc)
		if s <= 0 {
			continue
		}
		md := make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			md[k] = v
		}
		results = append(results, core.RankedItem{
			ID:       doc.ID,
			Category: doc.Category,
			Title:    doc.Title,
			Content:  doc.Content,
			Score:    s,
			Metadata: md,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Terms splits s into distinct lower-cased words of at least two characters,
// in order of first appearance.
func Terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func termSet(s string) map[string]bool {
	terms := Terms(s)
	set := make(map[string]bool, len(terms))
	for _, t := range terms {
		set[t] = true
	}
	return set
}
