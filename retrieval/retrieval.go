// Package retrieval assembles the reference context injected into a run
// before its first turn.
//
// For every configured category the Retriever asks the document store for
// ranked items, retries transient failures with exponential backoff, falls back
// to keyword matching and, as a last resort, omits the category. Retrieval
// never fails a run: the worst case is an empty context block.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
)

// Default categories queried when none are configured.
const (
	CategoryPrompts  = "prompts"
	CategoryPatterns = "patterns"
)

const ellipsis = "…"

// Limits bounds the rendered context block.
type Limits struct {
	MaxItemsPerCategory int
	MaxLineLength       int
}

// DefaultLimits returns three items per category and 160 runes per line.
func DefaultLimits() Limits {
	return Limits{MaxItemsPerCategory: 3, MaxLineLength: 160}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxItemsPerCategory <= 0 {
		l.MaxItemsPerCategory = d.MaxItemsPerCategory
	}
	if l.MaxLineLength <= 0 {
		l.MaxLineLength = d.MaxLineLength
	}
	return l
}

// Options configures a Retriever.
type Options struct {
	// Categories are queried and rendered in this order.
	Categories []string
	// MaxAttempts of the ranked search per category, including the first.
	MaxAttempts int
	// InitialBackoff before the second attempt; doubled per retry up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds the ranked phase and the keyword fallback of one category.
	Timeout time.Duration
	Logger  logging.Logger
}

// Retriever queries a core.DocumentStore and renders a bounded context block.
type Retriever struct {
	store core.DocumentStore
	opts  Options
}

// New creates a Retriever. A nil store yields a retriever that always returns
// an empty context.
func New(store core.DocumentStore, optFns ...func(o *Options)) *Retriever {
	opts := Options{
		Categories:     []string{CategoryPrompts, CategoryPatterns},
		MaxAttempts:    2,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Timeout:        3 * time.Second,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Retriever{store: store, opts: opts}
}

// Retrieve returns the rendered context for query, or "" when nothing relevant
// was found. It never returns an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, limits Limits) string {
	if r.store == nil || strings.TrimSpace(query) == "" {
		return ""
	}
	limits = limits.withDefaults()

	var blocks []string
	for _, category := range r.opts.Categories {
		items := r.lookup(ctx, query, category, limits.MaxItemsPerCategory)
		if block := render(category, items, limits); block != "" {
			blocks = append(blocks, block)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func (r *Retriever) lookup(ctx context.Context, query, category string, limit int) []core.RankedItem {
	items, err := r.search(ctx, query, category, limit)
	if err == nil {
		return items
	}
	r.opts.Logger.Debug("Ranked search failed, using keyword fallback", "category", category, "error", err)

	fctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	items, ferr := r.store.KeywordSearch(fctx, query, category, limit)
	if ferr != nil {
		r.opts.Logger.Warn("Context category omitted", "category", category, "error", ferr, "search_error", err)
		return nil
	}
	return items
}

func (r *Retriever) search(ctx context.Context, query, category string, limit int) ([]core.RankedItem, error) {
	sctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	var items []core.RankedItem
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		var err error
		items, err = r.store.Search(sctx, query, category, limit)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.opts.MaxAttempts-1)), sctx))
	if err != nil {
		return nil, fmt.Errorf("ranked search failed after %d attempts: %w", attempts, err)
	}
	return items, nil
}

// newBackOff doubles the wait from InitialBackoff up to MaxBackoff without
// jitter. The search timeout bounds the total time.
func (r *Retriever) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialBackoff
	b.MaxInterval = r.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// render formats the top items of one category. Items are ordered by
// descending score, ties by ID.
func render(category string, items []core.RankedItem, limits Limits) string {
	if len(items) == 0 {
		return ""
	}
	sorted := append([]core.RankedItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > limits.MaxItemsPerCategory {
		sorted = sorted[:limits.MaxItemsPerCategory]
	}

	var lines []string
	for _, it := range sorted {
		if line := formatLine(it, limits.MaxLineLength); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "## " + heading(category) + "\n" + strings.Join(lines, "\n")
}

func formatLine(it core.RankedItem, maxLen int) string {
	title := collapse(it.Title)
	content := collapse(it.Content)
	var text string
	switch {
	case title != "" && content != "":
		text = title + ": " + content
	case title != "":
		text = title
	case content != "":
		text = content
	default:
		return ""
	}
	return "- " + truncate(text, maxLen-2)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxRunes int) string {
	if maxRunes < 1 {
		maxRunes = 1
	}
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimRightFunc(string(r[:maxRunes-1]), unicode.IsSpace) + ellipsis
}

func heading(category string) string {
	r := []rune(strings.TrimSpace(category))
	if len(r) == 0 {
		return ""
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
