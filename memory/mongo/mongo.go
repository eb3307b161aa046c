// Package mongo provides a MongoDB-backed core.DocumentStore. Ranked search
// uses a weighted $text index; keyword search falls back to case-insensitive
// regular expressions and scores by matched term count.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/memory"
)

const (
	defaultCollection = "reference_documents"
	defaultOpTimeout  = 3 * time.Second
)

// Options configures the Mongo document store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements core.DocumentStore on a MongoDB collection.
type Store struct {
	mongo   *mongodriver.Client
	docs    collection
	timeout time.Duration
}

var _ core.DocumentStore = (*Store)(nil)

// New returns a Store and ensures its indexes exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	s := newStore(opts.Client, coll, opts.Timeout)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, fmt.Errorf("mongo document indexes: %w", err)
	}
	return s, nil
}

func newStore(client *mongodriver.Client, docs collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{mongo: client, docs: docs, timeout: timeout}
}

// Ping checks connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Put upserts a reference document keyed by category and id.
func (s *Store) Put(ctx context.Context, doc memory.Document) error {
	if doc.ID == "" || doc.Category == "" {
		return errors.New("document id and category are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"category": doc.Category, "doc_id": doc.ID}
	update := bson.M{"$set": fromDocument(doc)}
	if _, err := s.docs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongo put document %q: %w", doc.ID, err)
	}
	return nil
}

// Search runs a $text query sorted by text score.
func (s *Store) Search(ctx context.Context, query, category string, limit int) ([]core.RankedItem, error) {
	if strings.TrimSpace(query) == "" {
		return []core.RankedItem{}, nil
	}
	filter := bson.M{
		"category": category,
		"$text":    bson.M{"$search": query},
	}
	score := bson.M{"$meta": "textScore"}
	opts := options.Find().
		SetProjection(bson.M{"score": score}).
		SetSort(bson.D{{Key: "score", Value: score}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	docs, err := s.find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo text search: %w", err)
	}
	out := make([]core.RankedItem, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toRankedItem(d.Score))
	}
	return out, nil
}

// KeywordSearch matches any query term in title or content, case-insensitively.
func (s *Store) KeywordSearch(ctx context.Context, query, category string, limit int) ([]core.RankedItem, error) {
	terms := memory.Terms(query)
	if len(terms) == 0 {
		return []core.RankedItem{}, nil
	}
	or := make([]bson.M, 0, 2*len(terms))
	for _, t := range terms {
		re := bson.M{"$regex": regexp.QuoteMeta(t), "$options": "i"}
		or = append(or, bson.M{"title": re}, bson.M{"content": re})
	}
	filter := bson.M{"category": category, "$or": or}
	docs, err := s.find(ctx, filter, options.Find())
	if err != nil {
		return nil, fmt.Errorf("mongo keyword search: %w", err)
	}

	out := make([]core.RankedItem, 0, len(docs))
	for _, d := range docs {
		text := strings.ToLower(d.Title + " " + d.Content)
		var n float64
		for _, t := range terms {
			if strings.Contains(text, t) {
				n++
			}
		}
		if n > 0 {
			out = append(out, d.toRankedItem(n))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) find(ctx context.Context, filter any, opts *options.FindOptionsBuilder) ([]document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.docs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []document
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type document struct {
	DocID    string         `bson:"doc_id"`
	Category string         `bson:"category"`
	Title    string         `bson:"title"`
	Content  string         `bson:"content"`
	Metadata map[string]any `bson:"metadata,omitempty"`
	Score    float64        `bson:"score,omitempty"`
}

func fromDocument(d memory.Document) document {
	return document{
		DocID:    d.ID,
		Category: d.Category,
		Title:    d.Title,
		Content:  d.Content,
		Metadata: d.Metadata,
	}
}

func (d document) toRankedItem(score float64) core.RankedItem {
	var md map[string]any
	if len(d.Metadata) > 0 {
		md = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			md[k] = v
		}
	}
	return core.RankedItem{
		ID:       d.DocID,
		Category: d.Category,
		Title:    d.Title,
		Content:  d.Content,
		Score:    score,
		Metadata: md,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	models := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "category", Value: 1}, {Key: "doc_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "title", Value: "text"}, {Key: "content", Value: "text"}},
			Options: options.Index().
				SetName("title_content_text").
				SetWeights(bson.D{{Key: "title", Value: 2}, {Key: "content", Value: 1}}),
		},
	}
	for _, m := range models {
		if _, err := coll.Indexes().CreateOne(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

type collection interface {
	Find(ctx context.Context, filter any, opts *options.FindOptionsBuilder) (cursor, error)
	UpdateOne(ctx context.Context, filter, update any, opts *options.UpdateOneOptionsBuilder) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts *options.FindOptionsBuilder) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts *options.UpdateOneOptionsBuilder) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}
