// Package mongo provides a MongoDB-backed core.LedgerStore.
//
// Records live in one collection with a unique index on run_id. Insert relies
// on the duplicate key error for insert-if-absent semantics and Finalize
// filters on status "pending", so both are atomic on the server.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/hupe1980/roundtable/core"
)

const (
	defaultCollection = "runs"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo ledger store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements core.LedgerStore on a MongoDB collection.
type Store struct {
	mongo   *mongodriver.Client
	runs    collection
	timeout time.Duration
}

var _ core.LedgerStore = (*Store)(nil)

// New returns a Store and ensures the unique run_id index exists.
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
		return nil, fmt.Errorf("mongo ledger indexes: %w", err)
	}
	return s, nil
}

func newStore(client *mongodriver.Client, runs collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{mongo: client, runs: runs, timeout: timeout}
}

// Ping checks connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Insert stores rec unless its run id already exists.
func (s *Store) Insert(ctx context.Context, rec core.RunRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.runs.InsertOne(ctx, rec); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return core.ErrRunExists
		}
		return fmt.Errorf("mongo insert run %q: %w", rec.RunID, err)
	}
	return nil
}

// Get loads the record of runID.
func (s *Store) Get(ctx context.Context, runID string) (core.RunRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rec core.RunRecord
	if err := s.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&rec); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return core.RunRecord{}, core.ErrRunNotFound
		}
		return core.RunRecord{}, fmt.Errorf("mongo get run %q: %w", runID, err)
	}
	return rec, nil
}

// Finalize applies f when the record is still pending.
func (s *Store) Finalize(ctx context.Context, runID string, f core.Finalization) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{
		"status":       f.Status,
		"reason":       f.Reason,
		"usage":        f.Usage,
		"completed_at": f.CompletedAt,
	}
	if f.Result != nil {
		set["result"] = f.Result
	}
	for k, v := range f.Metadata {
		set["metadata."+k] = v
	}

	filter := bson.M{"run_id": runID, "status": core.StatusPending}
	res, err := s.runs.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("mongo finalize run %q: %w", runID, err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}

	// Nothing pending matched: either the run is unknown or already terminal.
	var existing struct {
		RunID string `bson:"run_id"`
	}
	if err := s.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&existing); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return false, core.ErrRunNotFound
		}
		return false, fmt.Errorf("mongo finalize run %q: %w", runID, err)
	}
	return false, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	models := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("run_id_unique"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("status_created_at"),
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
	InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any) singleResult
	UpdateOne(ctx context.Context, filter, update any) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type singleResult interface {
	Decode(v any) error
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update)
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
