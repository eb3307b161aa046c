package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/hupe1980/roundtable"
	"github.com/hupe1980/roundtable/agent"
	"github.com/hupe1980/roundtable/catalog"
	"github.com/hupe1980/roundtable/config"
	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/engine"
	"github.com/hupe1980/roundtable/ledger"
	ledgermongo "github.com/hupe1980/roundtable/ledger/mongo"
	ledgerredis "github.com/hupe1980/roundtable/ledger/redis"
	"github.com/hupe1980/roundtable/logging"
	"github.com/hupe1980/roundtable/memory"
	memorymongo "github.com/hupe1980/roundtable/memory/mongo"
	"github.com/hupe1980/roundtable/model"
	"github.com/hupe1980/roundtable/model/anthropic"
	"github.com/hupe1980/roundtable/model/openai"
	"github.com/hupe1980/roundtable/retrieval"
	"github.com/hupe1980/roundtable/telemetry"
)

// app holds the wired process components and their cleanup hooks.
type app struct {
	cfg     *config.Config
	logger  logging.Logger
	rt      *roundtable.Roundtable
	closers []func(context.Context) error
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// newApp builds a Roundtable from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(ctx, cfg.Logging)}

	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}

	llm, err := newModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	store, err := a.newLedgerStore(ctx, cfg.Ledger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	docs, err := a.newDocumentStore(ctx, cfg.Retrieval)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	var roster *agent.Roster
	if len(cfg.Roles) > 0 {
		if roster, err = agent.NewRoster(cfg.Roles...); err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("roles: %w", err)
		}
	}

	inst, err := telemetry.New()
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	rt, err := roundtable.New(llm, func(o *roundtable.Options) {
		o.Catalog = cat
		o.LedgerStore = store
		o.Documents = docs
		o.Roster = roster
		o.MaxTurns = cfg.Run.MaxTurns
		o.MaxTopics = cfg.Run.MaxTopics
		o.RunTimeout = cfg.Run.Timeout
		o.FinalizeTimeout = cfg.Run.FinalizeTimeout
		o.MaxConcurrentInvocations = cfg.Run.MaxConcurrent
		o.Engine = engine.Config{
			TurnTimeout: cfg.Run.TurnTimeout,
			NoteWindow:  cfg.Run.NoteWindow,
		}
		o.Retrieval = []func(*retrieval.Options){func(ro *retrieval.Options) {
			if len(cfg.Retrieval.Categories) > 0 {
				ro.Categories = cfg.Retrieval.Categories
			}
			if cfg.Retrieval.Timeout > 0 {
				ro.Timeout = cfg.Retrieval.Timeout
			}
		}}
		o.RetrievalLimits = retrieval.Limits{
			MaxItemsPerCategory: cfg.Retrieval.MaxItems,
			MaxLineLength:       cfg.Retrieval.MaxLineLength,
		}
		o.Logger = a.logger
		o.Telemetry = inst
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.rt = rt
	return a, nil
}

func newLogger(ctx context.Context, cfg config.LoggingConfig) logging.Logger {
	level := logging.ParseLevel(cfg.Level)
	if cfg.Format == "clue" {
		return logging.NewClueLogger(ctx, "text", level == logging.LogLevelDebug)
	}
	return logging.NewLogger(&logging.Config{
		Level:     level,
		Format:    cfg.Format,
		Output:    os.Stderr,
		Component: "roundtable",
	})
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return cat, nil
}

// newModel builds the configured provider, rate limited when a
// tokens-per-minute budget is set.
func newModel(cfg config.ModelConfig) (model.Model, error) {
	pricing := model.Pricing{
		InputPerToken:  core.Dollars(cfg.InputPerToken),
		OutputPerToken: core.Dollars(cfg.OutputPerToken),
	}

	var llm model.Model
	switch cfg.Provider {
	case config.ProviderAnthropic:
		llm = anthropic.NewModel(func(o *anthropic.Options) {
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			o.Pricing = pricing
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
		})
	case config.ProviderOpenAI:
		llm = openai.NewModel(func(o *openai.Options) {
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			o.Pricing = pricing
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
		})
	case config.ProviderMock:
		name := cfg.Name
		if name == "" {
			name = "mock"
		}
		llm = model.NewMockModel(name, config.ProviderMock)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}

	if cfg.TokensPerMinute > 0 {
		llm = model.NewRateLimited(llm, cfg.TokensPerMinute)
	}
	return llm, nil
}

func (a *app) newLedgerStore(ctx context.Context, cfg config.LedgerConfig) (core.LedgerStore, error) {
	switch cfg.Backend {
	case config.LedgerMongo:
		client, err := a.connectMongo(cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		store, err := ledgermongo.New(ctx, ledgermongo.Options{
			Client:     client,
			Database:   cfg.Database,
			Collection: cfg.Collection,
		})
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		return store, nil
	case config.LedgerRedis:
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ledger: redis ping: %w", err)
		}
		return ledgerredis.New(ledgerredis.Options{Client: rdb, Prefix: cfg.KeyPrefix, TTL: cfg.TTL})
	default:
		return ledger.NewInMemoryStore(), nil
	}
}

// newDocumentStore returns nil when retrieval is not configured.
func (a *app) newDocumentStore(ctx context.Context, cfg config.RetrievalConfig) (core.DocumentStore, error) {
	if cfg.MongoURI != "" {
		client, err := a.connectMongo(cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		store, err := memorymongo.New(ctx, memorymongo.Options{
			Client:     client,
			Database:   cfg.Database,
			Collection: cfg.Collection,
		})
		if err != nil {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
		for i, d := range cfg.Inline {
			doc := memory.Document{ID: fmt.Sprintf("inline_%d", i), Category: d.Category, Title: d.Title, Content: d.Content}
			if err := store.Put(ctx, doc); err != nil {
				return nil, fmt.Errorf("retrieval: %w", err)
			}
		}
		return store, nil
	}
	if len(cfg.Inline) == 0 {
		return nil, nil
	}
	store := memory.NewInMemoryStore()
	for _, d := range cfg.Inline {
		if _, err := store.Store(memory.Document{Category: d.Category, Title: d.Title, Content: d.Content}); err != nil {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
	}
	return store, nil
}

func (a *app) connectMongo(uri string) (*mongodriver.Client, error) {
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	a.closers = append(a.closers, client.Disconnect)
	return client, nil
}
