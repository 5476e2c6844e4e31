package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/notewise/notewise/config"
	"github.com/notewise/notewise/internal/answer"
	"github.com/notewise/notewise/internal/content"
	"github.com/notewise/notewise/internal/embedding"
	"github.com/notewise/notewise/internal/extract"
	"github.com/notewise/notewise/internal/ingest"
	"github.com/notewise/notewise/internal/retrieval"
	"github.com/notewise/notewise/internal/searchindex"
	"github.com/notewise/notewise/provider"
)

// Run wires the whole service together and serves until the listener fails.
func Run(addr string, cfg *config.Config) error {
	e := newEcho()

	// search index and providers
	if err := cfg.Search.Validate(); err != nil {
		return err
	}
	if err := cfg.Providers.OpenAI.Validate(); err != nil {
		return err
	}
	if err := cfg.Ingestion.Validate(); err != nil {
		return err
	}
	index := searchindex.NewClient(cfg.Search)
	llm, err := provider.NewProvider(provider.OpenAI, cfg.Providers.OpenAI)
	if err != nil {
		return err
	}

	// optional redis: embedding cache, job events, scheduler locks
	var rdb *redis.Client
	if cfg.Storage.Redis.Addr() != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Pass,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
	}
	cache := embedding.NewCache(rdb, cfg.Providers.OpenAI.EmbeddingModel, 0)
	embedder := embedding.New(llm, cfg.Ingestion, cache)

	// job store: postgres when configured, otherwise in-memory
	var store ingest.JobStore
	if dsn, err := cfg.Storage.Postgres.DSN(); err == nil {
		if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		pg, err := ingest.NewPGStore(dsn)
		if err != nil {
			return err
		}
		store = pg
	} else {
		log.Printf("postgres not configured, using in-memory job store: %v", err)
		store = ingest.NewMemoryStore()
	}

	source := content.NewClient(cfg.ContentSource)
	extractor := extract.NewClient(cfg.DocumentIntel)
	events := ingest.NewEvents(rdb, cfg.Ingestion.EventStream)
	scope := searchindex.Scope{TenantID: cfg.General.TenantID, UserID: cfg.General.UserID}
	manager := ingest.NewManager(store, source, embedder, extractor, index, events, cfg.Ingestion, scope)
	defer manager.Close()

	orch := retrieval.NewOrchestrator(index, embedder, source, cfg.Retrieval)
	composer := answer.NewComposer(llm, cfg.Retrieval)

	api := e.Group("/api")
	ih := &IngestionHandler{Manager: manager}
	ih.Register(api.Group("/ingestion"))
	sh := &SearchHandler{Orchestrator: orch, Composer: composer, Index: index}
	sh.Register(api)
	nh := &NotebooksHandler{Source: source}
	nh.Register(api)

	sched := ingest.NewScheduler(manager, store, rdb, cfg.Scheduler)
	sched.Start()
	defer close(sched.Stop)

	if addr == "" {
		addr = cfg.Server.Listen
	}
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho builds the echo instance with recovery, CORS, the unified error
// handler, and the operational endpoints.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}
