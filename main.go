package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xproxy-gateway/xproxy/authcache"
	"github.com/xproxy-gateway/xproxy/billing"
	"github.com/xproxy-gateway/xproxy/config"
	"github.com/xproxy-gateway/xproxy/handler"
	"github.com/xproxy-gateway/xproxy/logger"
	"github.com/xproxy-gateway/xproxy/modelrouter"
	"github.com/xproxy-gateway/xproxy/observability"
	"github.com/xproxy-gateway/xproxy/pricing"
	"github.com/xproxy-gateway/xproxy/redisclient"
	"github.com/xproxy-gateway/xproxy/router"
	"github.com/xproxy-gateway/xproxy/state"
	"github.com/xproxy-gateway/xproxy/store"
	"github.com/xproxy-gateway/xproxy/upstream"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	log.Info().Str("env", cfg.Env).Msg("xproxy gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBAcquireTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	if st != nil {
		defer st.Close()
		log.Info().Msg("connected to database")
	} else {
		log.Warn().Msg("no DATABASE_URL set — persistence-backed features are disabled")
	}

	rc, err := redisclient.New(cfg)
	var authCache *authcache.Cache
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — auth invalidation broadcast disabled")
		authCache = authcache.New(st, nil, log, cfg.AuthCacheCap, cfg.AuthCacheTTL)
	} else if pingErr := rc.Ping(); pingErr != nil {
		log.Warn().Err(pingErr).Msg("redis ping failed — auth invalidation broadcast disabled")
		authCache = authcache.New(st, nil, log, cfg.AuthCacheCap, cfg.AuthCacheTTL)
	} else {
		log.Info().Msg("redis connected")
		authCache = authcache.New(st, rc.Raw(), log, cfg.AuthCacheCap, cfg.AuthCacheTTL)
	}

	metrics := observability.New()

	priceReg := pricing.New(st, log)
	if err := priceReg.LoadDir(cfg.PricingDir); err != nil {
		log.Error().Err(err).Msg("pricing registry load failed, continuing with whatever loaded")
	}

	counters := billing.NewCounters()
	if st != nil {
		today, monthStart := billing.TodayAndMonthStart(time.Now())
		rows, err := st.LoadCurrentCounters(ctx, today, monthStart)
		if err != nil {
			log.Error().Err(err).Msg("failed to hydrate spending counters from the store")
		} else {
			counters.Hydrate(rows)
			log.Info().Int("rows", len(rows)).Msg("spending counters hydrated")
		}
	}

	flusher := billing.NewFlusher(st, counters, log, cfg.UsageFlushInterval, cfg.UsageBatchSize, metrics)
	priceCalc := billing.NewPriceCalculator(st, priceReg, counters, log, cfg.PriceCalcInterval, metrics)
	budgetChecker := billing.NewBudgetChecker(st, log, cfg.BudgetCheckInterval, metrics)

	apiKeys := authcache.NewAPIKeyRegistry(st, log)
	if err := apiKeys.Reload(ctx); err != nil {
		log.Error().Err(err).Msg("initial firewall API key registry load failed, starting empty")
	}

	table, aliases := buildProviderTable(cfg)
	modelRouter := modelrouter.NewRouter(table, aliases)

	var stateStore state.Store
	if cfg.HasDatabase() {
		stateStore = state.NewRelationalStore(st)
	} else {
		stateStore = state.NewMemoryStore()
	}

	client := upstream.NewClient(upstream.DefaultClientConfig())
	tracer := observability.NewTracer(cfg.OTelTracingEnabled)

	admission := handler.NewAdmissionHandler(log, authCache, apiKeys, counters, st, metrics)
	proxy := handler.NewProxyHandler(log, admission, modelRouter, stateStore, client, priceReg, counters, flusher, tracer, metrics, cfg.MaxBodyBytes)
	usage := handler.NewUsageHandler(log, priceReg, counters, flusher)
	budget := handler.NewBudgetHandler(budgetChecker)

	handlers := router.Handlers{Admission: admission, Proxy: proxy, Usage: usage, Budget: budget}
	r := router.New(cfg, log, handlers, metrics)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { flusher.Start(gctx); return nil })
	g.Go(func() error { priceCalc.Start(gctx); return nil })
	g.Go(func() error { budgetChecker.Start(gctx); return nil })
	g.Go(func() error { apiKeys.StartRefresh(gctx, cfg.APIKeyRefreshInterval); return nil })

	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	flusher.Wait()

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
	}
	log.Info().Msg("gateway stopped")
}

// buildProviderTable constructs the model routing table from per-provider
// API key environment variables, mirroring which providers are configured
// the same way the donor's registerProviders did. Each configured provider
// gets a wildcard entry so every model under its known-models dataset (and
// any model dynamically requested under its prefix) resolves to the same
// upstream endpoint and credential.
func buildProviderTable(cfg *config.Config) (*modelrouter.Table, modelrouter.AliasTable) {
	type providerDef struct {
		name     string
		envKey   string
		endpoint string
	}
	defs := []providerDef{
		{"openai", "OPENAI_API_KEY", "https://api.openai.com/v1/chat/completions"},
		{"anthropic", "ANTHROPIC_API_KEY", "https://api.anthropic.com/v1/messages"},
		{"google", "GEMINI_API_KEY", "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions"},
		{"mistral", "MISTRAL_API_KEY", "https://api.mistral.ai/v1/chat/completions"},
		{"groq", "GROQ_API_KEY", "https://api.groq.com/openai/v1/chat/completions"},
		{"cohere", "COHERE_API_KEY", "https://api.cohere.com/v2/chat"},
	}

	var entries []modelrouter.Entry
	for _, d := range defs {
		key := os.Getenv(d.envKey)
		if key == "" {
			continue
		}
		entries = append(entries, modelrouter.Entry{
			Name:        d.name + "/*",
			Model:       "*",
			AccessKey:   key,
			Endpoint:    d.endpoint,
			ClusterName: d.name,
			Default:     d.name == cfg.DefaultProvider,
		})
	}

	if len(entries) == 0 {
		// No upstream credentials configured: fall back to the local
		// backend (typically a dev-mode stub), so the gateway still boots.
		entries = append(entries, modelrouter.Entry{
			Name:        "default/*",
			Model:       "*",
			Endpoint:    cfg.BackendURL,
			ClusterName: "default",
			Default:     true,
		})
	}

	table, err := modelrouter.NewTable(entries)
	if err != nil {
		table, _ = modelrouter.NewTable([]modelrouter.Entry{{Name: "default/*", Model: "*", Endpoint: cfg.BackendURL, ClusterName: "default", Default: true}})
	}
	return table, nil
}
