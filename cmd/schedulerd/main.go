package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/alerts"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/cache"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/config"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/cost"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/engine"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/lifecycle"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/llm"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/mcpserver"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/metrics"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/reliability"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/rollout"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/safety"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/web"
)

// baselineSystemPrompt seeds the version registry on first boot so the chat
// surface works before any lifecycle operations run.
const baselineSystemPrompt = `You are the scheduling assistant for CleanSpace Pro, a residential and commercial cleaning company. Collect the customer's name, service type, property size, and preferred time, then check availability and book the appointment. Answer pricing questions directly using the standard rates. If the customer asks for a human, is upset, or reports a billing problem, escalate. Respond with a JSON object: {"message": "...", "action": "collect_info|check_availability|book_appointment|escalate", "extractedData": {}}.`

const baselineWelcome = "Hi! I'm the CleanSpace Pro scheduling assistant. What kind of cleaning can we help you with?"

func main() {
	rootCmd := &cobra.Command{
		Use:   "schedulerd",
		Short: "Conversational scheduling agent for CleanSpace Pro",
		RunE:  run,
	}
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the ops MCP server over stdio",
		RunE:  runMCP,
	}
	rootCmd.AddCommand(mcpCmd)

	f := rootCmd.PersistentFlags()
	f.Int("port", 8080, "HTTP port")
	f.String("db-path", "scheduler.db", "path to the SQLite database")
	f.String("cors-origin", "", "allowed CORS origin (empty allows any)")
	f.String("fast-model", llm.ModelFast, "model id for the fast tier")
	f.String("balanced-model", llm.ModelBalanced, "model id for the balanced tier")
	f.String("routing-strategy", cost.StrategyCostOptimized, "model routing strategy")
	f.String("default-variant", "baseline", "prompt variant served by default")
	f.Float64("per-request-budget-limit", cost.DefaultPerRequestUSD, "max estimated USD per request")
	f.Float64("daily-budget-limit", 10, "daily spend cap in USD (0 disables)")
	f.Float64("monthly-budget-limit", 300, "monthly spend cap in USD (0 disables)")
	f.Bool("budget-auto-trim", true, "trim context instead of rejecting over-budget requests")
	f.Bool("enable-safety-checks", true, "run input/output safety checks")
	f.String("pii-redaction-strategy", "full", "PII redaction strategy (full or partial)")
	f.Bool("enable-response-cache", true, "serve semantically repeated questions from cache")
	f.Int("cache-ttl", 3600, "response cache TTL in seconds")
	f.Int("cache-max-size", 1000, "response cache entry cap")
	f.Bool("enable-batching", false, "batch concurrent LLM requests")
	f.Int("shutdown-timeout", 5, "graceful shutdown timeout in seconds")

	// Flag names use hyphens, viper keys underscores, so SCHEDULER_DB_PATH
	// and --db-path land on the same key.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("db_path", "db-path")
	bindFlag("cors_origin", "cors-origin")
	bindFlag("fast_model", "fast-model")
	bindFlag("balanced_model", "balanced-model")
	bindFlag("routing_strategy", "routing-strategy")
	bindFlag("default_variant", "default-variant")
	bindFlag("per_request_budget_limit", "per-request-budget-limit")
	bindFlag("daily_budget_limit", "daily-budget-limit")
	bindFlag("monthly_budget_limit", "monthly-budget-limit")
	bindFlag("budget_auto_trim", "budget-auto-trim")
	bindFlag("enable_safety_checks", "enable-safety-checks")
	bindFlag("pii_redaction_strategy", "pii-redaction-strategy")
	bindFlag("enable_response_cache", "enable-response-cache")
	bindFlag("cache_ttl", "cache-ttl")
	bindFlag("cache_max_size", "cache-max-size")
	bindFlag("enable_batching", "enable-batching")
	bindFlag("shutdown_timeout", "shutdown-timeout")

	viper.SetEnvPrefix("SCHEDULER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// deps holds every singleton the daemon wires up.
type deps struct {
	cfg         config.Config
	store       *store.Store
	hub         *alerts.Hub
	safety      *safety.Pipeline
	cache       *cache.ResponseCache
	client      llm.Client
	optimizer   *cost.Optimizer
	breaker     *reliability.CircuitBreaker
	retryBudget *reliability.RetryBudget
	registry    *lifecycle.Registry
	drift       *lifecycle.Detector
	retraining  *lifecycle.Orchestrator
	canary      *rollout.Controller
	shadow      *rollout.Executor
	engine      *engine.Engine
}

func build() (*deps, error) {
	cfg := config.Load()

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &deps{cfg: cfg, store: st}
	d.hub = alerts.New()
	d.safety = safety.NewPipeline(cfg.SafetyChecks, safety.RedactionStrategy(cfg.PIIRedactionStrategy), st)
	d.cache = cache.New(st, cfg.ResponseCache, time.Duration(cfg.CacheTTL)*time.Second, cfg.CacheMaxSize)
	d.client = llm.NewAnthropicClient()

	router := cost.NewRouter(cfg.FastModel, cfg.BalancedModel, cfg.RoutingStrategy)
	batcher := cost.NewBatcher(d.client, cfg.BatchingEnabled, cost.DefaultBatchWindow, cost.DefaultMaxBatch)
	spend := cost.NewSpendTracker(cfg.DailyBudgetUSD, cfg.MonthlyBudgetUSD)
	d.optimizer = cost.NewOptimizer(router, cost.DefaultRequestBudget(cfg.PerRequestBudgetUSD), spend, batcher, cfg.BudgetAutoTrim, cfg.DailyBudgetUSD, cfg.MonthlyBudgetUSD)

	d.retryBudget = reliability.NewRetryBudget(10, time.Minute)
	retryer := reliability.NewRetryer(reliability.StandardRetry, d.retryBudget)
	d.breaker = reliability.NewCircuitBreaker(5, 30*time.Second)
	recovery := reliability.NewExecutor[*llm.Response](retryer, d.breaker, 5*time.Minute)

	d.registry = lifecycle.NewRegistry(st)
	d.drift = lifecycle.NewDetector(st, d.hub)
	d.retraining = lifecycle.NewOrchestrator(st, d.registry, &lifecycle.ClientEvaluator{Client: d.client}, cfg.BalancedModel, lifecycle.DefaultEvalCases())

	d.canary = rollout.NewController(st, d.hub)
	d.shadow = rollout.NewExecutor(st, nil)

	// The engine talks to the model through the batcher so concurrent
	// requests sharing a prompt coalesce; disabled batchers pass through.
	d.engine = engine.New(engine.Options{
		Store:       st,
		Safety:      d.safety,
		Cache:       d.cache,
		Optimizer:   d.optimizer,
		Recovery:    recovery,
		Client:      batcher,
		Registry:    d.registry,
		Shadow:      d.shadow,
		Canary:      d.canary,
		ShadowModel: cfg.FastModel,
	})
	d.shadow.SetRunner(d.engine)

	if err := seedBaseline(d.registry, cfg.DefaultVariant); err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

// seedBaseline registers and activates the stock prompt when the default
// variant has no active version yet.
func seedBaseline(registry *lifecycle.Registry, variant string) error {
	active, err := registry.Active(variant)
	if err != nil {
		return fmt.Errorf("load active version: %w", err)
	}
	if active != nil {
		return nil
	}
	v, err := registry.Register(variant, baselineSystemPrompt, map[string]string{
		"welcome_message": baselineWelcome,
	})
	if err != nil {
		return fmt.Errorf("seed baseline prompt: %w", err)
	}
	if err := registry.Activate(variant, v.Version); err != nil {
		return fmt.Errorf("activate baseline prompt: %w", err)
	}
	log.Printf("seeded %s v%d as the active prompt", variant, v.Version)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	d, err := build()
	if err != nil {
		return err
	}
	defer d.store.Close() //nolint:errcheck

	cfg := d.cfg
	fmt.Printf("schedulerd %s starting\n", config.Version)
	fmt.Printf("  Port: %d\n", cfg.Port)
	fmt.Printf("  Database: %s\n", cfg.DBPath)
	fmt.Printf("  Models: fast=%s balanced=%s (%s routing)\n", cfg.FastModel, cfg.BalancedModel, cfg.RoutingStrategy)
	fmt.Printf("  Default variant: %s\n", cfg.DefaultVariant)
	fmt.Printf("  Safety checks: %t\n", cfg.SafetyChecks)
	fmt.Printf("  Response cache: %t\n", cfg.ResponseCache)
	fmt.Println()

	metricsHandler := metrics.Handler(metrics.Sources{
		Safety:    d.safety,
		Cache:     d.cache,
		Optimizer: d.optimizer,
		Breaker:   d.breaker,
		Engine:    d.engine,
		Canary:    d.canary,
	})

	webServer := web.New(web.Deps{
		Config:         cfg,
		Store:          d.store,
		Engine:         d.engine,
		Safety:         d.safety,
		Cache:          d.cache,
		Optimizer:      d.optimizer,
		Breaker:        d.breaker,
		RetryBudget:    d.retryBudget,
		Shadow:         d.shadow,
		Canary:         d.canary,
		Drift:          d.drift,
		Registry:       d.registry,
		Retraining:     d.retraining,
		Hub:            d.hub,
		MetricsHandler: metricsHandler,
	})

	// Background maintenance: drift analysis hourly, cache sweep every 10
	// minutes, breaker health probe every 30 seconds.
	jobs := cron.New()
	if _, err := jobs.AddFunc("@hourly", d.drift.RunAll); err != nil {
		return fmt.Errorf("schedule drift job: %w", err)
	}
	if _, err := jobs.AddFunc("@every 10m", func() {
		if n, err := d.cache.Sweep(); err != nil {
			log.Printf("cache sweep: %v", err)
		} else if n > 0 {
			log.Printf("cache sweep: evicted %d expired entries", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule cache sweep: %w", err)
	}
	// The probe only hits upstream while the breaker is open, so a tripped
	// circuit can close again before the next customer message arrives.
	if _, err := jobs.AddFunc("@every 30s", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if d.breaker.Probe(ctx, func(ctx context.Context) error {
			_, err := d.client.Complete(ctx, llm.Request{
				Model:     cfg.FastModel,
				Messages:  []llm.Message{{Role: "user", Content: "ping"}},
				MaxTokens: 1,
			})
			return err
		}) {
			log.Printf("breaker: health probe closed the circuit")
		}
	}); err != nil {
		return fmt.Errorf("schedule breaker probe: %w", err)
	}
	jobs.Start()
	defer jobs.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- webServer.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down...", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	timeout := time.Duration(cfg.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.shadow.Drain(shutdownCtx); err != nil {
		log.Printf("shadow drain: %v", err)
	}
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("web server shutdown: %v", err)
	}
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	d, err := build()
	if err != nil {
		return err
	}
	defer d.store.Close() //nolint:errcheck

	return mcpserver.Run(mcpserver.Deps{
		Drift:      d.drift,
		Registry:   d.registry,
		Retraining: d.retraining,
		Safety:     d.safety,
		Canary:     d.canary,
		Optimizer:  d.optimizer,
	})
}
