// Package main is the entry point for the execution engine.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/agent"
	"github.com/aristath/sentinel/internal/approval"
	"github.com/aristath/sentinel/internal/broker/paper"
	"github.com/aristath/sentinel/internal/config"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/dispatch"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/janitor"
	"github.com/aristath/sentinel/internal/logger"
	"github.com/aristath/sentinel/internal/marketdata"
	"github.com/aristath/sentinel/internal/marketdata/static"
	"github.com/aristath/sentinel/internal/marketstatus"
	"github.com/aristath/sentinel/internal/monitor"
	notifylog "github.com/aristath/sentinel/internal/notify/log"
	"github.com/aristath/sentinel/internal/pipeline"
	"github.com/aristath/sentinel/internal/reliability"
	"github.com/aristath/sentinel/internal/server"
	"github.com/aristath/sentinel/internal/store"
	"github.com/aristath/sentinel/internal/worker"
)

// defaultPoolConcurrency bounds how many worker tasks run at once across all
// task types — dispatch ticks, executions, resumes, timeouts, monitor polls,
// and janitor sweeps all share this one pool (SPEC_FULL.md §8).
const defaultPoolConcurrency = 8

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting execution engine")

	executionsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "executions.db"),
		Profile: database.ProfileLedger,
		Name:    "executions",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open executions database")
	}
	defer executionsDB.Close()
	if err := executionsDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate executions database")
	}

	budgetsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "budgets.db"),
		Profile: database.ProfileStandard,
		Name:    "budgets",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open budgets database")
	}
	defer budgetsDB.Close()
	if err := budgetsDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate budgets database")
	}

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cache database")
	}
	defer cacheDB.Close()
	if err := cacheDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate cache database")
	}

	execStore := store.New(executionsDB, log)
	budgetStore := store.NewBudgetStore(budgetsDB)
	bus := events.New(log)

	pool := worker.New(defaultPoolConcurrency, log)

	// Deterministic stub collaborators per SPEC_FULL.md §9: the engine runs
	// end-to-end without any real broker/LLM/notification credentials.
	basePrices := map[string]float64{}
	for _, symbol := range cfg.StaticTickerUniverse {
		basePrices[symbol] = 100.0
	}
	staticProvider := static.New(basePrices)
	cachedProvider := marketdata.NewCachingProvider(staticProvider, cacheDB, 60*time.Second)
	agent.SetMarketDataProvider(cachedProvider)

	priceFn := func(symbol string) float64 {
		quote, err := staticProvider.Quote(context.Background(), symbol)
		if err != nil {
			return 100.0
		}
		return quote.CurrentPrice
	}
	paperBroker := paper.New(priceFn, 100000.0)
	agent.SetBroker(paperBroker)

	logNotifier := notifylog.New(log)
	agent.SetNotifier(logNotifier)

	configs := pipeline.NewConfigRegistry()
	seedDefaultPipeline(configs, cfg)

	executor := pipeline.NewExecutor(execStore, agent.Default(), budgetStore, bus, pool, log)
	gate := approval.NewGate(execStore, configs, executor, pool, bus, log)
	monitorLoop := monitor.New(execStore, paperBroker, bus, log)

	var statusFeed *marketstatus.Feed
	if cfg.MarketStatusFeedURL != "" {
		statusFeed = marketstatus.New(cfg.MarketStatusFeedURL, cfg.MarketStatusFeedSID, bus, log)
		monitorLoop.SetStatusFeed(statusFeed)
	}

	var archiver janitor.Archiver
	if built, err := buildArchiver(cfg, log); err != nil {
		log.Warn().Err(err).Msg("retention archival disabled, deletions will proceed unarchived")
	} else if built != nil {
		archiver = built
	}
	janitorCfg := janitor.Config{
		MaxAgeRunning:    cfg.MaxAgeRunning,
		MaxAgeMonitoring: cfg.MaxAgeMonitoring,
		RetentionDays:    cfg.RetentionDays,
	}
	sweeper := janitor.New(execStore, budgetStore, bus, archiver, janitorCfg, log)

	dispatcher := dispatch.New(execStore, configs, pool, log)

	registerTaskHandlers(pool, execStore, configs, executor, gate, monitorLoop, sweeper, dispatcher, log)

	srv := server.New(server.Config{
		Log:      log,
		Port:     cfg.Port,
		DevMode:  cfg.DevMode,
		Store:    execStore,
		Budgets:  budgetStore,
		Approval: gate,
		Dispatch: dispatcher,
		Bus:      bus,
		HealthDBs: map[string]*database.DB{
			"executions": executionsDB,
			"budgets":    budgetsDB,
			"cache":      cacheDB,
		},
	})

	go pool.Run()
	log.Info().Msg("worker pool started")

	if err := dispatcher.Start(cfg.DispatchInterval); err != nil {
		log.Fatal().Err(err).Msg("failed to start trigger dispatcher")
	}
	log.Info().Dur("interval", cfg.DispatchInterval).Msg("trigger dispatcher started")

	if err := monitorLoop.Start(cfg.MonitorIntervalDefault, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to start monitor loop")
	}
	log.Info().Dur("interval", cfg.MonitorIntervalDefault).Msg("monitor loop started")

	if statusFeed != nil {
		if err := statusFeed.Start(); err != nil {
			log.Warn().Err(err).Msg("market status feed failed to connect, will retry in background")
		}
	}

	if err := sweeper.Start(cfg.JanitorInterval); err != nil {
		log.Fatal().Err(err).Msg("failed to start janitor")
	}
	log.Info().Dur("interval", cfg.JanitorInterval).Msg("janitor started")

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("HTTP server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	dispatcher.Stop()
	monitorLoop.Stop()
	sweeper.Stop()
	if statusFeed != nil {
		if err := statusFeed.Stop(); err != nil {
			log.Warn().Err(err).Msg("market status feed stop failed")
		}
	}
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("stopped")
}

// buildArchiver wires the retention archiver when cfg.ArchiveBucket is set;
// an empty bucket leaves retention deletion unarchived, per
// SPEC_FULL.md §4.7's "archival is optional" note.
func buildArchiver(cfg *config.Config, log zerolog.Logger) (*reliability.Archiver, error) {
	if cfg.ArchiveBucket == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return reliability.New(ctx, reliability.Config{Bucket: cfg.ArchiveBucket}, log)
}

// seedDefaultPipeline registers one periodic pipeline spanning the full
// agent chain over the configured static ticker universe. The pipeline
// control plane (CRUD, persistence, multi-tenant config) is out of scope
// per SPEC_FULL.md §1/§6; this is the seam cmd/server populates so the
// engine is runnable end-to-end without one.
func seedDefaultPipeline(registry *pipeline.ConfigRegistry, cfg *config.Config) {
	if len(cfg.StaticTickerUniverse) == 0 {
		return
	}
	registry.Put(pipeline.Config{
		ID:          "default",
		UserID:      "default",
		Mode:        store.ModePaper,
		TriggerMode: pipeline.TriggerPeriodic,
		Tickers:     joinCSV(cfg.StaticTickerUniverse),
		Nodes: []pipeline.NodeConfig{
			{ID: "market_data", AgentType: "market_data_agent", Config: map[string]any{
				"timeframes": []string{"1d"},
			}},
			{ID: "strategy", AgentType: "strategy_agent", Config: map[string]any{
				"depends_on": []string{"market_data"},
			}},
			{ID: "risk", AgentType: "risk_manager_agent", Config: map[string]any{
				"depends_on": []string{"strategy"},
			}},
			{ID: "trade_manager", AgentType: "trade_manager_agent", Config: map[string]any{
				"depends_on": []string{"risk"},
			}},
			{ID: "reporting", AgentType: "reporting_agent", Config: map[string]any{
				"depends_on": []string{"trade_manager"},
			}},
		},
		ApprovalTTLSeconds:      int(cfg.ApprovalTTL.Seconds()),
		MonitorIntervalSeconds:  int(cfg.MonitorIntervalDefault.Seconds()),
		MaxAgeRunningMinutes:    int(cfg.MaxAgeRunning.Minutes()),
		MaxAgeMonitoringMinutes: int(cfg.MaxAgeMonitoring.Minutes()),
	})
}

func joinCSV(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}

// registerTaskHandlers binds every worker.TaskType to the collaborator that
// actually performs the work — the worker pool itself has no idea what a
// run_execution or monitor_poll task means, per internal/worker's own doc
// comment.
func registerTaskHandlers(
	pool *worker.Pool,
	st *store.Store,
	configs pipeline.ConfigProvider,
	executor *pipeline.Executor,
	gate *approval.Gate,
	monitorLoop *monitor.Loop,
	sweeper *janitor.Janitor,
	dispatcher *dispatch.Dispatcher,
	log zerolog.Logger,
) {
	pool.Register(worker.TaskRunExecution, func(ctx context.Context, task worker.Context) error {
		exec, err := st.Load(ctx, task.Payload)
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			return nil
		}
		cfg, ok := configs.Get(ctx, exec.PipelineID)
		if !ok {
			log.Error().Str("execution_id", exec.ID).Str("pipeline_id", exec.PipelineID).
				Msg("run_execution: unknown pipeline, dropping")
			return nil
		}
		return executor.Start(ctx, cfg, exec)
	})

	pool.Register(worker.TaskResumeApproved, func(ctx context.Context, task worker.Context) error {
		return gate.HandleResume(ctx, task.Payload)
	})

	pool.Register(worker.TaskCheckApprovalTimeout, func(ctx context.Context, task worker.Context) error {
		return gate.HandleTimeout(ctx, task.Payload)
	})

	pool.Register(worker.TaskMonitorPoll, func(ctx context.Context, task worker.Context) error {
		return monitorLoop.Poll(ctx, task.Payload)
	})

	pool.Register(worker.TaskCleanup, func(ctx context.Context, task worker.Context) error {
		_, err := sweeper.Sweep(ctx)
		return err
	})

	pool.Register(worker.TaskDispatchTrigger, func(ctx context.Context, task worker.Context) error {
		// Dispatch's own cron-driven Tick already performs the scan; this
		// task type exists for an explicit "dispatch now" admin trigger.
		return dispatcher.Tick(ctx)
	})
}
