package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsconductor/opsconductor/internal/alerting"
	"github.com/opsconductor/opsconductor/internal/config"
	"github.com/opsconductor/opsconductor/internal/connector"
	"github.com/opsconductor/opsconductor/internal/logging"
	"github.com/opsconductor/opsconductor/internal/mapping"
	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/normalize"
	"github.com/opsconductor/opsconductor/internal/notify"
	"github.com/opsconductor/opsconductor/internal/rules"
	"github.com/opsconductor/opsconductor/internal/scheduler"
	"github.com/opsconductor/opsconductor/internal/store"
	"github.com/opsconductor/opsconductor/internal/websockethub"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "opsconductor",
	Short:   "OpsConductor - alert ingestion and correlation pipeline",
	Long:    `OpsConductor ingests alerts from monitoring systems and SNMP-speaking equipment, correlates raises with clears, and fans notifications out to operations channels.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(seedMappingsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("OpsConductor %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup lines, replaced once config is loaded
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "opsconductor",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "opsconductor",
		FilePath:  cfg.LogFile,
	})

	log.Info().Str("version", Version).Msg("Starting OpsConductor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(store.Config{
		DBPath:                cfg.DBPath,
		SystemLogRetention:    daysToDuration(cfg.SystemLogRetentionDays),
		HistoryRetention:      daysToDuration(cfg.AlertHistoryRetentionDays),
		ExecutionRetention:    daysToDuration(cfg.ExecutionRetentionDays),
		TrapLogRetention:      daysToDuration(cfg.ExecutionRetentionDays),
		NotificationRetention: daysToDuration(cfg.ExecutionRetentionDays),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	// Re-init logging with the database sink attached so warn and error
	// lines land in system_logs as well
	dbSink := logging.NewDBSink(st)
	logging.SetDBSink(dbSink)
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "opsconductor",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()
	defer dbSink.Stop()

	cache := mapping.New(ctx, st, time.Duration(cfg.MappingRefreshSeconds)*time.Second)
	defer cache.Stop()

	// The watcher applies the seed file once on creation and again on every
	// edit. When it cannot be created the seed is applied one-shot instead.
	if cfg.MappingSeedPath != "" {
		if watcher, err := mapping.NewSeedWatcher(ctx, cfg.MappingSeedPath, st, cache); err != nil {
			log.Warn().Err(err).Msg("Mapping seed watcher unavailable, file edits need a restart")
			if seed, err := mapping.LoadSeedFile(cfg.MappingSeedPath); err != nil {
				log.Error().Err(err).Str("path", cfg.MappingSeedPath).Msg("Failed to load mapping seed file")
			} else if err := seed.Apply(ctx, st); err != nil {
				log.Error().Err(err).Str("path", cfg.MappingSeedPath).Msg("Failed to apply mapping seed file")
			} else {
				cache.Invalidate()
			}
		} else {
			defer watcher.Stop()
		}
	}

	startMetricsServer(ctx, fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.MetricsPort))

	hub := websockethub.New()
	defer hub.Stop()

	dispatcher := notify.NewDispatcher(st, notify.NewEmailDriver(), notify.NewWebhookDriver())

	manager := alerting.NewManager(st, time.Duration(cfg.AlertTTLHours)*time.Hour)
	defer manager.Stop()
	manager.SetRaisedCallback(func(alert *models.StoredAlert, deduplicated bool) {
		hub.BroadcastAlertRaised(alert, deduplicated)
		if deduplicated {
			return
		}
		nctx, ncancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer ncancel()
		dispatcher.HandleAlert(nctx, alert, notify.TriggerRaised)
	})
	manager.SetResolvedCallback(func(alert *models.StoredAlert) {
		hub.BroadcastAlertResolved(alert)
		nctx, ncancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer ncancel()
		dispatcher.HandleAlert(nctx, alert, notify.TriggerResolved)
	})
	manager.SetAcknowledgedCallback(hub.BroadcastAlertAcknowledged)
	// TTL expiry is housekeeping, not an operational resolve, so it reaches
	// the event stream but not the notification channels.
	manager.SetExpiredCallback(hub.BroadcastAlertExpired)

	resolver := normalize.NewResolver()
	defer resolver.Stop()
	normalizers := normalize.NewRegistry()
	normalizers.Register(normalize.NewPRTGNormalizer(cache, resolver))
	normalizers.Register(normalize.NewGenericNormalizer(cache, resolver))
	snmpNormalizer := normalize.NewSNMPNormalizer(cache)

	if err := ensureTrapConnector(ctx, st, cfg); err != nil {
		log.Error().Err(err).Msg("Failed to seed trap receiver connector")
	}

	connMgr := connector.NewManager(st, connector.DefaultRegistry(), connector.Deps{
		Normalizers: normalizers,
		SNMP:        snmpNormalizer,
		Sink: func(ctx context.Context, alert *models.NormalizedAlert) error {
			_, err := manager.ProcessAlert(ctx, alert)
			return err
		},
	})
	if err := connMgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start connector manager")
	}
	defer connMgr.Stop()

	tasks := scheduler.NewRegistry()
	sched := scheduler.New(scheduler.Config{
		TickInterval: time.Duration(cfg.SchedulerTickSeconds) * time.Second,
		Workers:      cfg.SchedulerMaxWorkers,
		StaleTimeout: time.Duration(cfg.StaleTimeoutSeconds) * time.Second,
	}, st, tasks, hub)

	evaluator := rules.New(st, manager, sched.Pool(), time.Duration(cfg.RuleEvalIntervalSeconds)*time.Second)
	defer evaluator.Stop()

	tasks.Register(scheduler.TaskJobRun, scheduler.NewConnectorPollHandler(connMgr))
	tasks.Register(scheduler.TaskAlertsEvaluate, scheduler.NewRuleSweepHandler(evaluator))
	tasks.Register(scheduler.TaskWorkflowRun, scheduler.NewWorkflowHandler(tasks))
	tasks.Register(scheduler.TaskDiscoveryScan, scheduler.NewDiscoveryScanHandler())
	sched.Start()
	defer sched.Stop()

	ingress := connector.NewIngress(connector.IngressConfig{
		Addr: cfg.ListenAddr(),
		WS:   hub,
	}, connMgr)
	if err := ingress.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start ingress server")
	}

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, refreshing mapping cache")
			rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := cache.Refresh(rctx); err != nil {
				log.Error().Err(err).Msg("Mapping refresh failed")
			}
			rcancel()

		case <-sigChan:
			log.Info().Msg("Shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := ingress.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Ingress shutdown error")
			}
			shutdownCancel()
			// Remaining teardown runs in defer order: scheduler drains its
			// workers, the rule evaluator and connectors stop, the alert
			// manager and hub wind down, then the store closes.
			return
		}
	}
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// ensureTrapConnector seeds one snmp_trap connector row from the environment
// configuration on first startup. An existing trap connector row wins over
// the environment so operator edits survive restarts.
func ensureTrapConnector(ctx context.Context, st *store.Store, cfg *config.Config) error {
	records, err := st.ListConnectors(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.ConnectorType == connector.TypeSNMPTrap {
			return nil
		}
	}

	trapCfg, err := json.Marshal(map[string]any{
		"bind_address":       cfg.TrapHost,
		"port":               cfg.TrapPort,
		"communities":        cfg.TrapCommunities,
		"validate_community": cfg.TrapValidateCommunity,
		"queue_size":         cfg.TrapQueueSize,
		"workers":            cfg.TrapWorkers,
	})
	if err != nil {
		return err
	}

	id, err := st.SaveConnector(ctx, models.ConnectorRecord{
		Name:          "snmp-traps",
		ConnectorType: connector.TypeSNMPTrap,
		Config:        trapCfg,
		Enabled:       true,
	})
	if err != nil {
		return err
	}
	log.Info().Int64("connectorId", id).Str("listen", cfg.TrapListenAddr()).Msg("Seeded trap receiver connector")
	return nil
}
