package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/pulsecron/am"
	"github.com/teranos/pulsecron/logger"
	"github.com/teranos/pulsecron/pulse/async"
	"github.com/teranos/pulsecron/pulse/cron"
	"github.com/teranos/pulsecron/pulse/schedule"
	"github.com/teranos/pulsecron/server"
	"github.com/teranos/pulsecron/sym"
	"github.com/teranos/pulsecron/version"
)

// StartCmd runs the scheduler in the foreground
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: sym.Pulse + " Start the scheduler",
	Long: sym.Pulse + ` Start the scheduler in foreground mode.

Startup:
- Open and migrate the database (sqlite3 or postgres)
- Connect the redis lock provider when redis.addr is set
- Reconcile jobs declared under [jobs.<name>] into storage
- Start the scheduler loop, the stale recovery loop and the admin API

Runs until interrupted (Ctrl+C or SIGTERM). In-flight jobs finish their
bookkeeping before exit.

Example:
  pulsecron start
  pulsecron start --port 9000 --no-server`,
	RunE: runStart,
}

func init() {
	StartCmd.Flags().Int("port", 0, "Admin API port (overrides server.port)")
	StartCmd.Flags().Bool("no-server", false, "Do not start the admin API")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pulseCfg := schedule.FromAM(cfg.Pulse)
	if err := pulseCfg.Validate(); err != nil {
		return err
	}

	log := logger.Logger
	pulseLog := logger.AddPulseSymbol(log)
	info := version.Get()
	logger.AddPulseOpenSymbol(log).Infow("Starting pulsecron", info.LogFields()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	locks, closeLocks, err := openLocks(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer closeLocks()

	handlers := async.NewHandlerRegistry()
	async.RegisterBuiltins(handlers, logger.ComponentLogger("handler"))

	registry := schedule.NewRegistry()
	if err := registry.AddFromAM(cfg.Jobs); err != nil {
		return fmt.Errorf("invalid job declaration: %w", err)
	}

	cache := cron.NewDefaultCache()
	reconciler := schedule.NewReconciler(store, registry, cache, am.ViperOverrides{V: am.GetViper()}, log)
	report, err := reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile jobs: %w", err)
	}
	if !report.OK() {
		for name, jobErr := range report.Failed {
			pulseLog.Errorw("Job definition rejected", logger.FieldJobName, name, logger.FieldError, jobErr)
		}
	}

	factories := schedule.NewFactoryCache()
	dispatcher := schedule.NewDispatcher(handlers, factories, pulseCfg.DefaultJobTimeout, log,
		schedule.WithObserver(func(ev schedule.DispatchEvent) {
			log.Debugw("Dispatch event", "event", ev.Name, logger.FieldJobName, ev.JobName, logger.FieldExecutionID, ev.ExecutionID)
		}))

	ticker := schedule.NewTickerWithContext(ctx, store, dispatcher, locks, cache, pulseCfg, log)
	recovery := schedule.NewRecoveryWithContext(ctx, store, pulseCfg, log)
	ticker.Start()
	recovery.Start()

	var srv *server.Server
	serverErr := make(chan error, 1)
	noServer, _ := cmd.Flags().GetBool("no-server")
	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = cfg.Server.Port
	}
	if !noServer && port > 0 {
		srv = server.New(
			schedule.NewManager(store, cache, log, schedule.WithFactoryCache(factories)),
			schedule.NewHealthProbe(store, pulseCfg.StaleJobThreshold),
			log,
			server.WithTicker(ticker),
			server.WithHandlers(handlers),
		)
		go func() {
			serverErr <- srv.ListenAndServe(port)
		}()
	}

	fmt.Printf("%s pulsecron started\n", sym.PulseOpen)
	fmt.Printf("  Storage: %s\n", cfg.Database.Driver)
	fmt.Printf("  Jobs reconciled: %d (skipped %d, disabled %d, failed %d)\n",
		len(report.Upserted), len(report.Skipped), len(report.Disabled), len(report.Failed))
	fmt.Printf("  Poll interval: %v\n", pulseCfg.PollInterval)
	fmt.Printf("  Lock holder: %s\n", pulseCfg.LockHolder)
	if srv != nil {
		fmt.Printf("  Admin API: http://localhost:%d\n", port)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-serverErr:
		if err != nil {
			pulseLog.Errorw("Admin API failed", logger.FieldError, err)
		}
	}

	fmt.Printf("\n%s Shutting down...\n", sym.PulseClose)

	// Reverse order of startup
	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warnw("Admin API shutdown error", logger.FieldError, err)
		}
	}
	recovery.Stop()
	ticker.Stop()
	cancel()

	stats := ticker.GetStats()
	logger.AddPulseCloseSymbol(log).Infow("pulsecron stopped",
		"polls", stats.PollsSinceStart,
		"dispatched", stats.Dispatched,
		"failed", stats.Failed)
	fmt.Printf("%s pulsecron stopped\n", sym.PulseClose)
	return nil
}
