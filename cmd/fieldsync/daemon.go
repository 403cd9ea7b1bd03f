package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/conforma/fieldsync/internal/audit"
	"github.com/conforma/fieldsync/internal/connectivity"
	"github.com/conforma/fieldsync/internal/dashboard"
	"github.com/conforma/fieldsync/internal/intake"
	syncpkg "github.com/conforma/fieldsync/internal/sync"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the full sync engine in the foreground:

  1. Probe server connectivity on an interval
  2. Drain the mutation queue after reconnects (with a settle delay)
  3. Watch the photo spool directory and ingest captured photos
  4. Serve the WebSocket status dashboard

Logs rotate in <data_dir>/fieldsync.log. Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		client, err := newClient()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logger := log.New(&lumberjack.Logger{
			Filename:   filepath.Join(viper.GetString("data_dir"), "fieldsync.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, "", log.LstdFlags)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Status dashboard.
		dash := dashboard.NewServer(&dashboard.Config{
			Port:   viper.GetInt("dashboard.port"),
			Logger: logger,
		})
		if err := dash.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := dash.Stop(); err != nil {
				logger.Printf("Dashboard shutdown error: %v", err)
			}
		}()

		// Connectivity gate. The initial state comes from a synchronous
		// probe so the startup check below sees a settled value; the
		// monitor takes over from there.
		state := connectivity.NewState(false)
		state.Subscribe(dash.PublishConnectivity)

		probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
		state.Set(client.Ping(probeCtx) == nil)
		probeCancel()

		monitorCfg := connectivity.DefaultMonitorConfig()
		monitorCfg.Interval = viper.GetDuration("probe.interval")
		monitorCfg.Logger = logger
		monitor := connectivity.NewMonitor(state, client, monitorCfg)

		// Orchestrator with debounced pending-count republish.
		counter := syncpkg.NewPendingCounter(st, dash.PublishPendingCount, 0, logger)
		orch := syncpkg.New(st, client, counter, &syncpkg.Config{
			Logger: logger,
			Events: dash.Events(),
		})

		triggerCfg := syncpkg.DefaultTriggerConfig()
		triggerCfg.SettleDelay = viper.GetDuration("sync.settle_delay")
		triggerCfg.Logger = logger
		trigger := syncpkg.NewTrigger(orch, state, triggerCfg)
		trigger.Bind(ctx)

		// Photo spool intake through the façade.
		service := audit.NewService(st, client, state, &audit.Config{
			Logger:  logger,
			Counter: counter,
		})
		watcher, err := intake.New(service, viper.GetString("spool_dir"), &intake.Config{Logger: logger})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating spool watcher: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("fieldsync daemon running\n")
		fmt.Printf("   Store: %s\n", st.Path())
		fmt.Printf("   Spool: %s\n", viper.GetString("spool_dir"))
		fmt.Printf("   Dashboard: ws://%s/ws\n", dash.GetAddr())
		fmt.Printf("\nPress Ctrl+C to stop\n")

		go monitor.Run(ctx)

		trigger.StartupCheck(ctx)
		counter.Flush()

		if err := watcher.Start(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
