package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"fairwatch/internal/api"
	"fairwatch/internal/config"
	"fairwatch/internal/engine"
	"fairwatch/internal/ingest"
	"fairwatch/internal/lease"
	"fairwatch/internal/logging"
	"fairwatch/internal/metrics"
	"fairwatch/internal/model"
	"fairwatch/internal/notify"
	"fairwatch/internal/storage"
	"fairwatch/internal/tracing"
)

var version = "dev"

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "fairwatch",
		Short:         "Fairness metrics and bias monitoring for decision pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "fairwatch.yaml", "config file (YAML or JSON)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newComputeCmd(&cfgPath),
		newPurgeCmd(&cfgPath),
		newCheckConfigCmd(&cfgPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadManager falls back to built-in defaults when the file does not exist.
func loadManager(path string) (*config.Manager, error) {
	path = config.ResolvePath(path)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	store, err := storage.NewStore(cfg)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, nil
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	return store, nil
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, monitoring and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			mgr, err := loadManager(*cfgPath)
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			logger, level := logging.New(os.Stdout, cfg.LogLevel)
			logger.Info("starting fairwatch", "version", version, "config", mgr.Path())

			tp, err := tracing.Init(ctx, cfg.Tracing, version)
			if err != nil {
				return err
			}
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()

			store, err := openStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
				logger.Info("storage enabled", "driver", cfg.Storage.Driver)
			}

			locker, err := lease.New(cfg.Lease)
			if err != nil {
				return err
			}
			defer locker.Close()

			eng := engine.NewEngine(mgr, logger, metrics.NewStore(cfg.Metrics.StoreLimit), store,
				engine.WithLocker(locker),
				engine.WithSinks(notify.FromConfig(cfg.Notify, logger)...),
				engine.WithCollectors(metrics.NewCollectors(prometheus.DefaultRegisterer)),
			)
			defer eng.Close()
			if err := eng.Load(ctx); err != nil {
				return fmt.Errorf("load state: %w", err)
			}

			stop := make(chan struct{})
			defer close(stop)
			if mgr.Path() != "" {
				go mgr.Watch(3*time.Second, func(next *config.Config) {
					level.Set(logging.ParseLevel(next.LogLevel))
					logger.Info("config reloaded")
				}, func(err error) {
					logger.Warn("config reload failed", "err", err)
				}, stop)
			}

			events := make(chan model.ProcessEvent, cfg.Ingest.ChannelBuffer)
			eng.Start(ctx, events)
			ingest.StartREST(ctx, mgr, events, logger)
			ingest.StartTCPStream(ctx, mgr, events, logger)
			ingest.StartFileTail(ctx, mgr, events, logger)
			ingest.StartKafka(ctx, mgr, events, logger)
			api.Start(ctx, mgr, eng, logger, api.WithVersion(version))

			<-ctx.Done()
			logger.Info("shutting down")
			eng.Wait()
			return nil
		},
	}
}

type computeResult struct {
	ProcessID  string                 `json:"process_id"`
	Evaluation model.Evaluation       `json:"evaluation"`
	Metrics    *model.FairnessMetrics `json:"metrics,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func newComputeCmd(cfgPath *string) *cobra.Command {
	var csvPath string
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Evaluate a CSV export of outcomes offline and print the results as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if csvPath == "" {
				return errors.New("--csv is required")
			}
			mgr, err := loadManager(*cfgPath)
			if err != nil {
				return err
			}
			cfg := mgr.Get().Clone()
			cfg.Notify.Log = false
			offline := config.NewStaticManager(cfg)

			f, err := os.Open(csvPath)
			if err != nil {
				return err
			}
			defer f.Close()
			events, err := ingest.ReadCSV(f, cfg)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(cfg.LogLevel)}))
			eng := engine.NewEngine(offline, logger, metrics.NewStore(len(events)), nil)
			defer eng.Close()

			actor := model.Actor{Kind: model.ActorBatch, ID: "cli"}
			results := make([]computeResult, 0, len(events))
			for _, ev := range events {
				res := computeResult{ProcessID: ev.ProcessID}
				out, err := eng.EvaluateProcess(cmd.Context(), ev.ProcessID, ev.ProcessType, ev.Data(), actor)
				if err != nil {
					res.Error = err.Error()
				} else {
					res.Evaluation = out
					res.Metrics, _, _ = eng.LatestMetrics(ev.ProcessID)
				}
				results = append(results, res)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV file with one outcome per row (attr_<name> columns hold groups)")
	return cmd
}

func newPurgeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove resolved alerts and audit entries past their retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := loadManager(*cfgPath)
			if err != nil {
				return err
			}
			cfg := mgr.Get()
			if !cfg.Storage.Enabled {
				return errors.New("purge needs storage.enabled")
			}
			store, err := openStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()
			logger := logging.NewLogger(cfg.LogLevel)
			eng := engine.NewEngine(mgr, logger, metrics.NewStore(cfg.Metrics.StoreLimit), store)
			defer eng.Close()
			if err := eng.Load(ctx); err != nil {
				return err
			}
			res, err := eng.Purge(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d alerts, %d audit entries\n", res.Alerts, res.AuditEntries)
			return nil
		},
	}
}

func newCheckConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.ResolvePath(*cfgPath))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}
