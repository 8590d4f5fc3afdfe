package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/softcane/maintenance-controller/internal/config"
	"github.com/softcane/maintenance-controller/internal/controller"
	"github.com/softcane/maintenance-controller/internal/maintenance"
	"github.com/softcane/maintenance-controller/internal/metrics"
	"github.com/softcane/maintenance-controller/internal/rebalance"
	"github.com/softcane/maintenance-controller/internal/snapshot"
	"github.com/softcane/maintenance-controller/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the maintenance controller",
	Long: `Run starts the maintenance controller for one cluster.

The controller will:
1. Read instance liveness and resource placements every pass
2. Enter or leave automatic maintenance on the configured thresholds
3. Apply operator commands queued through "maintenance enable|disable"
4. Run the rebalance gate over every pass and count partition cap failures
5. Serve /metrics and /maintenance on server.listenAddress

Use --dry-run to log decisions without writing the maintenance signal.`,
	RunE: runController,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Load Configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()
	logger.Info("starting maintenance controller",
		"cluster", cfg.Cluster.Name,
		"dry_run", IsDryRun(),
		"liveness", cfg.Snapshot.Liveness,
		"backend", cfg.Store.Backend,
	)

	// 2. Initialize Kubernetes Client
	k8sClient, err := newKubeClient()
	if err != nil {
		return err
	}

	// 3. Initialize the snapshot reader and its liveness source
	reader := snapshot.NewKubeReader(snapshot.KubeReaderConfig{
		Client:           k8sClient,
		Logger:           logger,
		Cluster:          cfg.Cluster.Name,
		Namespace:        cfg.Cluster.Namespace,
		NodeSelector:     cfg.Snapshot.NodeSelector,
		ResourceSelector: cfg.Snapshot.ResourceSelector,
	})
	if cfg.Snapshot.Liveness == config.LivenessPrometheus {
		promClient, err := metrics.NewClient(metrics.ClientConfig{
			PrometheusURL: cfg.Prometheus.URL,
			LivenessQuery: cfg.Prometheus.LivenessQuery,
			Timeout:       cfg.Prometheus.Timeout(),
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize prometheus client: %w", err)
		}
		reader.SetLivenessProvider(promClient)
	}

	// 4. Open the signal and history stores
	b, err := openBackend(cfg, k8sClient, logger)
	if err != nil {
		return err
	}
	defer b.close()

	signals, history := b.signals, b.history
	if IsDryRun() {
		signals = store.NewDryRunSignalStore(signals, logger)
		history = store.NewDryRunHistoryStore(history, logger)
	}

	// 5. Initialize the rebalance gate and the controller
	_, afterPass := newRebalanceHook(signals, cfg.Cluster.Name, logger)
	ctrl, err := controller.New(controller.Config{
		Cluster:           cfg.Cluster.Name,
		Snapshot:          reader,
		Signals:           signals,
		History:           history,
		Inbox:             b.inbox,
		Logger:            logger,
		ReconcileInterval: cfg.Controller.ReconcileInterval(),
		CommandQueueSize:  cfg.Controller.CommandQueueSize,
		AfterPass:         afterPass,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	// 6. Turn cluster and record changes into passes
	go snapshot.WatchTriggers(ctx, k8sClient, cfg.Cluster.Namespace, cfg.Snapshot.NodeSelector, ctrl.Trigger, logger)
	if w, ok := b.signals.(store.SignalWatcher); ok {
		go triggerOnSignalChange(ctx, w, ctrl.Trigger, logger)
	}

	// 7. Start HTTP Server (Non-blocking)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           newMux(ctrl),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting http server", "address", cfg.Server.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// 8. Start the Controller
	if err := ctrl.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("controller failure: %w", err)
	}
	return nil
}

// newRebalanceHook builds the gate and pipeline run after every controller
// pass, so deferrals and failure counters follow the live record.
func newRebalanceHook(signals rebalance.SignalReader, cluster string, logger *slog.Logger) (*rebalance.Gate, func(context.Context, *snapshot.Snapshot)) {
	gate := rebalance.NewGate(signals, cluster, logger)
	pipeline := rebalance.NewPipeline(gate, rebalance.SpreadPlacer{}, cluster, logger)

	return gate, func(ctx context.Context, snap *snapshot.Snapshot) {
		results, err := pipeline.Run(ctx, snap)
		if err != nil {
			logger.Warn("rebalance pass failed", "error", err)
			return
		}
		var deferred, failed int
		for _, r := range results {
			switch {
			case r.Err != nil:
				failed++
			case r.Admission == rebalance.AdmitDefer:
				deferred++
			}
		}
		logger.Debug("rebalance pass",
			"resources", len(results),
			"deferred", deferred,
			"failed", failed,
		)
	}
}

// triggerOnSignalChange requests a pass when another writer changes the record.
func triggerOnSignalChange(ctx context.Context, w store.SignalWatcher, trigger func(), logger *slog.Logger) {
	changes, err := w.Watch(ctx)
	if err != nil {
		logger.Warn("failed to watch maintenance signal", "error", err)
		return
	}
	for range changes {
		trigger()
	}
}

// maintenanceAPI is what the HTTP surface reads from the controller.
type maintenanceAPI interface {
	Status(ctx context.Context) (controller.Status, error)
	History(ctx context.Context) ([]maintenance.HistoryEntry, error)
}

func newMux(api maintenanceAPI) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/maintenance", func(w http.ResponseWriter, r *http.Request) {
		st, err := api.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, st)
	})
	mux.HandleFunc("/maintenance/history", func(w http.ResponseWriter, r *http.Request) {
		entries, err := api.History(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if entries == nil {
			entries = []maintenance.HistoryEntry{}
		}
		writeJSON(w, entries)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
