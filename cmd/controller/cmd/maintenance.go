package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/softcane/maintenance-controller/internal/controller"
	"github.com/softcane/maintenance-controller/internal/maintenance"
	"github.com/softcane/maintenance-controller/internal/rebalance"
	"github.com/softcane/maintenance-controller/internal/snapshot"
	"github.com/softcane/maintenance-controller/internal/store"
)

var (
	reason       string
	fields       []string
	wait         bool
	waitTimeout  time.Duration
	outputFormat string
	watchStatus  bool
	replicas     int
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Inspect or change the maintenance state of a cluster",
	Long: `Operator commands for cluster maintenance.

enable and disable queue a command for the running controller, which applies
it at its next pass. The most recent command wins.

Example:
  maintenance-controller maintenance enable --reason "rack swap" --field ticket=OPS-12 --wait
  maintenance-controller maintenance status --output json
  maintenance-controller maintenance disable --reason done`,
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Put the cluster in operator maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		custom, err := parseFields(fields)
		if err != nil {
			return err
		}
		return submitCommand(cmd.Context(), maintenance.EnableCommand(reason, custom), true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Take the cluster out of maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitCommand(cmd.Context(), maintenance.DisableCommand(reason), false)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current maintenance record",
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded maintenance transitions, oldest first",
	RunE:  runHistory,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what the rebalance gate allows for every resource",
	Long: `Plan reads the cluster snapshot and the maintenance record and prints,
per resource, whether it would be fully placed, kept with its top-state
replicas preserved, or deferred until maintenance ends.`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(maintenanceCmd)
	maintenanceCmd.AddCommand(enableCmd, disableCmd, statusCmd, historyCmd, planCmd)

	for _, c := range []*cobra.Command{enableCmd, disableCmd} {
		c.Flags().StringVar(&reason, "reason", "", "Free text reason recorded with the command")
		c.Flags().BoolVar(&wait, "wait", false, "Wait until the controller has applied the command")
		c.Flags().DurationVar(&waitTimeout, "timeout", 2*time.Minute, "How long --wait waits")
	}
	enableCmd.Flags().StringArrayVar(&fields, "field", nil, "Custom field key=value, repeatable")

	for _, c := range []*cobra.Command{statusCmd, historyCmd, planCmd} {
		c.Flags().StringVar(&outputFormat, "output", "table", "Output format: table, json")
	}
	statusCmd.Flags().BoolVar(&watchStatus, "watch", false, "Print every change of the record until interrupted")
	planCmd.Flags().IntVar(&replicas, "replicas", 0, "Replicas per partition for full placement (0 keeps the current width)")
}

// parseFields turns repeated key=value flags into a map.
func parseFields(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --field %q, expected key=value", kv)
		}
		if maintenance.IsReservedKey(k) {
			return nil, fmt.Errorf("invalid --field %q, %s is set by the controller", kv, k)
		}
		out[k] = v
	}
	return out, nil
}

func submitCommand(ctx context.Context, command maintenance.Command, enabled bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newKubeClient()
	if err != nil {
		return err
	}
	b, err := openBackend(cfg, client, slog.Default())
	if err != nil {
		return err
	}
	defer b.close()

	if IsDryRun() {
		slog.Info("dry-run: command not submitted",
			"action", "would_submit_command",
			"enable", command.Enable,
			"reason", command.Reason,
		)
		return nil
	}
	if err := b.inbox.Submit(ctx, command); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "submitted %s command for cluster %s\n", commandName(command), cfg.Cluster.Name)

	if !wait {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	rec, err := store.WaitFor(waitCtx, b.signals, enabled, 2*time.Second)
	if err != nil {
		return err
	}
	return printStatus(os.Stdout, controller.NewStatus(cfg.Cluster.Name, rec), "table")
}

func commandName(c maintenance.Command) string {
	if c.Enable {
		return "enable"
	}
	return "disable"
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newKubeClient()
	if err != nil {
		return err
	}
	b, err := openBackend(cfg, client, slog.Default())
	if err != nil {
		return err
	}
	defer b.close()

	rec, err := b.signals.Get(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read maintenance signal: %w", err)
	}
	if err := printStatus(os.Stdout, controller.NewStatus(cfg.Cluster.Name, rec), outputFormat); err != nil {
		return err
	}
	if !watchStatus {
		return nil
	}

	w, ok := b.signals.(store.SignalWatcher)
	if !ok {
		return fmt.Errorf("store backend %s cannot be watched", cfg.Store.Backend)
	}
	changes, err := w.Watch(cmd.Context())
	if err != nil {
		return err
	}
	for rec := range changes {
		if err := printStatus(os.Stdout, controller.NewStatus(cfg.Cluster.Name, rec), outputFormat); err != nil {
			return err
		}
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newKubeClient()
	if err != nil {
		return err
	}
	b, err := openBackend(cfg, client, slog.Default())
	if err != nil {
		return err
	}
	defer b.close()

	entries, err := b.history.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read maintenance history: %w", err)
	}
	return printHistory(os.Stdout, entries, outputFormat)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newKubeClient()
	if err != nil {
		return err
	}
	b, err := openBackend(cfg, client, slog.Default())
	if err != nil {
		return err
	}
	defer b.close()

	reader := snapshot.NewKubeReader(snapshot.KubeReaderConfig{
		Client:           client,
		Logger:           slog.Default(),
		Cluster:          cfg.Cluster.Name,
		Namespace:        cfg.Cluster.Namespace,
		NodeSelector:     cfg.Snapshot.NodeSelector,
		ResourceSelector: cfg.Snapshot.ResourceSelector,
	})
	snap, err := reader.Read(cmd.Context())
	if err != nil {
		return err
	}

	gate := rebalance.NewGate(b.signals, cfg.Cluster.Name, slog.Default())
	pipeline := rebalance.NewPipeline(gate, rebalance.SpreadPlacer{Replicas: replicas}, cfg.Cluster.Name, slog.Default())
	results, err := pipeline.Run(cmd.Context(), snap)
	if err != nil {
		return err
	}
	return printPlan(os.Stdout, results, outputFormat)
}

func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printStatus(w io.Writer, st controller.Status, format string) error {
	if format == "json" {
		return outputJSON(w, st)
	}

	since := "-"
	if st.Since != nil {
		since = st.Since.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(w, "%-20s %-24s %-25s\n", "CLUSTER", "STATE", "SINCE")
	fmt.Fprintf(w, "%-20s %-24s %-25s\n", st.Cluster, st.State, since)

	keys := make([]string, 0, len(st.Fields))
	for k := range st.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s=%s\n", k, st.Fields[k])
	}
	return nil
}

func printHistory(w io.Writer, entries []maintenance.HistoryEntry, format string) error {
	if format == "json" {
		if entries == nil {
			entries = []maintenance.HistoryEntry{}
		}
		return outputJSON(w, entries)
	}

	fmt.Fprintf(w, "%-25s %-8s %-12s %-48s %s\n", "DATE", "OP", "TRIGGERED_BY", "AUTO_TRIGGER_REASON", "REASON")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, e := range entries {
		fmt.Fprintf(w, "%-25s %-8s %-12s %-48s %s\n",
			e.Date, e.OperationType, e.TriggeredBy, orDash(string(e.AutoTriggerReason)), orDash(e.Reason))
	}
	return nil
}

type planRow struct {
	Resource   string                   `json:"resource"`
	Kind       snapshot.ResourceKind    `json:"kind"`
	Admission  rebalance.Admission      `json:"admission"`
	Partitions int                      `json:"partitions"`
	Placement  snapshot.PartitionStates `json:"placement,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func printPlan(w io.Writer, results []rebalance.Result, format string) error {
	rows := make([]planRow, 0, len(results))
	for _, r := range results {
		row := planRow{
			Resource:   r.Resource,
			Kind:       r.Kind,
			Admission:  r.Admission,
			Partitions: len(r.Placement),
			Placement:  r.Placement,
		}
		if r.Err != nil {
			row.Error = r.Err.Error()
		}
		rows = append(rows, row)
	}

	if format == "json" {
		return outputJSON(w, rows)
	}
	fmt.Fprintf(w, "%-30s %-10s %-20s %-10s %s\n", "RESOURCE", "KIND", "ADMISSION", "PARTITIONS", "ERROR")
	for _, row := range rows {
		fmt.Fprintf(w, "%-30s %-10s %-20s %-10d %s\n", row.Resource, row.Kind, row.Admission, row.Partitions, orDash(row.Error))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
