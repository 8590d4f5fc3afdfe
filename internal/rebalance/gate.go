// Package rebalance gates resource placement on the cluster's maintenance
// state and accounts for maintenance-related rebalance failures.
package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/softcane/maintenance-controller/internal/metrics"
	"github.com/softcane/maintenance-controller/internal/snapshot"
	"github.com/softcane/maintenance-controller/internal/store"
)

// Admission is what a resource may do in the current pass.
type Admission string

const (
	// AdmitFull allows normal placement.
	AdmitFull Admission = "full"
	// AdmitPreserveTopState keeps the current placement, only repairing top-state holders.
	AdmitPreserveTopState Admission = "preserve_top_state"
	// AdmitDefer produces no placement until maintenance ends.
	AdmitDefer Admission = "defer"
)

// SignalReader is the read side of the maintenance signal store.
type SignalReader interface {
	Get(ctx context.Context) (store.Record, error)
}

// Gate decides per resource whether a rebalance may run and counts
// rebalances that failed on a maintenance-related constraint.
type Gate struct {
	signals SignalReader
	cluster string
	logger  *slog.Logger

	failures         atomic.Int64
	taskFailures     atomic.Int64
	resourceFailures atomic.Int64

	mu       sync.Mutex
	deferred map[string]struct{}
}

// NewGate creates a gate reading maintenance state from signals.
func NewGate(signals SignalReader, cluster string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		signals:  signals,
		cluster:  cluster,
		logger:   logger,
		deferred: make(map[string]struct{}),
	}
}

// IsMaintenanceModeEnabled reads the stored signal.
func (g *Gate) IsMaintenanceModeEnabled(ctx context.Context) (bool, error) {
	rec, err := g.record(ctx)
	if err != nil {
		return false, err
	}
	return rec.Enabled(), nil
}

func (g *Gate) record(ctx context.Context) (store.Record, error) {
	rec, err := g.signals.Get(ctx)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to read maintenance signal: %w", err)
	}
	return rec, nil
}

// Admit classifies res against the maintenance record read for this pass.
// Resources created at or after the start of maintenance are deferred until
// it ends.
func (g *Gate) Admit(rec store.Record, res snapshot.Resource) Admission {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer func() {
		metrics.DeferredResources.WithLabelValues(g.cluster).Set(float64(len(g.deferred)))
	}()

	_, wasDeferred := g.deferred[res.Name]
	if !rec.Enabled() {
		if wasDeferred {
			delete(g.deferred, res.Name)
			g.logger.Info("releasing resource deferred during maintenance", "cluster", g.cluster, "resource", res.Name)
		}
		return AdmitFull
	}

	if wasDeferred || !res.CreatedAt.Before(rec.Signal.Since) {
		if !wasDeferred {
			g.deferred[res.Name] = struct{}{}
			g.logger.Info("deferring resource created during maintenance",
				"cluster", g.cluster,
				"resource", res.Name,
				"created_at", res.CreatedAt,
				"maintenance_since", rec.Signal.Since,
			)
		}
		return AdmitDefer
	}
	return AdmitPreserveTopState
}

// Deferred returns the sorted names of resources awaiting their first placement.
func (g *Gate) Deferred() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.deferred))
	for name := range g.deferred {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RecordFailure counts a rebalance of the given pipeline that failed on a
// maintenance-related constraint.
func (g *Gate) RecordFailure(kind snapshot.ResourceKind) {
	g.failures.Add(1)
	metrics.RebalanceFailures.WithLabelValues(g.cluster).Inc()

	if kind == snapshot.KindTask {
		g.taskFailures.Add(1)
		metrics.TaskRebalanceFailures.WithLabelValues(g.cluster).Inc()
		return
	}
	g.resourceFailures.Add(1)
	metrics.ResourceRebalanceFailures.WithLabelValues(g.cluster).Inc()
}

// RebalanceFailureCount is the number of failed rebalances across pipelines.
func (g *Gate) RebalanceFailureCount() int64 { return g.failures.Load() }

// TaskRebalanceFailureCount is the number of failed task pipeline rebalances.
func (g *Gate) TaskRebalanceFailureCount() int64 { return g.taskFailures.Load() }

// ResourceRebalanceFailureCount is the number of failed resource pipeline rebalances.
func (g *Gate) ResourceRebalanceFailureCount() int64 { return g.resourceFailures.Load() }
