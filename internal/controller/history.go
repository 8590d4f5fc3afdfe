package controller

import (
	"context"
	"log/slog"

	"github.com/softcane/maintenance-controller/internal/maintenance"
	"github.com/softcane/maintenance-controller/internal/metrics"
	"github.com/softcane/maintenance-controller/internal/store"
)

// HistoryRecorder appends transition entries to the audit log. A failed
// append is logged and dropped; it never blocks the transition.
type HistoryRecorder struct {
	store   store.HistoryStore
	logger  *slog.Logger
	cluster string
}

// NewHistoryRecorder creates a recorder writing to s.
func NewHistoryRecorder(s store.HistoryStore, cluster string, logger *slog.Logger) *HistoryRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryRecorder{store: s, logger: logger, cluster: cluster}
}

// Append adds entry to the tail of the log and reports whether it was stored.
func (r *HistoryRecorder) Append(ctx context.Context, entry maintenance.HistoryEntry) bool {
	if err := r.store.Append(ctx, entry); err != nil {
		metrics.HistoryAppendFailures.WithLabelValues(r.cluster).Inc()
		r.logger.Warn("dropping maintenance history entry",
			"cluster", r.cluster,
			"operation_type", entry.OperationType,
			"triggered_by", entry.TriggeredBy,
			"error", err,
		)
		return false
	}

	metrics.Transitions.WithLabelValues(r.cluster, string(entry.OperationType), string(entry.TriggeredBy)).Inc()
	r.logger.Info("recorded maintenance transition",
		"cluster", r.cluster,
		"operation_type", entry.OperationType,
		"triggered_by", entry.TriggeredBy,
		"auto_trigger_reason", entry.AutoTriggerReason,
		"reason", entry.Reason,
	)
	return true
}

// History returns the log oldest first.
func (r *HistoryRecorder) History(ctx context.Context) ([]maintenance.HistoryEntry, error) {
	return r.store.List(ctx)
}
