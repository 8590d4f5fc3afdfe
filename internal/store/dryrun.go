package store

import (
	"context"
	"log/slog"

	"github.com/softcane/maintenance-controller/internal/maintenance"
)

// DryRunSignalStore reads from the wrapped store but only logs writes.
type DryRunSignalStore struct {
	inner  SignalStore
	logger *slog.Logger
}

// NewDryRunSignalStore wraps inner so that no record is ever written.
func NewDryRunSignalStore(inner SignalStore, logger *slog.Logger) *DryRunSignalStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunSignalStore{inner: inner, logger: logger}
}

// Get implements SignalStore.
func (d *DryRunSignalStore) Get(ctx context.Context) (Record, error) {
	return d.inner.Get(ctx)
}

// Put implements SignalStore.
func (d *DryRunSignalStore) Put(ctx context.Context, sig *maintenance.Signal, expected Record) (Record, error) {
	d.logger.Info("dry-run: simulating signal write",
		"triggered_by", sig.TriggeredBy,
		"auto_trigger_reason", sig.AutoTriggerReason,
		"reason", sig.Reason,
		"action", "would_write_signal",
	)
	return Record{Signal: sig.Clone(), Version: expected.Version}, nil
}

// Delete implements SignalStore.
func (d *DryRunSignalStore) Delete(ctx context.Context, expected Record) error {
	d.logger.Info("dry-run: simulating signal delete",
		"version", expected.Version,
		"action", "would_delete_signal",
	)
	return nil
}

// Watch delegates to the wrapped store when it supports watching.
func (d *DryRunSignalStore) Watch(ctx context.Context) (<-chan Record, error) {
	if w, ok := d.inner.(SignalWatcher); ok {
		return w.Watch(ctx)
	}
	ch := make(chan Record)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// DryRunHistoryStore lists from the wrapped store but only logs appends.
type DryRunHistoryStore struct {
	inner  HistoryStore
	logger *slog.Logger
}

// NewDryRunHistoryStore wraps inner so that no entry is ever appended.
func NewDryRunHistoryStore(inner HistoryStore, logger *slog.Logger) *DryRunHistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunHistoryStore{inner: inner, logger: logger}
}

// Append implements HistoryStore.
func (d *DryRunHistoryStore) Append(ctx context.Context, entry maintenance.HistoryEntry) error {
	d.logger.Info("dry-run: simulating history append",
		"operation_type", entry.OperationType,
		"triggered_by", entry.TriggeredBy,
		"auto_trigger_reason", entry.AutoTriggerReason,
		"action", "would_append_history",
	)
	return nil
}

// List implements HistoryStore.
func (d *DryRunHistoryStore) List(ctx context.Context) ([]maintenance.HistoryEntry, error) {
	return d.inner.List(ctx)
}

var (
	_ SignalStore   = (*DryRunSignalStore)(nil)
	_ SignalWatcher = (*DryRunSignalStore)(nil)
	_ HistoryStore  = (*DryRunHistoryStore)(nil)
)
