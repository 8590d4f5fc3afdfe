// Package controller implements the maintenance-mode reconciliation loop.
// Each pass evaluates the cluster snapshot, merges the verdict with at most
// one operator command and commits the result to the signal store.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/softcane/maintenance-controller/internal/maintenance"
	"github.com/softcane/maintenance-controller/internal/metrics"
	"github.com/softcane/maintenance-controller/internal/snapshot"
	"github.com/softcane/maintenance-controller/internal/store"
)

const (
	defaultCommandQueueSize = 64
	maxConflictRetries      = 3
)

// Controller is the maintenance state machine of one cluster. Passes never
// overlap.
type Controller struct {
	mu       sync.Mutex
	cluster  string
	snap     snapshot.Reader
	signals  store.SignalStore
	recorder *HistoryRecorder
	inbox    store.CommandInbox
	logger   *slog.Logger
	now      func() time.Time

	reconcileInterval time.Duration

	queueMu   sync.Mutex
	queue     []maintenance.Command
	queueSize int

	// unacked holds applied inbox commands whose acknowledgement failed.
	unacked []maintenance.Command

	afterPass func(ctx context.Context, snap *snapshot.Snapshot)

	notifier  *notifier
	triggerCh chan struct{}

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
}

// Config holds controller configuration.
type Config struct {
	Cluster  string
	Snapshot snapshot.Reader
	Signals  store.SignalStore
	History  store.HistoryStore
	// Inbox is optional; without it commands only arrive through Submit.
	Inbox  store.CommandInbox
	Logger *slog.Logger

	ReconcileInterval time.Duration
	CommandQueueSize  int

	// Now overrides the clock used for history timestamps.
	Now func() time.Time

	// AfterPass, when set, runs after every committed pass with the snapshot
	// the pass evaluated. It is skipped when no snapshot could be read.
	AfterPass func(ctx context.Context, snap *snapshot.Snapshot)
}

// New creates a new Controller instance.
func New(cfg Config) (*Controller, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Cluster == "" {
		return nil, fmt.Errorf("cluster name is required")
	}
	if cfg.Snapshot == nil {
		return nil, fmt.Errorf("snapshot reader is required")
	}
	if cfg.Signals == nil {
		return nil, fmt.Errorf("signal store is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if cfg.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("reconcileInterval must be positive")
	}

	queueSize := cfg.CommandQueueSize
	if queueSize <= 0 {
		queueSize = defaultCommandQueueSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger = logger.With("cluster", cfg.Cluster)
	return &Controller{
		cluster:           cfg.Cluster,
		snap:              cfg.Snapshot,
		signals:           cfg.Signals,
		recorder:          NewHistoryRecorder(cfg.History, cfg.Cluster, logger),
		inbox:             cfg.Inbox,
		logger:            logger,
		now:               now,
		reconcileInterval: cfg.ReconcileInterval,
		queueSize:         queueSize,
		notifier:          newNotifier(logger),
		triggerCh:         make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
		afterPass:         cfg.AfterPass,
	}, nil
}

// Start runs an initial pass and then one pass per interval or per Trigger
// until ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	stopCh := c.stopCh
	c.runMu.Unlock()

	c.logger.Info("controller starting", "reconcile_interval", c.reconcileInterval)

	ticker := time.NewTicker(c.reconcileInterval)
	defer ticker.Stop()

	if err := c.Reconcile(ctx); err != nil {
		c.logger.Error("initial reconciliation failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller stopped by context")
			return ctx.Err()
		case <-stopCh:
			c.logger.Info("controller stopped")
			return nil
		case <-ticker.C:
		case <-c.triggerCh:
		}
		if err := c.Reconcile(ctx); err != nil {
			c.logger.Error("reconciliation failed", "error", err)
		}
	}
}

// Stop stops the controller.
func (c *Controller) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		close(c.stopCh)
		c.stopCh = make(chan struct{})
		c.running = false
	}
}

// Trigger requests a pass as soon as possible. Requests made while one is
// already pending are coalesced.
func (c *Controller) Trigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// Subscribe returns a channel receiving every committed state change and a
// function that cancels the subscription.
func (c *Controller) Subscribe(buffer int) (<-chan StateChange, func()) {
	return c.notifier.subscribe(buffer)
}

// Submit queues an operator command for the next pass.
func (c *Controller) Submit(cmd maintenance.Command) {
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = c.now()
	}
	c.enqueue(cmd)
	c.Trigger()
}

// EnableMaintenanceMode queues an operator request to enter (on) or leave
// maintenance.
func (c *Controller) EnableMaintenanceMode(on bool, reason string) {
	c.ManuallyEnableMaintenanceMode(on, reason, nil)
}

// ManuallyEnableMaintenanceMode is EnableMaintenanceMode with operator
// supplied fields. Fields are ignored when leaving maintenance.
func (c *Controller) ManuallyEnableMaintenanceMode(on bool, reason string, customFields map[string]string) {
	if on {
		c.Submit(maintenance.EnableCommand(reason, customFields))
		return
	}
	c.Submit(maintenance.DisableCommand(reason))
}

// IsInMaintenanceMode reads the stored signal.
func (c *Controller) IsInMaintenanceMode(ctx context.Context) (bool, error) {
	rec, err := c.signals.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read maintenance signal: %w", err)
	}
	return rec.Enabled(), nil
}

// Status reads the stored signal and describes it.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	rec, err := c.signals.Get(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read maintenance signal: %w", err)
	}
	return NewStatus(c.cluster, rec), nil
}

// History returns the recorded transitions oldest first.
func (c *Controller) History(ctx context.Context) ([]maintenance.HistoryEntry, error) {
	return c.recorder.History(ctx)
}

// Reconcile runs a single pass. Errors are reported to the caller but never
// leave the controller in a state a later pass cannot repair.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.ReconcileLoopDuration.WithLabelValues(c.cluster).Observe(time.Since(start).Seconds())
	}()

	// Step 1: Pick the latest operator command
	batch := c.nextCommand(ctx)
	cmd := batch.latest

	// Step 2: Evaluate the snapshot. A missing verdict still lets commands through.
	verdict, snap := c.evaluate(ctx)

	// Step 3: Decide and commit, re-reading the record on conflict
	var (
		rec      store.Record
		d        Decision
		previous maintenance.State
		err      error
	)
	for attempt := 0; ; attempt++ {
		rec, err = c.signals.Get(ctx)
		if err != nil {
			metrics.PassErrors.WithLabelValues(c.cluster, "signal_read").Inc()
			c.requeue(batch)
			return fmt.Errorf("failed to read maintenance signal: %w", err)
		}
		previous = rec.Signal.State()

		d = Decide(rec.Signal, verdict, cmd, c.now())
		if !d.Write {
			break
		}

		var written store.Record
		written, err = c.commit(ctx, rec, d.Next)
		if err == nil {
			rec = written
			break
		}
		if errors.Is(err, store.ErrConflict) && attempt < maxConflictRetries {
			c.logger.Info("maintenance signal changed concurrently, retrying", "attempt", attempt+1)
			continue
		}
		metrics.PassErrors.WithLabelValues(c.cluster, "signal_write").Inc()
		c.requeue(batch)
		return fmt.Errorf("failed to write maintenance signal: %w", err)
	}

	if cmd != nil {
		metrics.CommandsApplied.WithLabelValues(c.cluster, d.CommandOutcome).Inc()
		c.logger.Info("applied operator command",
			"outcome", d.CommandOutcome,
			"enable", cmd.Enable,
			"reason", cmd.Reason,
		)
	}
	c.settle(ctx, batch)

	// Step 4: Record the transition
	entry := d.Entry
	if entry != nil && !c.recorder.Append(ctx, *entry) {
		entry = nil
	}

	current := d.Next.State()
	metrics.RecordState(c.cluster, current)

	if d.Write || d.Entry != nil {
		change := StateChange{
			Previous: previous,
			Current:  current,
			Signal:   rec.Signal.Clone(),
			Entry:    entry,
			At:       c.now(),
		}
		c.notifier.publish(change)
		if previous != current {
			c.logger.Info("maintenance state changed", "from", previous, "to", current)
		}
	}

	if c.afterPass != nil && snap != nil {
		c.afterPass(ctx, snap)
	}
	return nil
}

func (c *Controller) commit(ctx context.Context, rec store.Record, next *maintenance.Signal) (store.Record, error) {
	if next == nil {
		err := c.signals.Delete(ctx, rec)
		if errors.Is(err, store.ErrNotFound) {
			err = nil
		}
		return store.Record{}, err
	}
	return c.signals.Put(ctx, next, rec)
}

func (c *Controller) evaluate(ctx context.Context) (*Verdict, *snapshot.Snapshot) {
	snap, err := c.snap.Read(ctx)
	if err != nil {
		metrics.PassErrors.WithLabelValues(c.cluster, "snapshot").Inc()
		c.logger.Warn("failed to read cluster snapshot, skipping automatic evaluation", "error", err)
		return nil, nil
	}

	rs := snap.RuntimeState()
	metrics.InstancesOffline.WithLabelValues(c.cluster).Set(float64(rs.OfflineInstances))

	v := Evaluate(snap.Config, rs)
	reason := "none"
	if v.ShouldBeInMaintenance {
		reason = string(v.Reason)
	}
	metrics.AutoVerdicts.WithLabelValues(c.cluster, reason).Inc()
	c.logger.Debug("automatic verdict",
		"should_be_in_maintenance", v.ShouldBeInMaintenance,
		"reason", v.Reason,
		"exit_eligible", v.ExitEligible,
		"check", v.Check,
		"detail", v.Detail,
	)
	return &v, snap
}

// commandBatch is what one pass took from the queue and the inbox.
type commandBatch struct {
	latest     *maintenance.Command
	superseded []maintenance.Command

	// local came from Submit and is lost unless requeued.
	local []maintenance.Command
	// inbox was read from the inbox and is acknowledged once the pass commits.
	inbox []maintenance.Command
}

// nextCommand merges the queue with the pending inbox and picks the most
// recently submitted command. Older ones are superseded.
func (c *Controller) nextCommand(ctx context.Context) commandBatch {
	var b commandBatch

	c.queueMu.Lock()
	b.local = c.queue
	c.queue = nil
	c.queueMu.Unlock()

	candidates := append([]maintenance.Command(nil), b.local...)
	if c.inbox != nil {
		pending, err := c.inbox.Pending(ctx)
		if err != nil {
			metrics.PassErrors.WithLabelValues(c.cluster, "commands").Inc()
			c.logger.Warn("failed to read command inbox", "error", err)
		}
		for _, cmd := range pending {
			b.inbox = append(b.inbox, cmd)
			if maintenance.ContainsCommand(c.unacked, cmd) {
				continue
			}
			candidates = append(candidates, cmd)
		}
	}

	if len(candidates) == 0 {
		return b
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].SubmittedAt.Before(candidates[j].SubmittedAt)
	})
	latest := candidates[len(candidates)-1]
	b.latest = &latest
	b.superseded = candidates[:len(candidates)-1]
	return b
}

// settle finishes the commands of a committed pass: superseded ones are
// reported and everything read from the inbox is acknowledged.
func (c *Controller) settle(ctx context.Context, b commandBatch) {
	for _, old := range b.superseded {
		metrics.CommandsApplied.WithLabelValues(c.cluster, OutcomeSuperseded).Inc()
		c.logger.Info("operator command superseded",
			"enable", old.Enable,
			"reason", old.Reason,
			"submitted_at", old.SubmittedAt,
		)
	}

	if c.inbox == nil {
		return
	}
	ack := b.inbox
	for _, cmd := range c.unacked {
		if !maintenance.ContainsCommand(ack, cmd) {
			ack = append(ack, cmd)
		}
	}
	if len(ack) == 0 {
		return
	}
	if err := c.inbox.Ack(ctx, ack); err != nil {
		metrics.PassErrors.WithLabelValues(c.cluster, "commands").Inc()
		c.logger.Warn("failed to acknowledge applied commands, will retry", "error", err, "commands", len(ack))
		c.unacked = ack
		return
	}
	c.unacked = nil
}

func (c *Controller) enqueue(cmd maintenance.Command) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if len(c.queue) >= c.queueSize {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		c.logger.Warn("command queue full, dropping oldest command",
			"enable", dropped.Enable,
			"submitted_at", dropped.SubmittedAt,
		)
	}
	c.queue = append(c.queue, cmd)
}

// requeue returns the local commands of a failed pass to the queue. Inbox
// commands stay pending in the inbox.
func (c *Controller) requeue(b commandBatch) {
	for _, cmd := range b.local {
		c.enqueue(cmd)
	}
}
