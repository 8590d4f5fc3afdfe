// Package store persists the maintenance signal, its history and the operator
// command inbox. Every write is a compare-and-swap against the version the
// caller last read.
package store

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/softcane/maintenance-controller/internal/maintenance"
)

// Record is the signal as read from a store. A nil Signal means the cluster
// is not in maintenance.
type Record struct {
	Signal  *maintenance.Signal
	Version string
}

// Enabled reports whether the record puts the cluster in maintenance.
func (r Record) Enabled() bool {
	return r.Signal != nil
}

// SignalStore is the durable, versioned maintenance record of one cluster.
type SignalStore interface {
	// Get returns the current record. Absence is not an error.
	Get(ctx context.Context) (Record, error)

	// Put writes sig if the stored record still matches expected. An expected
	// record without a signal means the record must not exist yet.
	Put(ctx context.Context, sig *maintenance.Signal, expected Record) (Record, error)

	// Delete removes the record if it still matches expected.
	Delete(ctx context.Context, expected Record) error
}

// SignalWatcher is implemented by stores that can stream record changes.
type SignalWatcher interface {
	Watch(ctx context.Context) (<-chan Record, error)
}

// HistoryStore is the bounded, append-only audit log of one cluster.
type HistoryStore interface {
	Append(ctx context.Context, entry maintenance.HistoryEntry) error
	// List returns entries oldest first.
	List(ctx context.Context) ([]maintenance.HistoryEntry, error)
}

// CommandInbox carries operator commands from other processes to the
// controller. A command stays pending until the controller acknowledges it.
type CommandInbox interface {
	Submit(ctx context.Context, cmd maintenance.Command) error
	// Pending returns the commands not yet acknowledged, oldest first.
	Pending(ctx context.Context) ([]maintenance.Command, error)
	// Ack removes cmds from the inbox. Commands already gone are ignored.
	Ack(ctx context.Context, cmds []maintenance.Command) error
}

// WaitFor polls s until the record's maintenance state equals enabled.
func WaitFor(ctx context.Context, s SignalStore, enabled bool, interval time.Duration) (Record, error) {
	var last Record
	err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		rec, err := s.Get(ctx)
		if err != nil {
			// Transient read failures keep polling.
			return false, nil
		}
		last = rec
		return rec.Enabled() == enabled, nil
	})
	if err != nil {
		return last, fmt.Errorf("failed to observe maintenance=%t: %w", enabled, err)
	}
	return last, nil
}
