package rebalance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/softcane/maintenance-controller/internal/snapshot"
)

// ErrPartitionCapExceeded is returned for a resource whose placement would
// push a live instance over maxPartitionsPerInstance.
var ErrPartitionCapExceeded = errors.New("partition cap exceeded")

// Placer computes a full placement for a resource over the live instances.
type Placer interface {
	Place(res snapshot.Resource, liveInstances []string) (snapshot.PartitionStates, error)
}

// Result is the outcome of one resource in a pass. A nil Placement means the
// resource produces no output and stays as it is.
type Result struct {
	Resource  string
	Kind      snapshot.ResourceKind
	Admission Admission
	Placement snapshot.PartitionStates
	Err       error
}

// Pipeline drives a Placer through the Gate for every resource in a snapshot.
type Pipeline struct {
	gate    *Gate
	placer  Placer
	logger  *slog.Logger
	cluster string
}

// NewPipeline creates a pipeline.
func NewPipeline(gate *Gate, placer Placer, cluster string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{gate: gate, placer: placer, logger: logger, cluster: cluster}
}

// Run computes the output of one pass. The maintenance record is read once
// and applies to every resource of the pass.
func (p *Pipeline) Run(ctx context.Context, snap *snapshot.Snapshot) ([]Result, error) {
	rec, err := p.gate.record(ctx)
	if err != nil {
		return nil, err
	}

	live := snap.LiveInstances()
	load := make(map[string]int, len(live))
	results := make([]Result, 0, len(snap.Resources))

	for _, res := range snap.Resources {
		r := Result{Resource: res.Name, Kind: res.Kind, Admission: p.gate.Admit(rec, res)}

		switch r.Admission {
		case AdmitDefer:
			results = append(results, r)
			continue
		case AdmitPreserveTopState:
			r.Placement = PreserveTopState(res, snap.IsLive)
		default:
			placement, err := p.placer.Place(res, live)
			if err != nil {
				r.Err = fmt.Errorf("failed to place %s: %w", res.Name, err)
				p.logger.Warn("placement failed", "cluster", p.cluster, "resource", res.Name, "error", err)
				results = append(results, r)
				continue
			}
			r.Placement = placement
		}

		if instance, count, over := exceedsCap(snap, load, r.Placement); over {
			p.gate.RecordFailure(res.Kind)
			p.logger.Warn("rebalance failed on partition cap",
				"cluster", p.cluster,
				"resource", res.Name,
				"kind", res.Kind,
				"instance", instance,
				"partitions", count,
				"limit", snap.Config.MaxPartitionsPerInstance,
			)
			r.Err = fmt.Errorf("%w: %s would host %d partitions (limit: %d)",
				ErrPartitionCapExceeded, instance, count, snap.Config.MaxPartitionsPerInstance)
			r.Placement = nil
			results = append(results, r)
			continue
		}
		addLoad(load, r.Placement)
		results = append(results, r)
	}
	return results, nil
}

// exceedsCap reports the first instance, by name, pushed over the cap when
// placement is added to load.
func exceedsCap(snap *snapshot.Snapshot, load map[string]int, placement snapshot.PartitionStates) (string, int, bool) {
	if !snap.Config.PartitionCapEnabled() {
		return "", 0, false
	}
	next := make(map[string]int, len(load))
	for inst, n := range load {
		next[inst] = n
	}
	addLoad(next, placement)

	for _, inst := range snap.LiveInstances() {
		if next[inst] > snap.Config.MaxPartitionsPerInstance {
			return inst, next[inst], true
		}
	}
	return "", 0, false
}

func addLoad(load map[string]int, placement snapshot.PartitionStates) {
	for _, replicas := range placement {
		for inst := range replicas {
			load[inst]++
		}
	}
}
