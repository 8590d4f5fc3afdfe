// Package snapshot provides the per-pass view of a cluster: its thresholds,
// its instances and where every resource's replicas currently live.
package snapshot

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/softcane/maintenance-controller/internal/config"
)

// ErrMalformedSnapshot is returned when config or liveness data cannot be
// interpreted. The pass that hits it produces no verdict.
var ErrMalformedSnapshot = errors.New("snapshot: malformed cluster snapshot")

// Reader supplies a fresh snapshot on every pass.
type Reader interface {
	Read(ctx context.Context) (*Snapshot, error)
}

// ResourceKind selects the rebalance pipeline a resource belongs to.
type ResourceKind string

const (
	KindResource ResourceKind = "resource"
	KindTask     ResourceKind = "task"
)

// DefaultTopState is the top state assumed when a resource does not name one.
const DefaultTopState = "MASTER"

// Instance is one cluster member.
type Instance struct {
	Name string
	// Live is true when the instance is currently reachable.
	Live bool
	// Enabled is false when the instance is cordoned and cannot host an online replica.
	Enabled bool
}

// PartitionStates maps partition -> instance -> replica state.
type PartitionStates map[string]map[string]string

// Clone returns a deep copy.
func (p PartitionStates) Clone() PartitionStates {
	if p == nil {
		return nil
	}
	out := make(PartitionStates, len(p))
	for partition, replicas := range p {
		m := make(map[string]string, len(replicas))
		for inst, state := range replicas {
			m[inst] = state
		}
		out[partition] = m
	}
	return out
}

// Resource is a partitioned resource and its current placement.
type Resource struct {
	Name         string
	Kind         ResourceKind
	TopState     string
	CreatedAt    time.Time
	Partitions   int
	CurrentState PartitionStates
}

// Snapshot is everything one pass knows about the cluster.
type Snapshot struct {
	Config    config.ClusterConfig
	Instances []Instance
	Resources []Resource
	TakenAt   time.Time
}

// RuntimeState is derived from a snapshot once per pass.
type RuntimeState struct {
	// OfflineInstances counts instances that are not live.
	OfflineInstances int

	// UnableToHostInstances counts instances structurally unable to host an
	// online replica: offline ones plus live but disabled ones.
	UnableToHostInstances int

	// PartitionsPerInstance counts replicas, across resources, hosted by each live instance.
	PartitionsPerInstance map[string]int
}

// LiveInstances returns the sorted names of live instances.
func (s *Snapshot) LiveInstances() []string {
	var out []string
	for _, inst := range s.Instances {
		if inst.Live {
			out = append(out, inst.Name)
		}
	}
	sort.Strings(out)
	return out
}

// IsLive reports whether the named instance is live.
func (s *Snapshot) IsLive(name string) bool {
	for _, inst := range s.Instances {
		if inst.Name == name {
			return inst.Live
		}
	}
	return false
}

// Resource returns the named resource.
func (s *Snapshot) Resource(name string) (Resource, bool) {
	for _, r := range s.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// RuntimeState derives offline counts and per-instance partition counts.
func (s *Snapshot) RuntimeState() RuntimeState {
	rs := RuntimeState{PartitionsPerInstance: make(map[string]int)}

	live := make(map[string]bool, len(s.Instances))
	for _, inst := range s.Instances {
		switch {
		case !inst.Live:
			rs.OfflineInstances++
			rs.UnableToHostInstances++
		case !inst.Enabled:
			rs.UnableToHostInstances++
		}
		if inst.Live {
			live[inst.Name] = true
			rs.PartitionsPerInstance[inst.Name] = 0
		}
	}

	for _, res := range s.Resources {
		for _, replicas := range res.CurrentState {
			for inst := range replicas {
				if live[inst] {
					rs.PartitionsPerInstance[inst]++
				}
			}
		}
	}
	return rs
}

// MostLoaded returns the live instance hosting the most partitions.
// Ties are broken by name so the result is stable.
func (r RuntimeState) MostLoaded() (string, int) {
	names := make([]string, 0, len(r.PartitionsPerInstance))
	for name := range r.PartitionsPerInstance {
		names = append(names, name)
	}
	sort.Strings(names)

	best, max := "", -1
	for _, name := range names {
		if n := r.PartitionsPerInstance[name]; n > max {
			best, max = name, n
		}
	}
	if max < 0 {
		return "", 0
	}
	return best, max
}
