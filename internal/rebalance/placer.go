package rebalance

import (
	"errors"
	"fmt"
	"sort"

	"github.com/softcane/maintenance-controller/internal/snapshot"
)

// ErrNoLiveInstances is returned when a resource has nowhere to go.
var ErrNoLiveInstances = errors.New("no live instances")

// SecondaryState is the state given to non top-state replicas.
const SecondaryState = "SLAVE"

// SpreadPlacer assigns replicas round-robin over the live instances. The
// first replica of each partition holds the top state.
type SpreadPlacer struct {
	// Replicas per partition. Zero keeps the widest partition of the current
	// placement, or one replica for an unplaced resource.
	Replicas int
}

// Place implements Placer.
func (p SpreadPlacer) Place(res snapshot.Resource, liveInstances []string) (snapshot.PartitionStates, error) {
	if len(liveInstances) == 0 {
		return nil, ErrNoLiveInstances
	}
	topState := res.TopState
	if topState == "" {
		topState = snapshot.DefaultTopState
	}

	replicas := p.Replicas
	if replicas <= 0 {
		replicas = 1
		for _, current := range res.CurrentState {
			replicas = max(replicas, len(current))
		}
	}
	replicas = min(replicas, len(liveInstances))

	out := make(snapshot.PartitionStates)
	for i, partition := range partitionNames(res) {
		m := make(map[string]string, replicas)
		for r := 0; r < replicas; r++ {
			inst := liveInstances[(i+r)%len(liveInstances)]
			if r == 0 {
				m[inst] = topState
			} else {
				m[inst] = SecondaryState
			}
		}
		out[partition] = m
	}
	return out, nil
}

func partitionNames(res snapshot.Resource) []string {
	if res.Partitions > 0 {
		names := make([]string, res.Partitions)
		for i := range names {
			names[i] = fmt.Sprintf("%s_%d", res.Name, i)
		}
		return names
	}
	names := make([]string, 0, len(res.CurrentState))
	for partition := range res.CurrentState {
		names = append(names, partition)
	}
	sort.Strings(names)
	return names
}
