package rebalance

import (
	"sort"

	"github.com/softcane/maintenance-controller/internal/snapshot"
)

// PreserveTopState returns the placement a resource keeps during maintenance.
// Replicas on instances that are not live are dropped. A partition whose
// top-state holder was dropped promotes its first surviving replica, by
// instance name. Nothing is relocated and no replica is added.
func PreserveTopState(res snapshot.Resource, isLive func(instance string) bool) snapshot.PartitionStates {
	topState := res.TopState
	if topState == "" {
		topState = snapshot.DefaultTopState
	}

	out := make(snapshot.PartitionStates, len(res.CurrentState))
	for partition, replicas := range res.CurrentState {
		kept := make(map[string]string, len(replicas))
		hasTop := false
		for inst, state := range replicas {
			if !isLive(inst) {
				continue
			}
			kept[inst] = state
			if state == topState {
				hasTop = true
			}
		}

		if !hasTop && len(kept) > 0 {
			survivors := make([]string, 0, len(kept))
			for inst := range kept {
				survivors = append(survivors, inst)
			}
			sort.Strings(survivors)
			kept[survivors[0]] = topState
		}
		out[partition] = kept
	}
	return out
}
