package controller

import (
	"fmt"

	"github.com/softcane/maintenance-controller/internal/config"
	"github.com/softcane/maintenance-controller/internal/maintenance"
	"github.com/softcane/maintenance-controller/internal/snapshot"
)

// Verdict is the automatic maintenance decision for one pass.
type Verdict struct {
	ShouldBeInMaintenance bool
	Reason                maintenance.AutoTriggerReason

	// ExitEligible is set on a negative verdict when the offline count is low
	// enough for an auto-entered maintenance to end.
	ExitEligible bool

	// Check names the check that produced the verdict; Detail explains it.
	Check  string
	Detail string
}

// Evaluate maps thresholds and runtime state to a verdict. Checks run in
// priority order and the first match wins.
func Evaluate(cfg config.ClusterConfig, rs snapshot.RuntimeState) Verdict {
	// CHECK 1: too many instances unable to host an online replica
	if v := checkOfflineInstances(cfg, rs); v.ShouldBeInMaintenance {
		return v
	}

	// CHECK 2: a live instance hosts more partitions than allowed
	if v := checkPartitionCap(cfg, rs); v.ShouldBeInMaintenance {
		return v
	}

	v := Verdict{Check: "auto_exit"}
	switch {
	case !cfg.AutoExitEnabled():
		v.Detail = "auto-exit disabled"
	case rs.UnableToHostInstances <= cfg.NumOfflineInstancesForAutoExit:
		v.ExitEligible = true
		v.Detail = fmt.Sprintf("%d offline instances <= %d", rs.UnableToHostInstances, cfg.NumOfflineInstancesForAutoExit)
	default:
		v.Detail = fmt.Sprintf("%d offline instances > %d, holding maintenance", rs.UnableToHostInstances, cfg.NumOfflineInstancesForAutoExit)
	}
	return v
}

func checkOfflineInstances(cfg config.ClusterConfig, rs snapshot.RuntimeState) Verdict {
	if !cfg.OfflineCheckEnabled() || rs.UnableToHostInstances <= cfg.MaxOfflineInstancesAllowed {
		return Verdict{Check: "offline_instances"}
	}
	return Verdict{
		ShouldBeInMaintenance: true,
		Reason:                maintenance.ReasonMaxInstancesUnableToAcceptOnlineReplicas,
		Check:                 "offline_instances",
		Detail: fmt.Sprintf("%d instances unable to accept online replicas (limit: %d)",
			rs.UnableToHostInstances, cfg.MaxOfflineInstancesAllowed),
	}
}

func checkPartitionCap(cfg config.ClusterConfig, rs snapshot.RuntimeState) Verdict {
	if !cfg.PartitionCapEnabled() {
		return Verdict{Check: "partition_cap"}
	}
	instance, count := rs.MostLoaded()
	if count <= cfg.MaxPartitionsPerInstance {
		return Verdict{Check: "partition_cap"}
	}
	return Verdict{
		ShouldBeInMaintenance: true,
		Reason:                maintenance.ReasonMaxPartitionPerInstanceExceeded,
		Check:                 "partition_cap",
		Detail: fmt.Sprintf("instance %s hosts %d partitions (limit: %d)",
			instance, count, cfg.MaxPartitionsPerInstance),
	}
}
