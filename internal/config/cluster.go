package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Keys of the cluster config record.
const (
	KeyMaxOfflineInstancesAllowed     = "maxOfflineInstancesAllowed"
	KeyNumOfflineInstancesForAutoExit = "numOfflineInstancesForAutoExit"
	KeyMaxPartitionsPerInstance       = "maxPartitionsPerInstance"

	// Disabled turns a threshold check off.
	Disabled = -1
)

// ErrMalformedClusterConfig is returned when a threshold is not an integer.
var ErrMalformedClusterConfig = errors.New("config: malformed cluster config")

// ClusterConfig holds the safety thresholds of a cluster. Unlike Config it is
// cluster data: it is re-read on every pass so operators can change it live.
type ClusterConfig struct {
	// MaxOfflineInstancesAllowed above which the cluster auto-enters maintenance. -1 disables.
	MaxOfflineInstancesAllowed int `json:"maxOfflineInstancesAllowed"`

	// NumOfflineInstancesForAutoExit is the offline count at or below which an
	// auto-entered maintenance may exit. -1 disables auto-exit.
	NumOfflineInstancesForAutoExit int `json:"numOfflineInstancesForAutoExit"`

	// MaxPartitionsPerInstance caps replicas hosted by one live instance. -1 disables.
	MaxPartitionsPerInstance int `json:"maxPartitionsPerInstance"`
}

// DefaultClusterConfig returns a config with every check disabled.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		MaxOfflineInstancesAllowed:     Disabled,
		NumOfflineInstancesForAutoExit: Disabled,
		MaxPartitionsPerInstance:       Disabled,
	}
}

// ParseClusterConfig builds a ClusterConfig from a flat string record.
// Missing keys fall back to Disabled; negative values are clamped to Disabled.
func ParseClusterConfig(data map[string]string) (ClusterConfig, error) {
	cfg := DefaultClusterConfig()

	fields := []struct {
		key string
		dst *int
	}{
		{KeyMaxOfflineInstancesAllowed, &cfg.MaxOfflineInstancesAllowed},
		{KeyNumOfflineInstancesForAutoExit, &cfg.NumOfflineInstancesForAutoExit},
		{KeyMaxPartitionsPerInstance, &cfg.MaxPartitionsPerInstance},
	}
	for _, f := range fields {
		raw, ok := data[f.key]
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return ClusterConfig{}, fmt.Errorf("%w: %s=%q", ErrMalformedClusterConfig, f.key, raw)
		}
		*f.dst = v
	}

	applyClusterClamps(&cfg)
	return cfg, nil
}

func applyClusterClamps(cfg *ClusterConfig) {
	if cfg.MaxOfflineInstancesAllowed < Disabled {
		cfg.MaxOfflineInstancesAllowed = Disabled
	}
	if cfg.NumOfflineInstancesForAutoExit < Disabled {
		cfg.NumOfflineInstancesForAutoExit = Disabled
	}
	if cfg.MaxPartitionsPerInstance < Disabled {
		cfg.MaxPartitionsPerInstance = Disabled
	}
}

// OfflineCheckEnabled reports whether the offline-instance check applies.
func (c ClusterConfig) OfflineCheckEnabled() bool {
	return c.MaxOfflineInstancesAllowed >= 0
}

// PartitionCapEnabled reports whether the per-instance partition cap applies.
func (c ClusterConfig) PartitionCapEnabled() bool {
	return c.MaxPartitionsPerInstance >= 0
}

// AutoExitEnabled reports whether auto-entered maintenance may exit on its own.
func (c ClusterConfig) AutoExitEnabled() bool {
	return c.NumOfflineInstancesForAutoExit >= 0
}

// Fields serializes the config back into its flat record form.
func (c ClusterConfig) Fields() map[string]string {
	return map[string]string{
		KeyMaxOfflineInstancesAllowed:     strconv.Itoa(c.MaxOfflineInstancesAllowed),
		KeyNumOfflineInstancesForAutoExit: strconv.Itoa(c.NumOfflineInstancesForAutoExit),
		KeyMaxPartitionsPerInstance:       strconv.Itoa(c.MaxPartitionsPerInstance),
	}
}
