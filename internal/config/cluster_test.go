package config

import (
	"errors"
	"testing"
)

func TestParseClusterConfig(t *testing.T) {
	tests := []struct {
		name string
		data map[string]string
		want ClusterConfig
	}{
		{
			name: "empty record disables every check",
			data: nil,
			want: DefaultClusterConfig(),
		},
		{
			name: "explicit thresholds",
			data: map[string]string{
				KeyMaxOfflineInstancesAllowed:     "2",
				KeyNumOfflineInstancesForAutoExit: "1",
				KeyMaxPartitionsPerInstance:       " 1 ",
			},
			want: ClusterConfig{MaxOfflineInstancesAllowed: 2, NumOfflineInstancesForAutoExit: 1, MaxPartitionsPerInstance: 1},
		},
		{
			name: "values below -1 are clamped",
			data: map[string]string{KeyMaxPartitionsPerInstance: "-7"},
			want: DefaultClusterConfig(),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseClusterConfig(tc.data)
			if err != nil {
				t.Fatalf("ParseClusterConfig: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestParseClusterConfig_Malformed(t *testing.T) {
	_, err := ParseClusterConfig(map[string]string{KeyMaxOfflineInstancesAllowed: "two"})
	if !errors.Is(err, ErrMalformedClusterConfig) {
		t.Fatalf("expected ErrMalformedClusterConfig, got %v", err)
	}
}

func TestClusterConfig_Switches(t *testing.T) {
	cfg := DefaultClusterConfig()
	if cfg.OfflineCheckEnabled() || cfg.PartitionCapEnabled() || cfg.AutoExitEnabled() {
		t.Errorf("defaults must disable all checks")
	}

	cfg = ClusterConfig{MaxOfflineInstancesAllowed: 0, NumOfflineInstancesForAutoExit: 0, MaxPartitionsPerInstance: 0}
	if !cfg.OfflineCheckEnabled() || !cfg.PartitionCapEnabled() || !cfg.AutoExitEnabled() {
		t.Errorf("zero thresholds are enabled checks")
	}

	back, err := ParseClusterConfig(cfg.Fields())
	if err != nil || back != cfg {
		t.Errorf("Fields round trip: %+v %v", back, err)
	}
}
