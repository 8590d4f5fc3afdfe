// Package config provides configuration loading for the maintenance controller.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// LivenessNodes derives instance liveness from the Node Ready condition.
	LivenessNodes = "nodes"
	// LivenessPrometheus derives instance liveness from a Prometheus query.
	LivenessPrometheus = "prometheus"

	// BackendKubernetes keeps the signal and history in ConfigMaps.
	BackendKubernetes = "kubernetes"
	// BackendEtcd keeps the signal and history in etcd keys.
	BackendEtcd = "etcd"

	defaultResourceSelector = "maintenance.softcane.io/resource=true"
)

// Config holds the process configuration of the controller.
type Config struct {
	Cluster    ClusterIdentity  `yaml:"cluster"`
	Controller ControllerConfig `yaml:"controller"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Store      StoreConfig      `yaml:"store"`
	Server     ServerConfig     `yaml:"server"`
}

// ClusterIdentity names the managed cluster and where its records live.
type ClusterIdentity struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`
}

// ControllerConfig configures the decision loop.
type ControllerConfig struct {
	ReconcileIntervalSeconds int `yaml:"reconcileIntervalSeconds"`

	// HistoryCapacity bounds the audit log; the oldest entries are evicted first.
	HistoryCapacity int `yaml:"historyCapacity"`

	// CommandQueueSize bounds operator commands waiting for the next pass.
	CommandQueueSize int `yaml:"commandQueueSize"`
}

// SnapshotConfig configures where instance and placement facts are read from.
type SnapshotConfig struct {
	// NodeSelector selects the Nodes that are cluster instances. Empty selects all.
	NodeSelector string `yaml:"nodeSelector"`

	// ResourceSelector selects ConfigMaps carrying resource placements.
	ResourceSelector string `yaml:"resourceSelector"`

	// Liveness is "nodes" (default) or "prometheus".
	Liveness string `yaml:"liveness"`
}

// PrometheusConfig configures the optional Prometheus liveness source.
type PrometheusConfig struct {
	URL            string `yaml:"url"`
	LivenessQuery  string `yaml:"livenessQuery"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// StoreConfig selects the signal/history backend.
type StoreConfig struct {
	Backend       string   `yaml:"backend"`
	EtcdEndpoints []string `yaml:"etcdEndpoints"`
	EtcdPrefix    string   `yaml:"etcdPrefix"`
}

// ServerConfig configures the metrics and status HTTP server.
type ServerConfig struct {
	ListenAddress string `yaml:"listenAddress"`
}

// Load reads configuration from a YAML file.
// Returns an error if file is missing or invalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks required fields and applies defaults for optional ones.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Cluster.Name) == "" {
		return fmt.Errorf("cluster.name is required")
	}
	if c.Cluster.Namespace == "" {
		c.Cluster.Namespace = "default"
	}

	if c.Controller.ReconcileIntervalSeconds == 0 {
		c.Controller.ReconcileIntervalSeconds = 30
	}
	if c.Controller.ReconcileIntervalSeconds < 1 {
		return fmt.Errorf("controller.reconcileIntervalSeconds must be >= 1")
	}
	if c.Controller.HistoryCapacity == 0 {
		c.Controller.HistoryCapacity = 200
	}
	if c.Controller.HistoryCapacity < 0 {
		return fmt.Errorf("controller.historyCapacity must be positive")
	}
	if c.Controller.CommandQueueSize <= 0 {
		c.Controller.CommandQueueSize = 64
	}

	if c.Snapshot.ResourceSelector == "" {
		c.Snapshot.ResourceSelector = defaultResourceSelector
	}
	switch strings.ToLower(strings.TrimSpace(c.Snapshot.Liveness)) {
	case "", LivenessNodes:
		c.Snapshot.Liveness = LivenessNodes
	case LivenessPrometheus:
		c.Snapshot.Liveness = LivenessPrometheus
		if c.Prometheus.URL == "" {
			return fmt.Errorf("prometheus.url is required when snapshot.liveness is prometheus")
		}
		if c.Prometheus.LivenessQuery == "" {
			c.Prometheus.LivenessQuery = `up{job="cluster-instance"}`
		}
	default:
		return fmt.Errorf("snapshot.liveness must be %q or %q", LivenessNodes, LivenessPrometheus)
	}
	if c.Prometheus.TimeoutSeconds <= 0 {
		c.Prometheus.TimeoutSeconds = 10
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Backend)) {
	case "", BackendKubernetes:
		c.Store.Backend = BackendKubernetes
	case BackendEtcd:
		c.Store.Backend = BackendEtcd
		if len(c.Store.EtcdEndpoints) == 0 {
			return fmt.Errorf("store.etcdEndpoints cannot be empty for the etcd backend")
		}
		if c.Store.EtcdPrefix == "" {
			c.Store.EtcdPrefix = "/maintenance-controller"
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q", BackendKubernetes, BackendEtcd)
	}

	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}

	return nil
}

// ReconcileInterval returns the reconcile interval as a duration.
func (c *ControllerConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// Timeout returns the Prometheus timeout as a duration.
func (c *PrometheusConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
