package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// DefaultLivenessQuery reports 1 for every reachable instance.
const DefaultLivenessQuery = `up{job="cluster-instance"}`

// Client queries Prometheus for instance liveness.
type Client struct {
	api     v1.API
	logger  *slog.Logger
	query   string
	timeout time.Duration
}

// ClientConfig holds configuration for the liveness client.
type ClientConfig struct {
	PrometheusURL string
	LivenessQuery string
	Timeout       time.Duration
	Logger        *slog.Logger
	// API is an optional Prometheus API client. If nil, one will be created from PrometheusURL.
	// Useful for testing.
	API v1.API
}

// NewClient creates a new Prometheus liveness client.
func NewClient(cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var v1api v1.API
	if cfg.API != nil {
		v1api = cfg.API
	} else {
		if cfg.PrometheusURL == "" {
			return nil, fmt.Errorf("PrometheusURL is required")
		}

		client, err := api.NewClient(api.Config{
			Address: cfg.PrometheusURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus client: %w", err)
		}
		v1api = v1.NewAPI(client)
	}

	query := cfg.LivenessQuery
	if query == "" {
		query = DefaultLivenessQuery
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		api:     v1api,
		logger:  logger,
		query:   query,
		timeout: timeout,
	}, nil
}

// GetInstanceLiveness runs the liveness query and reports every instance with
// a positive sample as live. Instances missing from the result are not live.
func (c *Client) GetInstanceLiveness(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, warnings, err := c.api.Query(ctx, c.query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query instance liveness: %w", err)
	}
	if len(warnings) > 0 {
		c.logger.Warn("prometheus query warnings", "warnings", warnings)
	}

	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected prometheus result type %s", result.Type())
	}

	live := make(map[string]bool, len(vector))
	for name, value := range extractInstanceValues(vector) {
		live[name] = value > 0
	}
	c.logger.Debug("fetched instance liveness", "instances", len(live))
	return live, nil
}

// extractInstanceValues keys samples by their node label, falling back to instance.
func extractInstanceValues(vector model.Vector) map[string]float64 {
	values := make(map[string]float64)
	for _, sample := range vector {
		name := string(sample.Metric["node"])
		if name == "" {
			name = string(sample.Metric["instance"])
		}
		if name == "" {
			continue
		}
		// Any live sample wins over a stale one for the same instance.
		if v, seen := values[name]; !seen || float64(sample.Value) > v {
			values[name] = float64(sample.Value)
		}
	}
	return values
}
