package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/maintenance-controller/internal/config"
)

// Annotation and data keys of resource placement ConfigMaps.
const (
	AnnotationKind     = "maintenance.softcane.io/kind"
	AnnotationTopState = "maintenance.softcane.io/top-state"

	DataCurrentState  = "currentState"
	DataNumPartitions = "numPartitions"
)

// ConfigName is the ConfigMap holding the thresholds of a cluster.
func ConfigName(cluster string) string {
	return cluster + "-config"
}

// LivenessProvider reports which instances are reachable. When set on a
// KubeReader it replaces the Node Ready condition.
type LivenessProvider interface {
	GetInstanceLiveness(ctx context.Context) (map[string]bool, error)
}

// KubeReader builds snapshots from Nodes and ConfigMaps.
type KubeReader struct {
	client    kubernetes.Interface
	logger    *slog.Logger
	cluster   string
	namespace string

	nodeSelector     string
	resourceSelector string
	liveness         LivenessProvider

	now func() time.Time
}

// KubeReaderConfig configures a KubeReader.
type KubeReaderConfig struct {
	Client           kubernetes.Interface
	Logger           *slog.Logger
	Cluster          string
	Namespace        string
	NodeSelector     string
	ResourceSelector string
}

// NewKubeReader creates a snapshot reader backed by the Kubernetes API.
func NewKubeReader(cfg KubeReaderConfig) *KubeReader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KubeReader{
		client:           cfg.Client,
		logger:           logger,
		cluster:          cfg.Cluster,
		namespace:        cfg.Namespace,
		nodeSelector:     cfg.NodeSelector,
		resourceSelector: cfg.ResourceSelector,
		now:              time.Now,
	}
}

// SetLivenessProvider overrides Node Ready based liveness.
func (r *KubeReader) SetLivenessProvider(p LivenessProvider) {
	r.liveness = p
}

// Read assembles a snapshot. Config and liveness failures are returned as
// errors; a single unparseable resource is skipped with a warning.
func (r *KubeReader) Read(ctx context.Context) (*Snapshot, error) {
	r.logger.Debug("reading cluster snapshot", "cluster", r.cluster)

	clusterCfg, err := r.readClusterConfig(ctx)
	if err != nil {
		return nil, err
	}

	instances, err := r.readInstances(ctx)
	if err != nil {
		return nil, err
	}

	resources, err := r.readResources(ctx)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Config:    clusterCfg,
		Instances: instances,
		Resources: resources,
		TakenAt:   r.now(),
	}, nil
}

func (r *KubeReader) readClusterConfig(ctx context.Context) (config.ClusterConfig, error) {
	cm, err := r.client.CoreV1().ConfigMaps(r.namespace).Get(ctx, ConfigName(r.cluster), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return config.DefaultClusterConfig(), nil
	}
	if err != nil {
		return config.ClusterConfig{}, fmt.Errorf("failed to read cluster config: %w", err)
	}

	cfg, err := config.ParseClusterConfig(cm.Data)
	if err != nil {
		return config.ClusterConfig{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return cfg, nil
}

func (r *KubeReader) readInstances(ctx context.Context) ([]Instance, error) {
	nodes, err := r.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: r.nodeSelector})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	var live map[string]bool
	if r.liveness != nil {
		live, err = r.liveness.GetInstanceLiveness(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: liveness: %v", ErrMalformedSnapshot, err)
		}
	}

	instances := make([]Instance, 0, len(nodes.Items))
	for i := range nodes.Items {
		node := &nodes.Items[i]
		inst := Instance{
			Name:    node.Name,
			Enabled: !node.Spec.Unschedulable,
		}
		if live != nil {
			inst.Live = live[node.Name]
		} else {
			inst.Live = IsNodeReady(node)
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances, nil
}

func (r *KubeReader) readResources(ctx context.Context) ([]Resource, error) {
	cms, err := r.client.CoreV1().ConfigMaps(r.namespace).List(ctx, metav1.ListOptions{LabelSelector: r.resourceSelector})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	resources := make([]Resource, 0, len(cms.Items))
	for i := range cms.Items {
		res, err := ResourceFromConfigMap(&cms.Items[i])
		if err != nil {
			r.logger.Warn("skipping unreadable resource", "resource", cms.Items[i].Name, "error", err)
			continue
		}
		resources = append(resources, res)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].Name < resources[j].Name })
	return resources, nil
}

// ResourceFromConfigMap parses a resource placement ConfigMap.
func ResourceFromConfigMap(cm *corev1.ConfigMap) (Resource, error) {
	res := Resource{
		Name:      cm.Name,
		Kind:      KindResource,
		TopState:  DefaultTopState,
		CreatedAt: cm.CreationTimestamp.Time,
	}

	switch kind := strings.ToLower(strings.TrimSpace(cm.Annotations[AnnotationKind])); kind {
	case "", string(KindResource):
	case string(KindTask):
		res.Kind = KindTask
	default:
		return Resource{}, fmt.Errorf("unknown resource kind %q", kind)
	}
	if ts := strings.TrimSpace(cm.Annotations[AnnotationTopState]); ts != "" {
		res.TopState = ts
	}

	if raw := cm.Data[DataCurrentState]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &res.CurrentState); err != nil {
			return Resource{}, fmt.Errorf("failed to decode %s: %w", DataCurrentState, err)
		}
	}
	res.Partitions = len(res.CurrentState)
	if raw := strings.TrimSpace(cm.Data[DataNumPartitions]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Resource{}, errors.New("numPartitions must be a non-negative integer")
		}
		if n > res.Partitions {
			res.Partitions = n
		}
	}
	return res, nil
}

// IsNodeReady reports whether the Node Ready condition is True.
func IsNodeReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
