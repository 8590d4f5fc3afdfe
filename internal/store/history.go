package store

import (
	"context"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/softcane/maintenance-controller/internal/maintenance"
)

// DataHistory is the ConfigMap key holding the JSON history array.
const DataHistory = "MAINTENANCE_HISTORY"

// HistoryName is the ConfigMap holding the maintenance history of a cluster.
func HistoryName(cluster string) string {
	return cluster + "-controller-history"
}

var configMapsResource = schema.GroupResource{Resource: "configmaps"}

// ConfigMapHistoryStore keeps at most capacity entries in a ConfigMap,
// evicting the oldest ones first.
type ConfigMapHistoryStore struct {
	client    kubernetes.Interface
	logger    *slog.Logger
	cluster   string
	namespace string
	name      string
	capacity  int
}

// NewConfigMapHistoryStore creates the history store of cluster in namespace.
// capacity <= 0 keeps every entry.
func NewConfigMapHistoryStore(client kubernetes.Interface, namespace, cluster string, capacity int, logger *slog.Logger) *ConfigMapHistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigMapHistoryStore{
		client:    client,
		logger:    logger,
		cluster:   cluster,
		namespace: namespace,
		name:      HistoryName(cluster),
		capacity:  capacity,
	}
}

// Append implements HistoryStore. Concurrent writers are retried on conflict.
func (h *ConfigMapHistoryStore) Append(ctx context.Context, entry maintenance.HistoryEntry) error {
	raw, err := maintenance.MarshalEntry(entry)
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}

	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cms := h.client.CoreV1().ConfigMaps(h.namespace)

		cm, err := cms.Get(ctx, h.name, metav1.GetOptions{})
		create := apierrors.IsNotFound(err)
		if err != nil && !create {
			return err
		}

		var existing []byte
		if !create {
			existing = []byte(cm.Data[DataHistory])
		}
		entries, err := maintenance.DecodeRawHistory(existing)
		if err != nil {
			// A damaged log is replaced rather than blocking every later append.
			h.logger.Warn("discarding unreadable maintenance history", "cluster", h.cluster, "error", err)
			entries = nil
		}
		entries = append(entries, raw)

		data, err := maintenance.EncodeHistory(entries, h.capacity)
		if err != nil {
			return err
		}

		if create {
			_, err = cms.Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Name:      h.name,
					Namespace: h.namespace,
					Labels: map[string]string{
						LabelCluster:   h.cluster,
						LabelManagedBy: managerName,
					},
				},
				Data: map[string]string{DataHistory: string(data)},
			}, metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				return apierrors.NewConflict(configMapsResource, h.name, err)
			}
			return err
		}

		if cm.Data == nil {
			cm.Data = make(map[string]string)
		}
		cm.Data[DataHistory] = string(data)
		_, err = cms.Update(ctx, cm, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to append maintenance history: %w", err)
	}
	return nil
}

// List implements HistoryStore. Unreadable entries are skipped.
func (h *ConfigMapHistoryStore) List(ctx context.Context) ([]maintenance.HistoryEntry, error) {
	cm, err := h.client.CoreV1().ConfigMaps(h.namespace).Get(ctx, h.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get maintenance history: %w", err)
	}

	entries, skipped, err := maintenance.DecodeHistory([]byte(cm.Data[DataHistory]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if skipped > 0 {
		h.logger.Warn("skipped unreadable history entries", "cluster", h.cluster, "skipped", skipped)
	}
	return entries, nil
}

var _ HistoryStore = (*ConfigMapHistoryStore)(nil)
