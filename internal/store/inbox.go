package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/softcane/maintenance-controller/internal/maintenance"
)

// DataCommands is the ConfigMap key holding pending operator commands.
const DataCommands = "COMMANDS"

// CommandsName is the ConfigMap operators submit commands to.
func CommandsName(cluster string) string {
	return cluster + "-maintenance-commands"
}

// ConfigMapCommandInbox queues operator commands in a ConfigMap until the
// controller acknowledges them after committing the pass that applied them.
type ConfigMapCommandInbox struct {
	client    kubernetes.Interface
	logger    *slog.Logger
	cluster   string
	namespace string
	name      string
	capacity  int
}

// NewConfigMapCommandInbox creates the inbox of cluster. When more than
// capacity commands are pending the oldest are dropped.
func NewConfigMapCommandInbox(client kubernetes.Interface, namespace, cluster string, capacity int, logger *slog.Logger) *ConfigMapCommandInbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigMapCommandInbox{
		client:    client,
		logger:    logger,
		cluster:   cluster,
		namespace: namespace,
		name:      CommandsName(cluster),
		capacity:  capacity,
	}
}

// Submit implements CommandInbox.
func (q *ConfigMapCommandInbox) Submit(ctx context.Context, cmd maintenance.Command) error {
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cms := q.client.CoreV1().ConfigMaps(q.namespace)

		cm, err := cms.Get(ctx, q.name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			data, err := encodeCommands([]maintenance.Command{cmd})
			if err != nil {
				return err
			}
			_, err = cms.Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Name:      q.name,
					Namespace: q.namespace,
					Labels: map[string]string{
						LabelCluster:   q.cluster,
						LabelManagedBy: managerName,
					},
				},
				Data: map[string]string{DataCommands: data},
			}, metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				return apierrors.NewConflict(configMapsResource, q.name, err)
			}
			return err
		}
		if err != nil {
			return err
		}

		pending := q.decode(cm)
		pending = append(pending, cmd)
		if q.capacity > 0 && len(pending) > q.capacity {
			dropped := len(pending) - q.capacity
			q.logger.Warn("command inbox full, dropping oldest commands", "cluster", q.cluster, "dropped", dropped)
			pending = pending[dropped:]
		}

		data, err := encodeCommands(pending)
		if err != nil {
			return err
		}
		if cm.Data == nil {
			cm.Data = make(map[string]string)
		}
		cm.Data[DataCommands] = data
		_, err = cms.Update(ctx, cm, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to submit maintenance command: %w", err)
	}
	return nil
}

// Pending implements CommandInbox.
func (q *ConfigMapCommandInbox) Pending(ctx context.Context) ([]maintenance.Command, error) {
	cm, err := q.client.CoreV1().ConfigMaps(q.namespace).Get(ctx, q.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read maintenance commands: %w", err)
	}
	return q.decode(cm), nil
}

// Ack implements CommandInbox. Commands submitted after cmds were read are kept.
func (q *ConfigMapCommandInbox) Ack(ctx context.Context, cmds []maintenance.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cms := q.client.CoreV1().ConfigMaps(q.namespace)

		cm, err := cms.Get(ctx, q.name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		pending := q.decode(cm)
		kept := make([]maintenance.Command, 0, len(pending))
		for _, p := range pending {
			if !maintenance.ContainsCommand(cmds, p) {
				kept = append(kept, p)
			}
		}
		if len(kept) == len(pending) && cm.Data[DataCommands] != "" {
			return nil
		}

		data, err := encodeCommands(kept)
		if err != nil {
			return err
		}
		if cm.Data == nil {
			cm.Data = make(map[string]string)
		}
		cm.Data[DataCommands] = data
		_, err = cms.Update(ctx, cm, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge maintenance commands: %w", err)
	}
	return nil
}

func (q *ConfigMapCommandInbox) decode(cm *corev1.ConfigMap) []maintenance.Command {
	raw := cm.Data[DataCommands]
	if raw == "" {
		return nil
	}
	var cmds []maintenance.Command
	if err := json.Unmarshal([]byte(raw), &cmds); err != nil {
		q.logger.Warn("discarding unreadable command inbox", "cluster", q.cluster, "error", err)
		return nil
	}
	return cmds
}

func encodeCommands(cmds []maintenance.Command) (string, error) {
	b, err := json.Marshal(cmds)
	if err != nil {
		return "", fmt.Errorf("failed to encode commands: %w", err)
	}
	return string(b), nil
}

var _ CommandInbox = (*ConfigMapCommandInbox)(nil)
