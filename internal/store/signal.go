package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/softcane/maintenance-controller/internal/maintenance"
)

// Object names and keys used by the Kubernetes stores.
const (
	AnnotationSince = "maintenance.softcane.io/since"
	LabelCluster    = "maintenance.softcane.io/cluster"
	LabelManagedBy  = "app.kubernetes.io/managed-by"
	managerName     = "maintenance-controller"
)

// SignalName is the ConfigMap holding the maintenance signal of a cluster.
func SignalName(cluster string) string {
	return cluster + "-maintenance"
}

// ConfigMapSignalStore keeps the signal in a ConfigMap whose existence means
// the cluster is in maintenance. resourceVersion is the record version.
type ConfigMapSignalStore struct {
	client    kubernetes.Interface
	logger    *slog.Logger
	cluster   string
	namespace string
	name      string
	now       func() time.Time
}

// NewConfigMapSignalStore creates the signal store of cluster in namespace.
func NewConfigMapSignalStore(client kubernetes.Interface, namespace, cluster string, logger *slog.Logger) *ConfigMapSignalStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigMapSignalStore{
		client:    client,
		logger:    logger,
		cluster:   cluster,
		namespace: namespace,
		name:      SignalName(cluster),
		now:       time.Now,
	}
}

// Get implements SignalStore.
func (s *ConfigMapSignalStore) Get(ctx context.Context) (Record, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get maintenance signal: %w", err)
	}
	return recordFromConfigMap(cm)
}

func recordFromConfigMap(cm *corev1.ConfigMap) (Record, error) {
	sig, err := maintenance.SignalFromFields(cm.Data)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, cm.Name, err)
	}
	if raw := cm.Annotations[AnnotationSince]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			sig.Since = t
		}
	}
	return Record{Signal: sig, Version: cm.ResourceVersion}, nil
}

// Put implements SignalStore.
func (s *ConfigMapSignalStore) Put(ctx context.Context, sig *maintenance.Signal, expected Record) (Record, error) {
	if sig == nil {
		return Record{}, fmt.Errorf("%w: nil signal", maintenance.ErrInvalidSignal)
	}
	if err := sig.Validate(); err != nil {
		return Record{}, err
	}

	since := sig.Since
	if since.IsZero() {
		since = s.now()
	}
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.name,
			Namespace: s.namespace,
			Labels: map[string]string{
				LabelCluster:   s.cluster,
				LabelManagedBy: managerName,
			},
			Annotations: map[string]string{
				AnnotationSince: since.UTC().Format(time.RFC3339Nano),
			},
		},
		Data: sig.Fields(),
	}

	var (
		out *corev1.ConfigMap
		err error
	)
	if !expected.Enabled() {
		out, err = s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, cm, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return Record{}, fmt.Errorf("%w: %s already exists", ErrConflict, s.name)
		}
	} else {
		cm.ResourceVersion = expected.Version
		out, err = s.client.CoreV1().ConfigMaps(s.namespace).Update(ctx, cm, metav1.UpdateOptions{})
		if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
			return Record{}, fmt.Errorf("%w: %s: %v", ErrConflict, s.name, err)
		}
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to write maintenance signal: %w", err)
	}

	written := sig.Clone()
	written.Since = since
	return Record{Signal: written, Version: out.ResourceVersion}, nil
}

// Delete implements SignalStore.
func (s *ConfigMapSignalStore) Delete(ctx context.Context, expected Record) error {
	opts := metav1.DeleteOptions{}
	if expected.Version != "" {
		rv := expected.Version
		opts.Preconditions = &metav1.Preconditions{ResourceVersion: &rv}
	}

	err := s.client.CoreV1().ConfigMaps(s.namespace).Delete(ctx, s.name, opts)
	switch {
	case err == nil:
		return nil
	case apierrors.IsNotFound(err):
		return ErrNotFound
	case apierrors.IsConflict(err):
		return fmt.Errorf("%w: %s: %v", ErrConflict, s.name, err)
	default:
		return fmt.Errorf("failed to delete maintenance signal: %w", err)
	}
}

// Watch streams the record every time it changes. The channel closes when ctx
// is cancelled or the server ends the watch.
func (s *ConfigMapSignalStore) Watch(ctx context.Context) (<-chan Record, error) {
	w, err := s.client.CoreV1().ConfigMaps(s.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("metadata.name", s.name).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch maintenance signal: %w", err)
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.ResultChan():
				if !ok {
					return
				}
				// Field selectors are not honoured by every client.
				if cm, isCM := ev.Object.(*corev1.ConfigMap); isCM && cm.Name != s.name {
					continue
				}
				rec, err := s.recordFromEvent(ev)
				if err != nil {
					s.logger.Warn("ignoring unreadable signal event", "cluster", s.cluster, "error", err)
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *ConfigMapSignalStore) recordFromEvent(ev watch.Event) (Record, error) {
	switch ev.Type {
	case watch.Deleted:
		return Record{}, nil
	case watch.Added, watch.Modified:
		cm, ok := ev.Object.(*corev1.ConfigMap)
		if !ok {
			return Record{}, fmt.Errorf("unexpected object %T", ev.Object)
		}
		return recordFromConfigMap(cm)
	default:
		return Record{}, fmt.Errorf("unexpected event %s", ev.Type)
	}
}

var (
	_ SignalStore   = (*ConfigMapSignalStore)(nil)
	_ SignalWatcher = (*ConfigMapSignalStore)(nil)
)
