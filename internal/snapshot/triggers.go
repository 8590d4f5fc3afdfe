package snapshot

import (
	"context"
	"log/slog"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

const rewatchPeriod = 5 * time.Second

// WatchTriggers calls trigger on every Node or namespaced ConfigMap change so
// the controller can run a pass ahead of its ticker. It returns immediately;
// the watches stop when ctx is cancelled.
func WatchTriggers(ctx context.Context, client kubernetes.Interface, namespace, nodeSelector string, trigger func(), logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	go wait.UntilWithContext(ctx, func(ctx context.Context) {
		consume(ctx, logger, "nodes", trigger, func() (watch.Interface, error) {
			return client.CoreV1().Nodes().Watch(ctx, metav1.ListOptions{LabelSelector: nodeSelector})
		})
	}, rewatchPeriod)

	go wait.UntilWithContext(ctx, func(ctx context.Context) {
		consume(ctx, logger, "configmaps", trigger, func() (watch.Interface, error) {
			return client.CoreV1().ConfigMaps(namespace).Watch(ctx, metav1.ListOptions{})
		})
	}, rewatchPeriod)
}

func consume(ctx context.Context, logger *slog.Logger, kind string, trigger func(), open func() (watch.Interface, error)) {
	w, err := open()
	if err != nil {
		logger.Warn("failed to watch for changes", "kind", kind, "error", err)
		return
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.ResultChan():
			if !ok {
				logger.Debug("watch closed, reopening", "kind", kind)
				return
			}
			if ev.Type == watch.Error {
				logger.Warn("watch error event", "kind", kind)
				return
			}
			trigger()
		}
	}
}
