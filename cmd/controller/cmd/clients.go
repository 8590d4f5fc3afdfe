package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/softcane/maintenance-controller/internal/config"
	"github.com/softcane/maintenance-controller/internal/store"
	etcdstore "github.com/softcane/maintenance-controller/internal/store/etcd"
)

const etcdDialTimeout = 5 * time.Second

// newKubeClient uses the in-cluster config and falls back to KUBECONFIG.
func newKubeClient() (kubernetes.Interface, error) {
	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = os.Getenv("HOME") + "/.kube/config"
		}
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}
	client, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}

// backend is the set of stores of one cluster.
type backend struct {
	signals store.SignalStore
	history store.HistoryStore
	inbox   store.CommandInbox
	close   func()
}

// openBackend builds the stores selected by store.backend. The command inbox
// is a ConfigMap for both backends.
func openBackend(cfg *config.Config, client kubernetes.Interface, logger *slog.Logger) (*backend, error) {
	b := &backend{
		inbox: store.NewConfigMapCommandInbox(client, cfg.Cluster.Namespace, cfg.Cluster.Name,
			cfg.Controller.CommandQueueSize, logger),
		close: func() {},
	}

	switch cfg.Store.Backend {
	case config.BackendEtcd:
		cli, err := etcdstore.Dial(cfg.Store.EtcdEndpoints, etcdDialTimeout)
		if err != nil {
			return nil, err
		}
		b.signals = etcdstore.NewSignalStore(cli, cli, cfg.Store.EtcdPrefix, cfg.Cluster.Name, logger)
		b.history = etcdstore.NewHistoryStore(cli, cfg.Store.EtcdPrefix, cfg.Cluster.Name,
			cfg.Controller.HistoryCapacity, logger)
		b.close = func() {
			if err := cli.Close(); err != nil {
				logger.Warn("failed to close etcd client", "error", err)
			}
		}
	default:
		b.signals = store.NewConfigMapSignalStore(client, cfg.Cluster.Namespace, cfg.Cluster.Name, logger)
		b.history = store.NewConfigMapHistoryStore(client, cfg.Cluster.Namespace, cfg.Cluster.Name,
			cfg.Controller.HistoryCapacity, logger)
	}

	logger.Info("maintenance store ready",
		"backend", cfg.Store.Backend,
		"cluster", cfg.Cluster.Name,
		"namespace", cfg.Cluster.Namespace,
	)
	return b, nil
}
