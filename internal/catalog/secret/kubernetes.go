package secret

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Backend names accepted for Kubernetes secrets.
const (
	BackendKubernetes      = "k8s"
	BackendKubernetesAlias = "kubernetes"
)

// KubernetesConfig describes how to reach the cluster.
type KubernetesConfig struct {
	KubeConfigPath string
	Namespace      string
}

// Kubernetes resolves secret://k8s/[<namespace>/]<secret>/<key> from
// Secret resources. The client is built on first use.
type Kubernetes struct {
	cfg KubernetesConfig

	once   sync.Once
	client kubernetes.Interface
	err    error
}

// NewKubernetes returns a lazily connected Kubernetes backend.
func NewKubernetes(cfg KubernetesConfig) *Kubernetes {
	if strings.TrimSpace(cfg.Namespace) == "" {
		cfg.Namespace = "default"
	}
	return &Kubernetes{cfg: cfg}
}

func newKubernetesWithClient(client kubernetes.Interface, namespace string) *Kubernetes {
	k := NewKubernetes(KubernetesConfig{Namespace: namespace})
	k.once.Do(func() { k.client = client })
	return k
}

// Resolve implements Resolver.
func (k *Kubernetes) Resolve(ctx context.Context, value string) (string, error) {
	ref, err := Parse(value)
	if err != nil {
		return "", err
	}

	namespace := k.cfg.Namespace
	var name, key string

	switch len(ref.Segments) {
	case 2:
		name, key = ref.Segments[0], ref.Segments[1]
	case 3:
		namespace, name, key = ref.Segments[0], ref.Segments[1], ref.Segments[2]
	default:
		return "", fmt.Errorf("kubernetes secret %q must be secret://k8s/[<namespace>/]<secret>/<key>", value)
	}

	client, err := k.clientset()
	if err != nil {
		return "", err
	}

	sec, err := client.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get kubernetes secret %s/%s: %w", namespace, name, err)
	}

	data, ok := sec.Data[key]
	if !ok {
		if s, ok := sec.StringData[key]; ok {
			return s, nil
		}
		return "", fmt.Errorf("kubernetes secret %s/%s has no key %s", namespace, name, key)
	}
	return string(data), nil
}

func (k *Kubernetes) clientset() (kubernetes.Interface, error) {
	k.once.Do(func() {
		cfg, err := restConfig(k.cfg.KubeConfigPath)
		if err != nil {
			k.err = fmt.Errorf("load kubernetes config: %w", err)
			return
		}
		k.client, k.err = kubernetes.NewForConfig(cfg)
	})
	return k.client, k.err
}

// restConfig prefers an explicit kubeconfig, then in-cluster credentials,
// then ~/.kube/config.
func restConfig(path string) (*rest.Config, error) {
	if strings.TrimSpace(path) != "" {
		return clientcmd.BuildConfigFromFlags("", path)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		path = filepath.Join(home, ".kube", "config")
		if _, err := os.Stat(path); err == nil {
			return clientcmd.BuildConfigFromFlags("", path)
		}
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
}
