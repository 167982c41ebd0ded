// client.go constructs the Kubernetes clientsets kred uses.
package kube

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

// Client bundles the typed clientset, the optional metrics clientset, and the
// namespace resolved from the active kubeconfig context.
type Client struct {
	RESTConfig *rest.Config
	Clientset  kubernetes.Interface
	Metrics    metricsclient.Interface
	Namespace  string
}

// New builds a client honoring the provided kubeconfig path and context.
func New(ctx context.Context, kubeconfigPath, contextName string) (*Client, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		expanded, err := homedir.Expand(kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("expand kubeconfig path: %w", err)
		}
		loadingRules.Precedence = []string{filepath.Clean(expanded)}
	}

	overrides := &clientcmd.ConfigOverrides{ClusterInfo: api.Cluster{Server: ""}}
	if contextName != "" {
		overrides.CurrentContext = contextName
	}
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
	namespace, _, err := clientConfig.Namespace()
	if err != nil {
		return nil, fmt.Errorf("resolve default namespace: %w", err)
	}
	restConfig, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("build rest config: %w", err)
	}
	rest.SetDefaultWarningHandler(rest.NoWarnings{})

	// Rotation sweeps touch many objects in a burst; give the client headroom.
	restConfig.Timeout = 30 * time.Second
	restConfig.QPS = 50
	restConfig.Burst = 100

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create typed client: %w", err)
	}

	metrics, err := metricsclient.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create metrics client: %w", err)
	}

	return &Client{
		RESTConfig: restConfig,
		Clientset:  clientset,
		Metrics:    metrics,
		Namespace:  namespace,
	}, nil
}
