package compliance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/kubekattle/kred/internal/kube"
	"github.com/kubekattle/kred/internal/secretstore"
	"github.com/kubekattle/kred/pkg/api"
)

// Options select what one scan covers.
type Options struct {
	Namespace string
	Policy    Policy
}

// Collector gathers and grades one namespace. Every call is read-only:
// scans list and get, never write, so they can run beside live rotations.
type Collector struct {
	client  kubernetes.Interface
	metrics metricsclient.Interface
	store   *secretstore.Store
	logger  logr.Logger
	clock   func() time.Time
}

// NewCollector builds a collector. The metrics clientset is optional; pass
// nil on clusters without metrics-server and usage columns stay empty.
func NewCollector(client kubernetes.Interface, metrics metricsclient.Interface, store *secretstore.Store, logger logr.Logger) *Collector {
	return &Collector{
		client:  client,
		metrics: metrics,
		store:   store,
		logger:  logger,
		clock:   time.Now,
	}
}

// Collect scans one namespace and grades everything it finds.
func (c *Collector) Collect(ctx context.Context, opts Options) (*api.Report, error) {
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	report := &api.Report{
		GeneratedAt: c.clock().UTC(),
		Namespace:   opts.Namespace,
	}

	records, err := c.store.List(ctx, opts.Namespace)
	if err != nil {
		return nil, fmt.Errorf("list managed secrets: %w", err)
	}
	for _, record := range records {
		report.Secrets = append(report.Secrets, classifySecret(record, opts.Policy))
	}

	deployments, err := c.client.AppsV1().Deployments(opts.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	usage := c.podUsage(ctx, opts.Namespace)
	for i := range deployments.Items {
		dep := &deployments.Items[i]
		posture, notes := analyzeWorkload(dep)
		finding := api.WorkloadFinding{
			Name:           dep.Name,
			Namespace:      dep.Namespace,
			ReadyReplicas:  dep.Status.ReadyReplicas,
			SecretRefs:     kube.SecretRefs(&dep.Spec.Template.Spec),
			Posture:        posture,
			HardeningScore: posture.Score(),
			Notes:          notes,
		}
		if dep.Spec.Replicas != nil {
			finding.DesiredReplicas = *dep.Spec.Replicas
		} else {
			finding.DesiredReplicas = 1
		}
		if u, ok := usage[dep.Name]; ok {
			finding.CPUUsage = u.cpu.String()
			finding.MemoryUsage = u.memory.String()
		}
		report.Workloads = append(report.Workloads, finding)
	}

	services, err := c.client.CoreV1().Services(opts.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	for i := range services.Items {
		report.Services = append(report.Services, classifyService(&services.Items[i]))
	}

	sortFindings(report)
	report.Summary = summarize(report)
	report.Overall = overallStatus(report, opts.Policy)
	return report, nil
}

type resourceUsage struct {
	cpu    resource.Quantity
	memory resource.Quantity
}

// podUsage aggregates pod metrics per deployment. Pods are attributed by the
// replicaset naming convention (<deployment>-<hash>-<id>); metrics-server
// being absent just leaves the usage columns blank.
func (c *Collector) podUsage(ctx context.Context, namespace string) map[string]resourceUsage {
	if c.metrics == nil {
		return nil
	}
	podMetrics, err := c.metrics.MetricsV1beta1().PodMetricses(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		c.logger.V(1).Info("pod metrics unavailable", "namespace", namespace, "reason", err.Error())
		return nil
	}
	usage := make(map[string]resourceUsage)
	for i := range podMetrics.Items {
		pm := &podMetrics.Items[i]
		owner := deploymentForPod(pm.Name)
		if owner == "" {
			continue
		}
		entry := usage[owner]
		addPodUsage(&entry, pm)
		usage[owner] = entry
	}
	return usage
}

func addPodUsage(entry *resourceUsage, pm *v1beta1.PodMetrics) {
	for _, container := range pm.Containers {
		if cpu := container.Usage.Cpu(); cpu != nil {
			entry.cpu.Add(*cpu)
		}
		if mem := container.Usage.Memory(); mem != nil {
			entry.memory.Add(*mem)
		}
	}
}

// deploymentForPod strips the replicaset hash and pod id from a pod name.
func deploymentForPod(podName string) string {
	parts := strings.Split(podName, "-")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[:len(parts)-2], "-")
}
