package compliance

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"

	"github.com/kubekattle/kred/internal/secretstore"
	"github.com/kubekattle/kred/pkg/api"
)

func managedSecretFixture(name string, policyDays int, lastRotated time.Time) *corev1.Secret {
	ann := map[string]string{
		secretstore.AnnotationSecretKind:    "database",
		secretstore.AnnotationSecurityLevel: "high",
		secretstore.AnnotationPolicyDays:    strconv.Itoa(policyDays),
		secretstore.AnnotationRotationCount: "3",
	}
	if !lastRotated.IsZero() {
		ann[secretstore.AnnotationLastRotated] = lastRotated.UTC().Format(time.RFC3339)
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   "default",
			Labels:      map[string]string{secretstore.ManagedByLabel: secretstore.ManagedByValue},
			Annotations: ann,
		},
		Data: map[string][]byte{"password": []byte("value-under-test")},
	}
}

func podMetricsFixture(name, cpu, memory string) *v1beta1.PodMetrics {
	return &v1beta1.PodMetrics{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Containers: []v1beta1.ContainerMetrics{{
			Name: "app",
			Usage: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(cpu),
				corev1.ResourceMemory: resource.MustParse(memory),
			},
		}},
	}
}

func TestCollectGradesNamespace(t *testing.T) {
	overdueSince := time.Now().Add(-40 * 24 * time.Hour)
	dep := hardenedDeployment("api")
	dep.Spec.Template.Spec.Containers[0].EnvFrom = []corev1.EnvFromSource{{
		SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: "db-credentials"}},
	}}
	dep.Status.ReadyReplicas = 2

	client := fake.NewSimpleClientset(
		managedSecretFixture("db-credentials", 30, overdueSince),
		&corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "unmanaged", Namespace: "default"}},
		dep,
		serviceFixture("postgres", corev1.ServiceTypeLoadBalancer, map[string]string{DataTierLabel: "true"}),
		serviceFixture("api", corev1.ServiceTypeClusterIP, nil),
	)
	// NewSimpleClientset registers PodMetrics under the guessed resource
	// "podmetricses", but the generated fake client lists resource "pods",
	// so seed the tracker under the resource the client actually queries.
	metricsClient := metricsfake.NewSimpleClientset()
	for _, pm := range []*v1beta1.PodMetrics{
		podMetricsFixture("api-5f7c9d4b8-x2k4j", "100m", "64Mi"),
		podMetricsFixture("api-5f7c9d4b8-fghij", "100m", "64Mi"),
		podMetricsFixture("orphan", "50m", "32Mi"),
	} {
		if err := metricsClient.Tracker().Create(v1beta1.SchemeGroupVersion.WithResource("pods"), pm, pm.Namespace); err != nil {
			t.Fatalf("seed pod metrics: %v", err)
		}
	}
	store := secretstore.New(client, logr.Discard())
	collector := NewCollector(client, metricsClient, store, logr.Discard())

	report, err := collector.Collect(context.Background(), Options{Namespace: "default"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if len(report.Secrets) != 1 {
		t.Fatalf("secrets = %d, want only the managed one", len(report.Secrets))
	}
	secret := report.Secrets[0]
	if secret.Name != "db-credentials" || secret.Status != api.SecretOverdue {
		t.Fatalf("secret finding = %+v", secret)
	}
	if secret.Kind != "database" || secret.SecurityLevel != api.SecurityLevelHigh {
		t.Fatalf("secret metadata lost: %+v", secret)
	}

	if len(report.Workloads) != 1 {
		t.Fatalf("workloads = %d, want 1", len(report.Workloads))
	}
	workload := report.Workloads[0]
	if workload.HardeningScore != 5 {
		t.Fatalf("hardeningScore = %d, want 5 (notes %v)", workload.HardeningScore, workload.Notes)
	}
	if len(workload.SecretRefs) != 1 || workload.SecretRefs[0] != "db-credentials" {
		t.Fatalf("secretRefs = %v", workload.SecretRefs)
	}
	if workload.CPUUsage != "200m" || workload.MemoryUsage != "128Mi" {
		t.Fatalf("usage = %s / %s, want pods summed to 200m / 128Mi", workload.CPUUsage, workload.MemoryUsage)
	}
	if workload.DesiredReplicas != 2 || workload.ReadyReplicas != 2 {
		t.Fatalf("replicas = %d/%d", workload.ReadyReplicas, workload.DesiredReplicas)
	}

	if len(report.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(report.Services))
	}
	// Sorted by name: api before postgres.
	if report.Services[0].Name != "api" || report.Services[0].Critical {
		t.Fatalf("api service finding = %+v", report.Services[0])
	}
	if !report.Services[1].Critical {
		t.Fatalf("postgres should be critical: %+v", report.Services[1])
	}

	if report.Overall != api.OverallCritical {
		t.Fatalf("overall = %s, want CRITICAL", report.Overall)
	}
	if report.Summary.SecretsOverdue != 1 || report.Summary.CriticalFindings != 1 {
		t.Fatalf("summary = %+v", report.Summary)
	}
	if report.Summary.AverageHardeningScore != 5 {
		t.Fatalf("averageHardeningScore = %v", report.Summary.AverageHardeningScore)
	}
}

func TestCollectIsReadOnly(t *testing.T) {
	client := fake.NewSimpleClientset(
		managedSecretFixture("db-credentials", 30, time.Now().Add(-24*time.Hour)),
		hardenedDeployment("api"),
		serviceFixture("api", corev1.ServiceTypeClusterIP, nil),
	)
	store := secretstore.New(client, logr.Discard())
	collector := NewCollector(client, nil, store, logr.Discard())

	if _, err := collector.Collect(context.Background(), Options{Namespace: "default"}); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, action := range client.Actions() {
		if action.GetVerb() != "list" {
			t.Fatalf("scan issued a %s on %s; scans must stay read-only", action.GetVerb(), action.GetResource().Resource)
		}
	}
}

func TestCollectWithoutMetricsLeavesUsageEmpty(t *testing.T) {
	client := fake.NewSimpleClientset(hardenedDeployment("api"))
	store := secretstore.New(client, logr.Discard())
	collector := NewCollector(client, nil, store, logr.Discard())

	report, err := collector.Collect(context.Background(), Options{Namespace: "default"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(report.Workloads) != 1 {
		t.Fatalf("workloads = %d", len(report.Workloads))
	}
	if report.Workloads[0].CPUUsage != "" || report.Workloads[0].MemoryUsage != "" {
		t.Fatalf("usage should be empty without a metrics client, got %+v", report.Workloads[0])
	}
}

func TestCollectCleanNamespaceIsExcellent(t *testing.T) {
	client := fake.NewSimpleClientset(
		managedSecretFixture("db-credentials", 30, time.Now().Add(-24*time.Hour)),
		hardenedDeployment("api"),
		serviceFixture("api", corev1.ServiceTypeClusterIP, nil),
	)
	store := secretstore.New(client, logr.Discard())
	collector := NewCollector(client, nil, store, logr.Discard())

	report, err := collector.Collect(context.Background(), Options{Namespace: "default"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if report.Overall != api.OverallExcellent {
		t.Fatalf("overall = %s, want EXCELLENT (report %+v)", report.Overall, report.Summary)
	}
}

func TestDeploymentForPodStripsReplicaSetSuffix(t *testing.T) {
	cases := []struct {
		pod  string
		want string
	}{
		{"api-5f7c9d4b8-x2k4j", "api"},
		{"billing-worker-6d4f-abcde", "billing-worker"},
		{"orphan", ""},
		{"two-parts", ""},
	}
	for _, tc := range cases {
		if got := deploymentForPod(tc.pod); got != tc.want {
			t.Fatalf("deploymentForPod(%q) = %q, want %q", tc.pod, got, tc.want)
		}
	}
}
