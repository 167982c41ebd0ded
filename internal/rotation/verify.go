package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kubekattle/kred/internal/kube"
)

// verifier polls restarted workloads until their rollouts complete. It
// enforces the availability floor on every sample: a breach aborts the
// wait immediately instead of burning the rest of the timeout.
type verifier struct {
	client   kubernetes.Interface
	logger   logr.Logger
	timeout  time.Duration
	interval time.Duration
}

// waitForWorkloads blocks until every named rollout completes. On failure it
// also reports which workloads had already verified, so the rollback can say
// what it is undoing.
func (v *verifier) waitForWorkloads(ctx context.Context, namespace string, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	pdbs, err := v.client.PolicyV1().PodDisruptionBudgets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		// Budgets only raise the floor; clusters that deny the list still verify.
		v.logger.V(1).Info("could not list pod disruption budgets", "namespace", namespace, "reason", err.Error())
		pdbs = &policyv1.PodDisruptionBudgetList{}
	}

	start := time.Now()
	deadline := start.Add(v.timeout)
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		sampled, err := v.sample(ctx, namespace, names, pdbs.Items)
		if err != nil {
			return sampled.complete, err
		}
		if sampled.pending == "" {
			return sampled.complete, nil
		}
		if time.Now().After(deadline) {
			return sampled.complete, &RolloutTimeoutError{
				Namespace: namespace,
				Workload:  sampled.pending,
				Ready:     sampled.status.Ready,
				Desired:   sampled.status.Desired,
				Elapsed:   time.Since(start),
			}
		}
		select {
		case <-ctx.Done():
			return sampled.complete, ctx.Err()
		case <-ticker.C:
		}
	}
}

// sampleResult is one pass over every workload: the first still-pending
// workload (with its status), and the ones whose rollouts were complete.
type sampleResult struct {
	pending  string
	status   kube.RolloutStatus
	complete []string
}

func (v *verifier) sample(ctx context.Context, namespace string, names []string, pdbs []policyv1.PodDisruptionBudget) (sampleResult, error) {
	var res sampleResult
	for _, name := range names {
		dep, err := v.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return res, fmt.Errorf("read workload %s/%s: %w", namespace, name, err)
		}
		status := kube.DeploymentRollout(dep)
		if status.FailureMessage != "" {
			return res, fmt.Errorf("workload %s/%s rollout failed: %s", namespace, name, status.FailureMessage)
		}
		floor := kube.MinAvailable(dep, pdbs)
		if status.Ready < floor {
			return res, &AvailabilityBreachError{
				Namespace: namespace,
				Workload:  name,
				Ready:     status.Ready,
				Floor:     floor,
			}
		}
		if status.Complete {
			res.complete = append(res.complete, name)
			continue
		}
		if res.pending == "" {
			res.pending = name
			res.status = status
		}
	}
	return res, nil
}
