// rollout.go reads deployment rollout progress and the availability floor a
// rollout must not dip under.
package kube

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// RolloutStatus summarizes where a deployment's current generation stands.
type RolloutStatus struct {
	Desired        int32
	Ready          int32
	Updated        int32
	Complete       bool
	FailureMessage string
}

// DeploymentRollout derives a RolloutStatus from a deployment object.
func DeploymentRollout(dep *appsv1.Deployment) RolloutStatus {
	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	st := RolloutStatus{
		Desired: desired,
		Ready:   dep.Status.ReadyReplicas,
		Updated: dep.Status.UpdatedReplicas,
	}
	observed := dep.Status.ObservedGeneration >= dep.Generation
	st.Complete = observed && st.Updated >= desired && st.Ready >= desired
	for _, cond := range dep.Status.Conditions {
		if cond.Type == appsv1.DeploymentReplicaFailure && cond.Status == corev1.ConditionTrue {
			st.FailureMessage = cond.Message
		}
		if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse {
			st.FailureMessage = cond.Message
		}
	}
	return st
}

// MinAvailable resolves the replica floor a rollout of this deployment must
// keep ready. The rolling-update maxUnavailable setting is the baseline
// (defaulting to 25%, rounded in the workload's favor); a PodDisruptionBudget
// matching the pod template raises the floor when it demands more.
func MinAvailable(dep *appsv1.Deployment, pdbs []policyv1.PodDisruptionBudget) int32 {
	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	if desired == 0 {
		return 0
	}

	maxUnavailable := intstr.FromString("25%")
	if ru := dep.Spec.Strategy.RollingUpdate; ru != nil && ru.MaxUnavailable != nil {
		maxUnavailable = *ru.MaxUnavailable
	}
	unavailable, err := intstr.GetScaledValueFromIntOrPercent(&maxUnavailable, int(desired), false)
	if err != nil {
		unavailable = 0
	}
	floor := desired - int32(unavailable)
	if floor < 0 {
		floor = 0
	}

	podLabels := labels.Set(dep.Spec.Template.Labels)
	for i := range pdbs {
		pdb := pdbs[i]
		if pdb.Spec.MinAvailable == nil {
			continue
		}
		selector, err := metav1.LabelSelectorAsSelector(pdb.Spec.Selector)
		if err != nil || selector.Empty() || !selector.Matches(podLabels) {
			continue
		}
		min, err := intstr.GetScaledValueFromIntOrPercent(pdb.Spec.MinAvailable, int(desired), true)
		if err != nil {
			continue
		}
		if int32(min) > floor {
			floor = int32(min)
		}
	}
	if floor > desired {
		floor = desired
	}
	return floor
}
