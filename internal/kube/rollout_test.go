// rollout_test.go covers rollout status math, availability floors, and secret
// reference scanning.
package kube

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes/fake"
)

func int32Ptr(v int32) *int32 { return &v }

func TestDeploymentRollout(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "prod", Generation: 3},
		Spec:       appsv1.DeploymentSpec{Replicas: int32Ptr(4)},
		Status: appsv1.DeploymentStatus{
			ObservedGeneration: 3,
			ReadyReplicas:      4,
			UpdatedReplicas:    4,
		},
	}
	st := DeploymentRollout(dep)
	if !st.Complete {
		t.Fatalf("expected rollout to be complete: %+v", st)
	}

	dep.Status.ObservedGeneration = 2
	if st := DeploymentRollout(dep); st.Complete {
		t.Fatalf("stale observedGeneration must not count as complete: %+v", st)
	}

	dep.Status.ObservedGeneration = 3
	dep.Status.Conditions = []appsv1.DeploymentCondition{{
		Type:    appsv1.DeploymentProgressing,
		Status:  corev1.ConditionFalse,
		Message: "ProgressDeadlineExceeded",
	}}
	if st := DeploymentRollout(dep); st.FailureMessage == "" {
		t.Fatalf("expected failure message from progressing=false condition")
	}
}

func TestMinAvailableFromStrategy(t *testing.T) {
	maxUnavailable := intstr.FromInt32(1)
	dep := &appsv1.Deployment{
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(4),
			Strategy: appsv1.DeploymentStrategy{
				Type:          appsv1.RollingUpdateDeploymentStrategyType,
				RollingUpdate: &appsv1.RollingUpdateDeployment{MaxUnavailable: &maxUnavailable},
			},
		},
	}
	if got := MinAvailable(dep, nil); got != 3 {
		t.Fatalf("expected floor 3 with maxUnavailable=1 of 4, got %d", got)
	}

	// Default 25% of 4 is 1 unavailable.
	dep.Spec.Strategy.RollingUpdate = nil
	if got := MinAvailable(dep, nil); got != 3 {
		t.Fatalf("expected default floor 3, got %d", got)
	}
}

func TestMinAvailablePDBRaisesFloor(t *testing.T) {
	maxUnavailable := intstr.FromInt32(2)
	dep := &appsv1.Deployment{
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(4),
			Strategy: appsv1.DeploymentStrategy{
				RollingUpdate: &appsv1.RollingUpdateDeployment{MaxUnavailable: &maxUnavailable},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "api"}},
			},
		},
	}
	minAvailable := intstr.FromInt32(4)
	pdbs := []policyv1.PodDisruptionBudget{{
		Spec: policyv1.PodDisruptionBudgetSpec{
			Selector:     &metav1.LabelSelector{MatchLabels: map[string]string{"app": "api"}},
			MinAvailable: &minAvailable,
		},
	}}
	if got := MinAvailable(dep, pdbs); got != 4 {
		t.Fatalf("expected PDB to raise floor to 4, got %d", got)
	}

	// A PDB for another app must not apply.
	pdbs[0].Spec.Selector = &metav1.LabelSelector{MatchLabels: map[string]string{"app": "other"}}
	if got := MinAvailable(dep, pdbs); got != 2 {
		t.Fatalf("expected floor 2 without matching PDB, got %d", got)
	}
}

func TestSecretRefsDeduplicatesAndSorts(t *testing.T) {
	optional := false
	spec := &corev1.PodSpec{
		InitContainers: []corev1.Container{{
			Name: "init",
			Env: []corev1.EnvVar{{
				Name: "TOKEN",
				ValueFrom: &corev1.EnvVarSource{
					SecretKeyRef: &corev1.SecretKeySelector{
						LocalObjectReference: corev1.LocalObjectReference{Name: "app-tokens"},
						Key:                  "token",
						Optional:             &optional,
					},
				},
			}},
		}},
		Containers: []corev1.Container{{
			Name: "web",
			EnvFrom: []corev1.EnvFromSource{{
				SecretRef: &corev1.SecretEnvSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: "db-credentials"},
				},
			}},
		}},
		Volumes: []corev1.Volume{{
			Name: "certs",
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: "db-credentials"},
			},
		}},
	}
	refs := SecretRefs(spec)
	if len(refs) != 2 || refs[0] != "app-tokens" || refs[1] != "db-credentials" {
		t.Fatalf("unexpected refs: %v", refs)
	}
}

func TestDeploymentsUsingSecret(t *testing.T) {
	ctx := context.Background()
	uses := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "prod"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{
					Name: "api",
					EnvFrom: []corev1.EnvFromSource{{
						SecretRef: &corev1.SecretEnvSource{
							LocalObjectReference: corev1.LocalObjectReference{Name: "db-credentials"},
						},
					}},
				}}},
			},
		},
	}
	ignores := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "static", Namespace: "prod"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "static"}}},
			},
		},
	}
	client := fake.NewSimpleClientset(uses, ignores)
	deps, err := DeploymentsUsingSecret(ctx, client, "prod", "db-credentials")
	if err != nil {
		t.Fatalf("DeploymentsUsingSecret failed: %v", err)
	}
	if len(deps) != 1 || deps[0].Name != "api" {
		t.Fatalf("expected only the api deployment, got %+v", deps)
	}
}
