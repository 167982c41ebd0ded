// harden.go builds the Kubernetes objects for a component. Every workload
// ships with the full hardening posture the compliance scanner checks for;
// nothing in a manifest can opt out of it.
package stack

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/kubekattle/kred/internal/compliance"
	"github.com/kubekattle/kred/internal/secretstore"
	"github.com/kubekattle/kred/pkg/api"
)

// 65532 is the conventional distroless "nonroot" uid.
const runAsUser = 65532

const (
	defaultCPULimit    = "200m"
	defaultMemoryLimit = "256Mi"
)

func stackLabels(manifest *api.Manifest, comp api.Component) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":    comp.Name,
		"app.kubernetes.io/part-of": manifest.Stack,
		secretstore.ManagedByLabel:  secretstore.ManagedByValue,
	}
}

func selectorLabels(comp api.Component) map[string]string {
	return map[string]string{"app.kubernetes.io/name": comp.Name}
}

func defaultResources() corev1.ResourceRequirements {
	limits := corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse(defaultCPULimit),
		corev1.ResourceMemory: resource.MustParse(defaultMemoryLimit),
	}
	// Requests pinned to limits: Guaranteed QoS, no surprise eviction during
	// rotation restarts.
	return corev1.ResourceRequirements{Limits: limits, Requests: limits.DeepCopy()}
}

func buildDeployment(manifest *api.Manifest, comp api.Component) *appsv1.Deployment {
	podLabels := stackLabels(manifest, comp)

	var env []corev1.EnvVar
	for _, v := range comp.Env {
		env = append(env, corev1.EnvVar{Name: v.Name, Value: v.Value})
	}
	var envFrom []corev1.EnvFromSource
	if comp.Secret != nil {
		envFrom = append(envFrom, corev1.EnvFromSource{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: comp.Secret.Name},
			},
		})
	}

	container := corev1.Container{
		Name:    comp.Name,
		Image:   comp.Image,
		Env:     env,
		EnvFrom: envFrom,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			ReadOnlyRootFilesystem:   boolPtr(true),
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
		Resources: defaultResources(),
		// RO rootfs breaks anything that scribbles in /tmp; give it back as
		// an emptyDir.
		VolumeMounts: []corev1.VolumeMount{{Name: "tmp", MountPath: "/tmp"}},
	}
	if comp.Port > 0 {
		container.Ports = []corev1.ContainerPort{{Name: "app", ContainerPort: comp.Port}}
		probe := func(initialDelay, period int32) *corev1.Probe {
			return &corev1.Probe{
				ProbeHandler: corev1.ProbeHandler{
					TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(comp.Port)},
				},
				InitialDelaySeconds: initialDelay,
				PeriodSeconds:       period,
			}
		}
		container.ReadinessProbe = probe(5, 10)
		container.LivenessProbe = probe(15, 20)
	}

	maxUnavailable := intstr.FromInt32(0)
	maxSurge := intstr.FromInt32(1)
	replicas := comp.Replicas

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      comp.Name,
			Namespace: manifest.Namespace,
			Labels:    stackLabels(manifest, comp),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels(comp)},
			// Surge-only rollouts so rotation restarts never dip below the
			// desired replica count.
			Strategy: appsv1.DeploymentStrategy{
				Type: appsv1.RollingUpdateDeploymentStrategyType,
				RollingUpdate: &appsv1.RollingUpdateDeployment{
					MaxUnavailable: &maxUnavailable,
					MaxSurge:       &maxSurge,
				},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					SecurityContext: &corev1.PodSecurityContext{
						RunAsNonRoot:   boolPtr(true),
						RunAsUser:      int64Ptr(runAsUser),
						SeccompProfile: &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
					},
					Containers: []corev1.Container{container},
					Volumes: []corev1.Volume{{
						Name:         "tmp",
						VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
					}},
				},
			},
		},
	}
}

func buildService(manifest *api.Manifest, comp api.Component) *corev1.Service {
	labels := stackLabels(manifest, comp)
	if comp.DataTier {
		labels[compliance.DataTierLabel] = "true"
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      comp.Name,
			Namespace: manifest.Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceType(comp.Service),
			Selector: selectorLabels(comp),
			Ports: []corev1.ServicePort{{
				Name:       "app",
				Port:       comp.Port,
				TargetPort: intstr.FromInt32(comp.Port),
			}},
		},
	}
}

func boolPtr(v bool) *bool    { return &v }
func int64Ptr(v int64) *int64 { return &v }
