// refs.go maps workloads to the secrets their pod specs consume.
package kube

import (
	"context"
	"fmt"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// SecretRefs returns the names of every secret a pod spec references through
// env valueFrom, envFrom, volumes, projected volumes, or image pull secrets.
func SecretRefs(spec *corev1.PodSpec) []string {
	if spec == nil {
		return nil
	}
	seen := make(map[string]struct{})
	add := func(name string) {
		if name != "" {
			seen[name] = struct{}{}
		}
	}

	containers := append([]corev1.Container{}, spec.InitContainers...)
	containers = append(containers, spec.Containers...)
	for _, c := range containers {
		for _, from := range c.EnvFrom {
			if from.SecretRef != nil {
				add(from.SecretRef.Name)
			}
		}
		for _, env := range c.Env {
			if env.ValueFrom != nil && env.ValueFrom.SecretKeyRef != nil {
				add(env.ValueFrom.SecretKeyRef.Name)
			}
		}
	}
	for _, vol := range spec.Volumes {
		if vol.Secret != nil {
			add(vol.Secret.SecretName)
		}
		if vol.Projected != nil {
			for _, src := range vol.Projected.Sources {
				if src.Secret != nil {
					add(src.Secret.Name)
				}
			}
		}
	}
	for _, ref := range spec.ImagePullSecrets {
		add(ref.Name)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeploymentsUsingSecret lists the deployments in a namespace whose pod
// template references the named secret.
func DeploymentsUsingSecret(ctx context.Context, client kubernetes.Interface, namespace, secret string) ([]appsv1.Deployment, error) {
	list, err := client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list deployments in %s: %w", namespace, err)
	}
	var out []appsv1.Deployment
	for i := range list.Items {
		dep := list.Items[i]
		for _, name := range SecretRefs(&dep.Spec.Template.Spec) {
			if name == secret {
				out = append(out, dep)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
