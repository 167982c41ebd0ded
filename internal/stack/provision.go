package stack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/kubekattle/kred/internal/credgen"
	"github.com/kubekattle/kred/internal/kube"
	"github.com/kubekattle/kred/internal/secretstore"
	"github.com/kubekattle/kred/pkg/api"
)

// Re-deploys compare this annotation instead of diffing live objects, which
// the API server has already mutated with defaults.
const specHashAnnotation = "kred.kubekattle.io/spec-hash"

const defaultProvisionPoll = 2 * time.Second

// Config tunes a Provisioner.
type Config struct {
	// Seeder resolves seed:// references in secret specs. Nil is fine for
	// manifests that only generate.
	Seeder *secretstore.Seeder
	// WaitTimeout bounds the post-apply readiness wait. Zero skips waiting.
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// Provisioner applies a stack manifest to a cluster.
type Provisioner struct {
	client       kubernetes.Interface
	store        *secretstore.Store
	generator    *credgen.Generator
	seeder       *secretstore.Seeder
	waitTimeout  time.Duration
	pollInterval time.Duration
}

func NewProvisioner(client kubernetes.Interface, store *secretstore.Store, cfg Config) *Provisioner {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultProvisionPoll
	}
	return &Provisioner{
		client:       client,
		store:        store,
		generator:    credgen.New(),
		seeder:       cfg.Seeder,
		waitTimeout:  cfg.WaitTimeout,
		pollInterval: pollInterval,
	}
}

// Deploy applies the manifest: namespace, secrets, hardened deployments,
// services, then a bounded wait for every rollout. Re-deploying an unchanged
// manifest only reads.
func (p *Provisioner) Deploy(ctx context.Context, manifest *api.Manifest) (*api.DeployResult, error) {
	ApplyDefaults(manifest)
	if err := Validate(manifest); err != nil {
		return nil, err
	}

	result := &api.DeployResult{
		Stack:     manifest.Stack,
		Namespace: manifest.Namespace,
		StartedAt: time.Now().UTC(),
	}
	klog.Infof("Deploying stack %s to namespace %s (%d components)", manifest.Stack, manifest.Namespace, len(manifest.Components))

	if err := p.ensureNamespace(ctx, manifest.Namespace); err != nil {
		return nil, errors.Wrapf(err, "ensure namespace %s", manifest.Namespace)
	}

	for _, comp := range manifest.Components {
		if comp.Secret != nil {
			if err := p.ensureSecret(ctx, manifest.Namespace, comp, result); err != nil {
				return nil, err
			}
		}

		action, err := p.applyDeployment(ctx, buildDeployment(manifest, comp))
		if err != nil {
			return nil, err
		}
		klog.Infof("Deployment %s/%s %s", manifest.Namespace, comp.Name, action)
		result.Objects = append(result.Objects, api.DeployedObject{
			Kind: "Deployment", Namespace: manifest.Namespace, Name: comp.Name, Action: action,
		})

		if comp.Port > 0 {
			action, err := p.applyService(ctx, buildService(manifest, comp))
			if err != nil {
				return nil, err
			}
			klog.Infof("Service %s/%s %s", manifest.Namespace, comp.Name, action)
			result.Objects = append(result.Objects, api.DeployedObject{
				Kind: "Service", Namespace: manifest.Namespace, Name: comp.Name, Action: action,
			})
			if comp.DataTier && comp.Service != "ClusterIP" {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("component %s exposes a data-tier service via %s; compliance scans flag this as CRITICAL", comp.Name, comp.Service))
			}
		}
	}

	if err := p.waitForRollouts(ctx, manifest); err != nil {
		return nil, err
	}

	result.FinishedAt = time.Now().UTC()
	return result, nil
}

// ensureSecret resolves seeds, generates the remaining keys, and creates the
// managed secret. An existing secret with different content is left alone
// with a warning; rotation is the only path that replaces live credentials.
func (p *Provisioner) ensureSecret(ctx context.Context, namespace string, comp api.Component, result *api.DeployResult) error {
	spec := comp.Secret

	// Deploys never replace live credentials; rotation is the only path
	// that does. An existing secret short-circuits before anything is
	// generated.
	existing, err := p.store.Get(ctx, namespace, spec.Name)
	if err == nil {
		if !existing.Managed {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("secret %s already exists but is not managed by kred; left as-is", spec.Name))
		}
		klog.Infof("Secret %s/%s unchanged (%d keys)", namespace, spec.Name, len(existing.Data))
		p.recordSecret(result, namespace, spec.Name, secretstore.ActionUnchanged)
		return nil
	}
	if !stderrors.Is(err, secretstore.ErrNotFound) {
		return err
	}

	data := make(map[string]string, len(spec.Keys)+len(spec.Seeds))
	seedKeys := make([]string, 0, len(spec.Seeds))
	for key := range spec.Seeds {
		seedKeys = append(seedKeys, key)
	}
	sort.Strings(seedKeys)
	for _, key := range seedKeys {
		value, err := p.resolveSeed(ctx, spec.Seeds[key])
		if err != nil {
			return errors.Wrapf(err, "seed key %q of secret %s", key, spec.Name)
		}
		data[key] = value
	}

	if len(spec.Keys) > 0 {
		generated, err := p.generator.Generate(credgen.Spec{Keys: spec.Keys}, nil)
		if err != nil {
			return errors.Wrapf(err, "generate secret %s", spec.Name)
		}
		for key, value := range generated {
			data[key] = value
		}
	}

	meta := secretstore.Metadata{
		Kind:               spec.Kind,
		SecurityLevel:      spec.SecurityLevel,
		RotationPolicyDays: spec.RotationPolicyDays,
	}
	action, err := p.store.Create(ctx, namespace, spec.Name, data, meta, false)
	if err != nil {
		if !stderrors.Is(err, secretstore.ErrAlreadyExists) {
			return errors.Wrapf(err, "create secret %s", spec.Name)
		}
		// Lost a race with another writer between the existence check and
		// the create.
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("secret %s already exists with different content; left as-is (rotate it to replace the values)", spec.Name))
		action = secretstore.ActionUnchanged
	}
	klog.Infof("Secret %s/%s %s (%d keys)", namespace, spec.Name, action, len(data))
	p.recordSecret(result, namespace, spec.Name, action)
	return nil
}

func (p *Provisioner) recordSecret(result *api.DeployResult, namespace, name string, action secretstore.Action) {
	result.Objects = append(result.Objects, api.DeployedObject{
		Kind: "Secret", Namespace: namespace, Name: name, Action: api.ObjectAction(action),
	})
	result.Secrets = append(result.Secrets, name)
}

func (p *Provisioner) resolveSeed(ctx context.Context, value string) (string, error) {
	if p.seeder != nil {
		resolved, _, err := p.seeder.Resolve(ctx, value)
		return resolved, err
	}
	_, isRef, err := secretstore.ParseSeedRef(value, "")
	if err != nil {
		return "", err
	}
	if isRef {
		return "", errors.New("seed references need a seed config (--seed-config)")
	}
	return value, nil
}

func (p *Provisioner) ensureNamespace(ctx context.Context, name string) error {
	_, err := p.client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}
	ns := &corev1.Namespace{}
	ns.Name = name
	klog.Infof("Creating namespace %s", name)
	_, err = p.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return err
	}
	return nil
}

func (p *Provisioner) applyDeployment(ctx context.Context, desired *appsv1.Deployment) (api.ObjectAction, error) {
	hash, err := specHash(desired.Labels, desired.Spec)
	if err != nil {
		return "", err
	}
	desired.Annotations = map[string]string{specHashAnnotation: hash}

	deployments := p.client.AppsV1().Deployments(desired.Namespace)
	existing, err := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := deployments.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return "", errors.Wrapf(err, "create deployment %s", desired.Name)
		}
		return api.ActionCreated, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "get deployment %s", desired.Name)
	}
	if existing.Annotations[specHashAnnotation] == hash {
		return api.ActionUnchanged, nil
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return "", errors.Wrapf(err, "update deployment %s", desired.Name)
	}
	return api.ActionUpdated, nil
}

func (p *Provisioner) applyService(ctx context.Context, desired *corev1.Service) (api.ObjectAction, error) {
	hash, err := specHash(desired.Labels, desired.Spec)
	if err != nil {
		return "", err
	}
	desired.Annotations = map[string]string{specHashAnnotation: hash}

	services := p.client.CoreV1().Services(desired.Namespace)
	existing, err := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := services.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return "", errors.Wrapf(err, "create service %s", desired.Name)
		}
		return api.ActionCreated, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "get service %s", desired.Name)
	}
	if existing.Annotations[specHashAnnotation] == hash {
		return api.ActionUnchanged, nil
	}
	desired.ResourceVersion = existing.ResourceVersion
	// ClusterIP is immutable; carry the allocated one into the update.
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.Spec.ClusterIPs = existing.Spec.ClusterIPs
	if _, err := services.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return "", errors.Wrapf(err, "update service %s", desired.Name)
	}
	return api.ActionUpdated, nil
}

func (p *Provisioner) waitForRollouts(ctx context.Context, manifest *api.Manifest) error {
	if p.waitTimeout <= 0 {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.waitTimeout)
	defer cancel()

	for _, comp := range manifest.Components {
		name := comp.Name
		klog.Infof("Waiting for deployment %s/%s to become ready", manifest.Namespace, name)
		err := wait.PollUntilContextCancel(waitCtx, p.pollInterval, true, func(ctx context.Context) (bool, error) {
			dep, err := p.client.AppsV1().Deployments(manifest.Namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return false, err
			}
			status := kube.DeploymentRollout(dep)
			if status.FailureMessage != "" {
				return false, errors.Errorf("deployment %s: %s", name, status.FailureMessage)
			}
			return status.Complete, nil
		})
		if err != nil {
			return errors.Wrapf(err, "component %s did not become ready within %s", name, p.waitTimeout)
		}
		klog.Infof("Deployment %s/%s is ready", manifest.Namespace, name)
	}
	return nil
}

// specHash fingerprints the fields kred owns on an object. Kubernetes JSON
// encoding is deterministic, so equal specs hash equal.
func specHash(labels map[string]string, spec any) (string, error) {
	raw, err := json.Marshal(struct {
		Labels map[string]string `json:"labels"`
		Spec   any               `json:"spec"`
	}{Labels: labels, Spec: spec})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
