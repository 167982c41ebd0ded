// Package secretstore performs typed CRUD on kred-managed Kubernetes
// Secrets. Rotation metadata rides on annotations, writes use optimistic
// concurrency, and nothing in this package ever logs a secret value.
package secretstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/kubekattle/kred/pkg/api"
)

// Action says what a write ended up doing.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// Store wraps a clientset with the managed-secret operations kred needs.
type Store struct {
	client kubernetes.Interface
	logger logr.Logger
	clock  func() time.Time
}

// New builds a Store. The logger only ever receives names, key names, and
// counts.
func New(client kubernetes.Interface, logger logr.Logger) *Store {
	return &Store{client: client, logger: logger, clock: time.Now}
}

// Versioned couples secret data with the cluster version it was read at, so
// a later Update can detect concurrent writers.
type Versioned struct {
	Data    map[string]string
	Meta    Metadata
	Version string
	// Managed reports whether the secret carries the kred managed-by label.
	// Rotation refuses secrets that lack it.
	Managed bool
}

// Create writes a new managed secret. Re-creating an identical secret is a
// no-op; differing content fails with ErrAlreadyExists unless force is set,
// in which case the existing secret is overwritten (its rotation count
// survives the overwrite).
func (s *Store) Create(ctx context.Context, namespace, name string, data map[string]string, meta Metadata, force bool) (Action, error) {
	if meta.LastRotatedAt.IsZero() {
		meta.LastRotatedAt = s.clock().UTC()
	}
	desired := newSecret(namespace, name, data, meta)
	_, err := s.client.CoreV1().Secrets(namespace).Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		s.logger.V(1).Info("created managed secret", "namespace", namespace, "name", name, "keys", len(data))
		return ActionCreated, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return "", wrapAPIError("create secret", namespace, name, err)
	}

	existing, getErr := s.client.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if getErr != nil {
		return "", wrapAPIError("read existing secret", namespace, name, getErr)
	}
	if sameContent(existing, data, meta) {
		return ActionUnchanged, nil
	}
	if !force {
		return "", fmt.Errorf("create secret %s/%s: %w", namespace, name, ErrAlreadyExists)
	}

	// Forced overwrite keeps the rotation history alive.
	prior := metadataFromAnnotations(existing.Annotations)
	meta.RotationCount = prior.RotationCount
	desired = newSecret(namespace, name, data, meta)
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := s.client.CoreV1().Secrets(namespace).Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return "", wrapAPIError("overwrite secret", namespace, name, err)
	}
	s.logger.V(1).Info("overwrote managed secret", "namespace", namespace, "name", name, "keys", len(data))
	return ActionUpdated, nil
}

// Get reads a managed secret together with its version.
func (s *Store) Get(ctx context.Context, namespace, name string) (*Versioned, error) {
	secret, err := s.client.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, wrapAPIError("get secret", namespace, name, err)
	}
	return versionedFromSecret(secret), nil
}

// Update replaces a secret's data and metadata using check-and-set
// semantics: when expectedVersion no longer matches the cluster, the write
// fails with ErrConflict and none of the data is applied.
func (s *Store) Update(ctx context.Context, namespace, name string, data map[string]string, meta Metadata, expectedVersion string) (string, error) {
	desired := newSecret(namespace, name, data, meta)
	desired.ResourceVersion = expectedVersion
	updated, err := s.client.CoreV1().Secrets(namespace).Update(ctx, desired, metav1.UpdateOptions{})
	if err != nil {
		return "", wrapAPIError("update secret", namespace, name, err)
	}
	s.logger.V(1).Info("updated managed secret", "namespace", namespace, "name", name, "keys", len(data))
	return updated.ResourceVersion, nil
}

// Touch records a completed rotation: rotation count up by one, last-rotated
// set to rotatedAt. It reads fresh state first, so a conflicting writer
// surfaces as ErrConflict for the caller's retry loop.
func (s *Store) Touch(ctx context.Context, namespace, name string, rotatedAt time.Time) (Metadata, error) {
	current, err := s.Get(ctx, namespace, name)
	if err != nil {
		return Metadata{}, err
	}
	meta := current.Meta
	meta.RotationCount++
	meta.LastRotatedAt = rotatedAt.UTC()
	if _, err := s.Update(ctx, namespace, name, current.Data, meta, current.Version); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// List returns the managed secrets in a namespace as sanitized records,
// sorted by name.
func (s *Store) List(ctx context.Context, namespace string) ([]api.SecretRecord, error) {
	selector := labels.Set{ManagedByLabel: ManagedByValue}.AsSelector().String()
	list, err := s.client.CoreV1().Secrets(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, wrapAPIError("list secrets", namespace, "*", err)
	}
	now := s.clock()
	records := make([]api.SecretRecord, 0, len(list.Items))
	for i := range list.Items {
		records = append(records, RecordFromSecret(&list.Items[i], now))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// RecordFromSecret builds the sanitized record for one managed secret: key
// names and metadata only, never data.
func RecordFromSecret(secret *corev1.Secret, now time.Time) api.SecretRecord {
	meta := metadataFromAnnotations(secret.Annotations)
	keys := make([]string, 0, len(secret.Data))
	for key := range secret.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	record := api.SecretRecord{
		Name:               secret.Name,
		Namespace:          secret.Namespace,
		Kind:               meta.Kind,
		SecurityLevel:      meta.SecurityLevel,
		RotationPolicyDays: meta.RotationPolicyDays,
		RotationCount:      meta.RotationCount,
		LastRotatedAt:      meta.LastRotatedAt,
		Keys:               keys,
	}
	if !meta.LastRotatedAt.IsZero() {
		record.AgeDays = now.Sub(meta.LastRotatedAt).Hours() / 24
	}
	return record
}

func newSecret(namespace, name string, data map[string]string, meta Metadata) *corev1.Secret {
	encoded := make(map[string][]byte, len(data))
	for key, value := range data {
		encoded[key] = []byte(value)
	}
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   namespace,
			Labels:      map[string]string{ManagedByLabel: ManagedByValue},
			Annotations: meta.annotations(),
		},
		Type: corev1.SecretTypeOpaque,
		Data: encoded,
	}
}

func versionedFromSecret(secret *corev1.Secret) *Versioned {
	data := make(map[string]string, len(secret.Data))
	for key, value := range secret.Data {
		data[key] = string(value)
	}
	return &Versioned{
		Data:    data,
		Meta:    metadataFromAnnotations(secret.Annotations),
		Version: secret.ResourceVersion,
		Managed: secret.Labels[ManagedByLabel] == ManagedByValue,
	}
}

// sameContent ignores rotation bookkeeping (count, last-rotated) so an
// idempotent re-create of the same declaration reads as unchanged.
func sameContent(existing *corev1.Secret, data map[string]string, meta Metadata) bool {
	current := versionedFromSecret(existing)
	if !reflect.DeepEqual(current.Data, data) {
		return false
	}
	return current.Meta.Kind == meta.Kind &&
		current.Meta.SecurityLevel == meta.SecurityLevel &&
		current.Meta.RotationPolicyDays == meta.RotationPolicyDays
}
