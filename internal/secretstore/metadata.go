package secretstore

import (
	"strconv"
	"time"

	"github.com/kubekattle/kred/pkg/api"
)

// Annotations and labels kred stamps onto the secrets it manages.
const (
	annotationPrefix = "kred.kubekattle.io/"

	AnnotationSecretKind    = annotationPrefix + "secret-kind"
	AnnotationPolicyDays    = annotationPrefix + "rotation-policy-days"
	AnnotationSecurityLevel = annotationPrefix + "security-level"
	AnnotationRotationCount = annotationPrefix + "rotation-count"
	AnnotationLastRotated   = annotationPrefix + "last-rotated"

	// ManagedByLabel marks secrets eligible for rotation and scanning.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "kred"
)

// Metadata is the rotation contract attached to a managed secret.
type Metadata struct {
	Kind               string
	SecurityLevel      api.SecurityLevel
	RotationPolicyDays int
	RotationCount      int
	LastRotatedAt      time.Time
}

func (m Metadata) annotations() map[string]string {
	ann := map[string]string{
		AnnotationPolicyDays:    strconv.Itoa(m.RotationPolicyDays),
		AnnotationRotationCount: strconv.Itoa(m.RotationCount),
	}
	if m.Kind != "" {
		ann[AnnotationSecretKind] = m.Kind
	}
	if m.SecurityLevel != "" {
		ann[AnnotationSecurityLevel] = string(m.SecurityLevel)
	}
	if !m.LastRotatedAt.IsZero() {
		ann[AnnotationLastRotated] = m.LastRotatedAt.UTC().Format(time.RFC3339)
	}
	return ann
}

// metadataFromAnnotations tolerates missing or garbled values: unparseable
// numbers read as zero and bad timestamps read as the zero time, which the
// scheduler treats as overdue rather than failing the sweep.
func metadataFromAnnotations(ann map[string]string) Metadata {
	meta := Metadata{
		Kind:          ann[AnnotationSecretKind],
		SecurityLevel: api.SecurityLevel(ann[AnnotationSecurityLevel]),
	}
	if raw, ok := ann[AnnotationPolicyDays]; ok {
		if days, err := strconv.Atoi(raw); err == nil && days >= 0 {
			meta.RotationPolicyDays = days
		}
	}
	if raw, ok := ann[AnnotationRotationCount]; ok {
		if count, err := strconv.Atoi(raw); err == nil && count >= 0 {
			meta.RotationCount = count
		}
	}
	if raw, ok := ann[AnnotationLastRotated]; ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			meta.LastRotatedAt = ts
		}
	}
	return meta
}

// Age returns how long ago the secret was last rotated. A secret without a
// last-rotated stamp reports an age past any policy window.
func (m Metadata) Age(now time.Time) time.Duration {
	if m.LastRotatedAt.IsZero() {
		return 1<<62 - 1
	}
	return now.Sub(m.LastRotatedAt)
}
