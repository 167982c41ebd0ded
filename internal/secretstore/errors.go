package secretstore

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Store failures collapse onto this small set so callers can decide between
// retrying and giving up with errors.Is.
var (
	// ErrNotFound means the secret does not exist in the namespace.
	ErrNotFound = errors.New("secret not found")
	// ErrConflict means the secret changed since it was read; re-read and retry.
	ErrConflict = errors.New("secret version conflict")
	// ErrPermissionDenied means RBAC rejected the operation; never retried.
	ErrPermissionDenied = errors.New("secret access denied")
	// ErrAlreadyExists means a create collided with different existing content.
	ErrAlreadyExists = errors.New("secret already exists with different content")
)

func wrapAPIError(op, namespace, name string, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%s %s/%s: %w", op, namespace, name, ErrNotFound)
	case apierrors.IsConflict(err):
		return fmt.Errorf("%s %s/%s: %w", op, namespace, name, ErrConflict)
	case apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err):
		return fmt.Errorf("%s %s/%s: %v: %w", op, namespace, name, err, ErrPermissionDenied)
	default:
		return fmt.Errorf("%s %s/%s: %w", op, namespace, name, err)
	}
}

// IsRetryable reports whether a store failure is worth retrying. Only version
// conflicts qualify; everything else is either permanent or needs operator
// attention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
