package rotation

import (
	"fmt"
	"strings"
	"time"
)

// RolloutTimeoutError means a workload did not finish rolling within the
// verification window. The secret itself was already updated, so the caller
// rolls everything back.
type RolloutTimeoutError struct {
	Namespace string
	Workload  string
	Ready     int32
	Desired   int32
	Elapsed   time.Duration
}

func (e *RolloutTimeoutError) Error() string {
	return fmt.Sprintf("workload %s/%s not ready after %s (%d/%d replicas ready)",
		e.Namespace, e.Workload, e.Elapsed.Round(time.Second), e.Ready, e.Desired)
}

// AvailabilityBreachError means ready replicas dropped below the floor the
// rollout strategy and disruption budgets promise. Verification aborts on
// the first breached sample rather than waiting out the timeout.
type AvailabilityBreachError struct {
	Namespace string
	Workload  string
	Ready     int32
	Floor     int32
}

func (e *AvailabilityBreachError) Error() string {
	return fmt.Sprintf("workload %s/%s dropped to %d ready replicas, below the availability floor of %d",
		e.Namespace, e.Workload, e.Ready, e.Floor)
}

// PartialRotationError reports a rotation where some workloads never picked
// up the new credential. The rotation is rolled back as a unit, so this is
// diagnostic detail rather than a live split-brain.
type PartialRotationError struct {
	Secret   string
	Failed   []string
	Verified []string
	Cause    error
}

func (e *PartialRotationError) Error() string {
	msg := fmt.Sprintf("rotation of %s failed for workloads [%s]: %v",
		e.Secret, strings.Join(e.Failed, ", "), e.Cause)
	if len(e.Verified) > 0 {
		msg += fmt.Sprintf(" (rolling back verified workloads [%s] with it)", strings.Join(e.Verified, ", "))
	}
	return msg
}

func (e *PartialRotationError) Unwrap() error { return e.Cause }
