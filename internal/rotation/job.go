// Package rotation implements the zero-downtime secret rotation engine:
// a coordinator that walks one secret through generate/update/restart/verify
// with all-or-nothing rollback, and a scheduler that decides when secrets
// are due and bounds how many rotate at once.
package rotation

import (
	"time"

	"github.com/kubekattle/kred/pkg/api"
)

// Observer receives rotation events as they happen. Used to feed the
// websocket stream and CLI watch output; may be nil.
type Observer func(api.RotationEvent)

// job tracks one rotation through the state machine. It lives on a single
// goroutine; the coordinator owns it end to end.
type job struct {
	namespace string
	secret    string
	forced    bool

	state          api.RotationState
	transitions    []api.Transition
	workloads      []string
	updateAttempts int
	rolledBack     bool
	failureReason  string
	startedAt      time.Time

	observer Observer
	clock    func() time.Time
}

func newJob(namespace, secret string, forced bool, observer Observer, clock func() time.Time) *job {
	j := &job{
		namespace: namespace,
		secret:    secret,
		forced:    forced,
		observer:  observer,
		clock:     clock,
	}
	j.startedAt = clock()
	j.state = api.RotationPending
	j.transitions = append(j.transitions, api.Transition{State: api.RotationPending, At: j.startedAt})
	j.publish(api.RotationPending, "")
	return j
}

func (j *job) transition(state api.RotationState, note string) {
	j.state = state
	j.transitions = append(j.transitions, api.Transition{State: state, At: j.clock(), Note: note})
	j.publish(state, note)
}

func (j *job) fail(reason string) {
	j.failureReason = reason
	j.transition(api.RotationFailed, reason)
}

func (j *job) publish(state api.RotationState, note string) {
	if j.observer == nil {
		return
	}
	j.observer(api.RotationEvent{
		Time:      j.clock(),
		Namespace: j.namespace,
		Secret:    j.secret,
		State:     state,
		Note:      note,
	})
}

func (j *job) result() api.RotationResult {
	return api.RotationResult{
		Secret:         j.secret,
		Namespace:      j.namespace,
		State:          j.state,
		Forced:         j.forced,
		Workloads:      append([]string(nil), j.workloads...),
		StartedAt:      j.startedAt,
		FinishedAt:     j.clock(),
		UpdateAttempts: j.updateAttempts,
		Transitions:    append([]api.Transition(nil), j.transitions...),
		RolledBack:     j.rolledBack,
		FailureReason:  j.failureReason,
	}
}
