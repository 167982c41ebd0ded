package rotation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/kubekattle/kred/pkg/api"
)

type stubLister struct {
	records []api.SecretRecord
	err     error
}

func (s *stubLister) List(ctx context.Context, namespace string) ([]api.SecretRecord, error) {
	return s.records, s.err
}

type stubRotator struct {
	mu       sync.Mutex
	calls    []string
	blockOn  chan struct{}
	started  chan struct{}
	blockFor int
}

func (s *stubRotator) Rotate(ctx context.Context, namespace, name string, forced bool) api.RotationResult {
	s.mu.Lock()
	s.calls = append(s.calls, namespace+"/"+name)
	call := len(s.calls)
	s.mu.Unlock()
	if s.blockOn != nil && call <= s.blockFor {
		if s.started != nil {
			s.started <- struct{}{}
		}
		select {
		case <-s.blockOn:
		case <-ctx.Done():
			return api.RotationResult{
				Secret:        name,
				Namespace:     namespace,
				State:         api.RotationFailed,
				Forced:        forced,
				FailureReason: "preempted",
			}
		}
	}
	return api.RotationResult{Secret: name, Namespace: namespace, State: api.RotationCompleted, Forced: forced}
}

func (s *stubRotator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func record(name string, policyDays int, age time.Duration, now time.Time) api.SecretRecord {
	rec := api.SecretRecord{Name: name, Namespace: "default", RotationPolicyDays: policyDays}
	if age >= 0 {
		rec.LastRotatedAt = now.Add(-age)
	}
	return rec
}

func TestDueAppliesPolicyWindow(t *testing.T) {
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		rec  api.SecretRecord
		want bool
	}{
		{name: "eight days old on a seven day policy", rec: record("a", 7, 8*24*time.Hour, now), want: true},
		{name: "exactly at the policy boundary", rec: record("b", 7, 7*24*time.Hour, now), want: true},
		{name: "six days old on a seven day policy", rec: record("c", 7, 6*24*time.Hour, now), want: false},
		{name: "no policy never rotates on the loop", rec: record("d", 0, 400*24*time.Hour, now), want: false},
		{name: "never stamped rotates immediately", rec: record("e", 7, -1, now), want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := due(tc.rec, now); got != tc.want {
				t.Fatalf("due = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLaunchIsSingleFlightPerSecret(t *testing.T) {
	rot := &stubRotator{blockOn: make(chan struct{}), blockFor: 1, started: make(chan struct{}, 1)}
	sched := NewScheduler(&stubLister{}, rot, logr.Discard(), SchedulerConfig{MaxConcurrent: 4})

	if !sched.launch(context.Background(), "default", "db-creds", false) {
		t.Fatalf("first launch must start a job")
	}
	<-rot.started
	if sched.launch(context.Background(), "default", "db-creds", false) {
		t.Fatalf("second launch for the same secret must be rejected while in flight")
	}
	if !sched.launch(context.Background(), "default", "other", false) {
		t.Fatalf("a different secret must not be blocked")
	}

	close(rot.blockOn)
	sched.drain()
	if got := rot.callCount(); got != 2 {
		t.Fatalf("expected 2 rotations, got %d", got)
	}
	if !sched.launch(context.Background(), "default", "db-creds", false) {
		t.Fatalf("launch must work again once the previous job finished")
	}
	sched.drain()
}

func TestSweepEnqueuesOnlyDueSecrets(t *testing.T) {
	now := time.Now()
	lister := &stubLister{records: []api.SecretRecord{
		record("due-secret", 7, 8*24*time.Hour, now),
		record("fresh-secret", 7, 1*24*time.Hour, now),
		record("no-policy", 0, 100*24*time.Hour, now),
	}}
	rot := &stubRotator{}
	sched := NewScheduler(lister, rot, logr.Discard(), SchedulerConfig{})

	sched.sweep(context.Background())
	sched.drain()

	if got := rot.callCount(); got != 1 {
		t.Fatalf("expected exactly one rotation, got %d (%v)", got, rot.calls)
	}
	if rot.calls[0] != "default/due-secret" {
		t.Fatalf("rotated the wrong secret: %s", rot.calls[0])
	}
}

func TestRotateNamespaceForceAllIgnoresPolicy(t *testing.T) {
	now := time.Now()
	lister := &stubLister{records: []api.SecretRecord{
		record("zeta", 7, 1*24*time.Hour, now),
		record("alpha", 7, 8*24*time.Hour, now),
	}}
	rot := &stubRotator{}
	sched := NewScheduler(lister, rot, logr.Discard(), SchedulerConfig{MaxConcurrent: 2})

	results, err := sched.RotateNamespace(context.Background(), "default", false)
	if err != nil {
		t.Fatalf("rotate namespace: %v", err)
	}
	if len(results) != 1 || results[0].Secret != "alpha" {
		t.Fatalf("expected only the due secret, got %v", results)
	}

	results, err = sched.RotateNamespace(context.Background(), "default", true)
	if err != nil {
		t.Fatalf("forced rotate namespace: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("forceAll must rotate everything, got %d results", len(results))
	}
	if results[0].Secret != "alpha" || results[1].Secret != "zeta" {
		t.Fatalf("results must be sorted by secret name: %v", results)
	}
	for _, result := range results {
		if !result.Forced {
			t.Fatalf("forced sweep must mark results forced: %+v", result)
		}
	}
}

func TestRotateNamespaceSkipsSecretsAlreadyInFlight(t *testing.T) {
	now := time.Now()
	lister := &stubLister{records: []api.SecretRecord{
		record("db-creds", 7, 8*24*time.Hour, now),
		record("api-token", 7, 8*24*time.Hour, now),
	}}
	rot := &stubRotator{blockOn: make(chan struct{}), blockFor: 1, started: make(chan struct{}, 1)}
	sched := NewScheduler(lister, rot, logr.Discard(), SchedulerConfig{MaxConcurrent: 4})

	// The loop already owns db-creds and is parked mid-rotation.
	if !sched.launch(context.Background(), "default", "db-creds", false) {
		t.Fatalf("launch must start the background job")
	}
	<-rot.started

	results, err := sched.RotateNamespace(context.Background(), "default", false)
	if err != nil {
		t.Fatalf("rotate namespace: %v", err)
	}
	if len(results) != 1 || results[0].Secret != "api-token" {
		t.Fatalf("sweep must rotate only the idle secret, got %v", results)
	}
	seen := map[string]int{}
	rot.mu.Lock()
	for _, call := range rot.calls {
		seen[call]++
	}
	rot.mu.Unlock()
	if seen["default/db-creds"] != 1 {
		t.Fatalf("db-creds must have exactly one in-flight rotation, got %d (calls %v)", seen["default/db-creds"], rot.calls)
	}

	close(rot.blockOn)
	sched.drain()

	// With the background job finished the one-shot sweep owns it again.
	results, err = sched.RotateNamespace(context.Background(), "default", false)
	if err != nil {
		t.Fatalf("rotate namespace after drain: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both secrets once the first job released, got %v", results)
	}
}

func TestForceRotatePreemptsInflightJob(t *testing.T) {
	rot := &stubRotator{blockOn: make(chan struct{}), blockFor: 1, started: make(chan struct{}, 1)}
	sched := NewScheduler(&stubLister{}, rot, logr.Discard(), SchedulerConfig{MaxConcurrent: 1})

	if !sched.launch(context.Background(), "default", "db-creds", false) {
		t.Fatalf("launch must start the background job")
	}
	<-rot.started

	result, err := sched.ForceRotate(context.Background(), "default", "db-creds")
	if err != nil {
		t.Fatalf("force rotate: %v", err)
	}
	if !result.Succeeded() || !result.Forced {
		t.Fatalf("expected a forced completed rotation, got %+v", result)
	}
	if got := rot.callCount(); got != 2 {
		t.Fatalf("expected the preempted job plus the forced job, got %d calls", got)
	}
}
