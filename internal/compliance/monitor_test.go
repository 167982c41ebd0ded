package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/kubekattle/kred/internal/secretstore"
	"github.com/kubekattle/kred/pkg/api"
)

func newTestMonitor(client *fake.Clientset, sinks ...Sink) *Monitor {
	store := secretstore.New(client, logr.Discard())
	collector := NewCollector(client, nil, store, logr.Discard())
	return NewMonitor(collector, logr.Discard(), time.Hour, Options{Namespace: "default"}, sinks...)
}

func TestMonitorScansImmediatelyAndStopsOnCancel(t *testing.T) {
	client := fake.NewSimpleClientset(
		managedSecretFixture("db-credentials", 30, time.Now().Add(-24*time.Hour)),
		serviceFixture("api", corev1.ServiceTypeClusterIP, nil),
	)
	scanned := make(chan *api.Report, 1)
	m := newTestMonitor(client, func(report *api.Report) {
		select {
		case scanned <- report:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case report := <-scanned:
		if report.Namespace != "default" {
			t.Fatalf("report namespace = %q", report.Namespace)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not scan on startup")
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}

func TestMonitorFansOutToEverySink(t *testing.T) {
	client := fake.NewSimpleClientset(serviceFixture("api", corev1.ServiceTypeClusterIP, nil))
	var first, second int
	m := newTestMonitor(client,
		func(*api.Report) { first++ },
		func(*api.Report) { second++ },
	)

	m.scan(context.Background())
	m.scan(context.Background())
	if first != 2 || second != 2 {
		t.Fatalf("sink calls = %d, %d; want 2 each", first, second)
	}
	for _, action := range client.Actions() {
		if action.GetVerb() != "list" {
			t.Fatalf("monitor issued a %s on %s; watches must stay read-only", action.GetVerb(), action.GetResource().Resource)
		}
	}
}

func TestMonitorSkipsSinksWhenScanFails(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("list", "secrets", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewServiceUnavailable("api server draining")
	})
	var calls int
	m := newTestMonitor(client, func(*api.Report) { calls++ })

	m.scan(context.Background())
	if calls != 0 {
		t.Fatalf("sinks ran %d times on a failed scan", calls)
	}
}
