package eventstream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/kubekattle/kred/pkg/api"
)

func TestHubBroadcastDeliversMessages(t *testing.T) {
	h := newHub(logr.Discard())
	c := &client{send: make(chan []byte, 1), logger: logr.Discard()}
	h.Register(c)

	msg := []byte("hello")
	h.Broadcast(msg)

	select {
	case got := <-c.send:
		if string(got) != string(msg) {
			t.Fatalf("unexpected payload: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
}

func TestHubBroadcastDropsSlowClients(t *testing.T) {
	h := newHub(logr.Discard())
	c := &client{send: make(chan []byte, 1), logger: logr.Discard()}
	h.Register(c)
	c.send <- []byte("backlog")

	h.Broadcast([]byte("next"))

	waitForCondition(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.clients[c]
		return !ok
	})
}

func TestPublishStampsTimeAndBroadcasts(t *testing.T) {
	s := New("127.0.0.1:0", logr.Discard())
	c := &client{send: make(chan []byte, 4), logger: logr.Discard()}
	s.hub.Register(c)

	s.Publish(RotationFrame(api.RotationEvent{
		Namespace: "prod",
		Secret:    "db-credentials",
		State:     api.RotationVerifying,
	}))

	select {
	case payload := <-c.send:
		var decoded Event
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if decoded.Type != EventRotation || decoded.Secret != "db-credentials" || decoded.State != "VERIFYING" {
			t.Fatalf("frame = %+v", decoded)
		}
		if decoded.Time.IsZero() {
			t.Fatal("frame time must be stamped")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
	}
}

func TestStateReplaysLatestPerSecret(t *testing.T) {
	state := newStreamState()
	state.Record(Event{Type: EventRotation, Namespace: "prod", Secret: "db", State: "PENDING"})
	state.Record(Event{Type: EventRotation, Namespace: "prod", Secret: "db", State: "COMPLETED"})
	state.Record(Event{Type: EventRotation, Namespace: "prod", Secret: "api", State: "FAILED"})
	state.Record(Event{Type: EventScan, Namespace: "prod", State: "GOOD"})
	state.Record(Event{Type: EventScan, Namespace: "prod", Workload: "postgres", State: "CRITICAL"})

	out := make(chan []byte, 8)
	state.Replay(out)
	close(out)

	var replayed []Event
	for payload := range out {
		var evt Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			t.Fatalf("unmarshal replay frame: %v", err)
		}
		replayed = append(replayed, evt)
	}
	if len(replayed) != 3 {
		t.Fatalf("replayed %d frames, want 3: %+v", len(replayed), replayed)
	}
	if replayed[0].Secret != "api" || replayed[0].State != "FAILED" {
		t.Fatalf("frame[0] = %+v", replayed[0])
	}
	if replayed[1].Secret != "db" || replayed[1].State != "COMPLETED" {
		t.Fatalf("frame[1] = %+v, want the latest transition only", replayed[1])
	}
	if replayed[2].Type != EventScan || replayed[2].State != "GOOD" {
		t.Fatalf("frame[2] = %+v", replayed[2])
	}
}

func TestReplayStopsOnClosedChannel(t *testing.T) {
	state := newStreamState()
	state.Record(Event{Type: EventRotation, Namespace: "prod", Secret: "db", State: "PENDING"})
	out := make(chan []byte)
	close(out)
	state.Replay(out) // must not panic
}

func TestScanFrameSummarizesCounts(t *testing.T) {
	report := &api.Report{
		GeneratedAt: time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC),
		Namespace:   "prod",
		Overall:     api.OverallWarning,
		Summary: api.ReportSummary{
			SecretsTotal:          4,
			SecretsSecure:         3,
			WorkloadsTotal:        2,
			AverageHardeningScore: 4.5,
			CriticalFindings:      1,
		},
	}
	frame := ScanFrame(report)
	if frame.Type != EventScan || frame.State != "WARNING" || frame.Namespace != "prod" {
		t.Fatalf("frame = %+v", frame)
	}
	want := "3/4 secrets within policy, 2 workloads averaging 4.5/5, 1 critical findings"
	if frame.Message != want {
		t.Fatalf("message = %q, want %q", frame.Message, want)
	}
}

func TestCriticalFramesNameTheWorkload(t *testing.T) {
	report := &api.Report{
		GeneratedAt: time.Now(),
		Namespace:   "prod",
		Services: []api.ServiceFinding{
			{Name: "api", Namespace: "prod", Exposure: "LoadBalancer"},
			{Name: "postgres", Namespace: "prod", Exposure: "NodePort", DataTier: true, Critical: true, Reason: "data-tier service exposed via NodePort"},
		},
	}
	frames := CriticalFrames(report)
	if len(frames) != 1 {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[0].Workload != "postgres" || frames[0].State != "CRITICAL" {
		t.Fatalf("frame = %+v", frames[0])
	}
}

func waitForCondition(t *testing.T, ok func() bool) {
	t.Helper()
	deadline := time.After(500 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("condition not met before timeout")
		case <-ticker.C:
			if ok() {
				return
			}
		}
	}
}
