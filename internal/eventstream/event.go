// event.go defines the JSON frames mirrored to `--ws-listen` clients.
package eventstream

import (
	"fmt"
	"time"

	"github.com/kubekattle/kred/pkg/api"
)

// Frame types.
const (
	EventRotation = "rotation"
	EventScan     = "scan"
)

// Event is one frame on the wire. Frames carry names, states and counts
// only; secret data never enters an event.
type Event struct {
	Time      time.Time `json:"time"`
	Type      string    `json:"type"`
	Namespace string    `json:"namespace,omitempty"`
	Secret    string    `json:"secret,omitempty"`
	Workload  string    `json:"workload,omitempty"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// RotationFrame converts a rotation transition into its wire form.
func RotationFrame(evt api.RotationEvent) Event {
	return Event{
		Time:      evt.Time,
		Type:      EventRotation,
		Namespace: evt.Namespace,
		Secret:    evt.Secret,
		State:     string(evt.State),
		Message:   evt.Note,
	}
}

// ScanFrame summarizes a finished compliance scan.
func ScanFrame(report *api.Report) Event {
	s := report.Summary
	return Event{
		Time:      report.GeneratedAt,
		Type:      EventScan,
		Namespace: report.Namespace,
		State:     string(report.Overall),
		Message: fmt.Sprintf("%d/%d secrets within policy, %d workloads averaging %.1f/5, %d critical findings",
			s.SecretsSecure, s.SecretsTotal, s.WorkloadsTotal, s.AverageHardeningScore, s.CriticalFindings),
	}
}

// CriticalFrames returns one frame per critical service finding so alerting
// hooks see the specific workload, not just the counts.
func CriticalFrames(report *api.Report) []Event {
	var frames []Event
	for _, svc := range report.Services {
		if !svc.Critical {
			continue
		}
		frames = append(frames, Event{
			Time:      report.GeneratedAt,
			Type:      EventScan,
			Namespace: svc.Namespace,
			Workload:  svc.Name,
			State:     string(api.OverallCritical),
			Message:   svc.Reason,
		})
	}
	return frames
}
