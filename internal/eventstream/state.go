package eventstream

import (
	"encoding/json"
	"sort"
	"sync"
)

// streamState caches the latest transition per secret plus the most recent
// scan summary so late-joining clients hydrate immediately instead of
// waiting for the next event.
type streamState struct {
	mu        sync.RWMutex
	rotations map[string]Event // namespace/secret -> latest transition
	scan      *Event
}

func newStreamState() *streamState {
	return &streamState{rotations: make(map[string]Event)}
}

func (s *streamState) Record(event Event) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch event.Type {
	case EventRotation:
		if event.Secret == "" {
			return
		}
		s.rotations[event.Namespace+"/"+event.Secret] = event
	case EventScan:
		// Per-workload critical frames are transient; only the summary is
		// worth replaying.
		if event.Workload == "" {
			s.scan = &event
		}
	}
}

func (s *streamState) Replay(out chan<- []byte) {
	if s == nil || out == nil {
		return
	}
	for _, evt := range s.snapshot() {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if !safeEnqueue(out, payload) {
			return
		}
	}
}

func (s *streamState) snapshot() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.rotations))
	for key := range s.rotations {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	events := make([]Event, 0, len(keys)+1)
	for _, key := range keys {
		events = append(events, s.rotations[key])
	}
	if s.scan != nil {
		events = append(events, *s.scan)
	}
	return events
}

// safeEnqueue tolerates the client closing its channel mid-replay.
func safeEnqueue(out chan<- []byte, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	ok = true
	out <- payload
	return
}
