package rotation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/kubekattle/kred/pkg/api"
)

const (
	defaultSweepInterval = time.Minute
	defaultMaxConcurrent = 3
)

// secretLister narrows secretstore.Store to what sweeps need.
type secretLister interface {
	List(ctx context.Context, namespace string) ([]api.SecretRecord, error)
}

// rotator narrows Coordinator to the one call the scheduler makes.
type rotator interface {
	Rotate(ctx context.Context, namespace, name string, forced bool) api.RotationResult
}

// SchedulerConfig tunes the rotation loop. Zero values pick defaults.
type SchedulerConfig struct {
	Namespace     string
	Interval      time.Duration
	MaxConcurrent int64
}

// Scheduler decides when managed secrets are due and hands them to the
// coordinator. Each secret rotates on at most one goroutine at a time, and
// a weighted semaphore bounds how many rotate in parallel.
type Scheduler struct {
	lister    secretLister
	rotator   rotator
	logger    logr.Logger
	namespace string
	interval  time.Duration
	sem       *semaphore.Weighted
	clock     func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflightEntry
}

type inflightEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(lister secretLister, rot rotator, logger logr.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	return &Scheduler{
		lister:    lister,
		rotator:   rot,
		logger:    logger,
		namespace: cfg.Namespace,
		interval:  cfg.Interval,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		clock:     time.Now,
		inflight:  map[string]*inflightEntry{},
	}
}

// Run sweeps immediately, then on every tick, until the context ends. In-
// flight rotations are allowed to finish (they roll back on their own if
// their context is cut).
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	records, err := s.lister.List(ctx, s.namespace)
	if err != nil {
		s.logger.Error(err, "rotation sweep could not list secrets", "namespace", s.namespace)
		return
	}
	now := s.clock()
	launched := 0
	for _, record := range records {
		if !due(record, now) {
			continue
		}
		if s.launch(ctx, record.Namespace, record.Name, false) {
			launched++
		}
	}
	if launched > 0 {
		s.logger.Info("rotation sweep enqueued due secrets", "namespace", s.namespace, "count", launched)
	}
}

// due applies the rotation policy: a secret with no policy never rotates on
// the loop, one that was never stamped rotates immediately.
func due(record api.SecretRecord, now time.Time) bool {
	if record.RotationPolicyDays <= 0 {
		return false
	}
	if record.LastRotatedAt.IsZero() {
		return true
	}
	return now.Sub(record.LastRotatedAt) >= time.Duration(record.RotationPolicyDays)*24*time.Hour
}

// tryAcquire registers the secret in the in-flight map. Every rotation,
// whatever entry point started it, goes through here: the map is what makes
// one in-flight job per secret hold across the loop, forced rotations, and
// one-shot sweeps on the same Scheduler. The release closure must be called
// exactly once when the job is over.
func (s *Scheduler) tryAcquire(ctx context.Context, key string) (context.Context, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return nil, nil, false
	}
	jobCtx, cancel := context.WithCancel(ctx)
	entry := &inflightEntry{cancel: cancel, done: make(chan struct{})}
	s.inflight[key] = entry
	release := func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		cancel()
		close(entry.done)
	}
	return jobCtx, release, true
}

// launch starts a rotation goroutine unless one is already in flight for
// the same secret. Reports whether a new job was started.
func (s *Scheduler) launch(ctx context.Context, namespace, name string, forced bool) bool {
	jobCtx, release, ok := s.tryAcquire(ctx, namespace+"/"+name)
	if !ok {
		return false
	}
	go func() {
		defer release()
		if err := s.sem.Acquire(jobCtx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		result := s.rotator.Rotate(jobCtx, namespace, name, forced)
		s.logResult(result)
	}()
	return true
}

// ForceRotate preempts any in-flight job for the secret, waits for it to
// release, then rotates immediately regardless of policy age.
func (s *Scheduler) ForceRotate(ctx context.Context, namespace, name string) (api.RotationResult, error) {
	key := namespace + "/" + name
	for {
		if jobCtx, release, ok := s.tryAcquire(ctx, key); ok {
			defer release()
			if err := s.sem.Acquire(jobCtx, 1); err != nil {
				return api.RotationResult{}, err
			}
			defer s.sem.Release(1)
			return s.rotator.Rotate(jobCtx, namespace, name, true), nil
		}

		s.mu.Lock()
		entry, busy := s.inflight[key]
		s.mu.Unlock()
		if !busy {
			// Released between the failed acquire and the re-read; try again.
			continue
		}
		s.logger.Info("preempting in-flight rotation", "namespace", namespace, "secret", name)
		entry.cancel()
		select {
		case <-entry.done:
		case <-ctx.Done():
			return api.RotationResult{}, ctx.Err()
		}
	}
}

// RotateNamespace is the one-shot sweep behind `kred rotate`: rotate every
// due (or, with forceAll, every managed) secret in the namespace and wait
// for all results.
func (s *Scheduler) RotateNamespace(ctx context.Context, namespace string, forceAll bool) ([]api.RotationResult, error) {
	records, err := s.lister.List(ctx, namespace)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []api.RotationResult
	)
	for _, record := range records {
		if !forceAll && !due(record, now) {
			continue
		}
		record := record
		jobCtx, release, ok := s.tryAcquire(ctx, record.Namespace+"/"+record.Name)
		if !ok {
			// The loop or a forced call already owns this secret; one
			// in-flight rotation per secret, so the sweep leaves it alone.
			s.logger.Info("skipping secret with a rotation already in flight",
				"namespace", record.Namespace, "secret", record.Name)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			if err := s.sem.Acquire(jobCtx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)
			result := s.rotator.Rotate(jobCtx, record.Namespace, record.Name, forceAll)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Secret < results[j].Secret })
	return results, nil
}

func (s *Scheduler) drain() {
	s.mu.Lock()
	entries := make([]*inflightEntry, 0, len(s.inflight))
	for _, entry := range s.inflight {
		entries = append(entries, entry)
	}
	s.mu.Unlock()
	for _, entry := range entries {
		<-entry.done
	}
}

func (s *Scheduler) logResult(result api.RotationResult) {
	if result.Succeeded() {
		s.logger.Info("rotation completed",
			"namespace", result.Namespace,
			"secret", result.Secret,
			"workloads", len(result.Workloads),
			"attempts", result.UpdateAttempts)
		return
	}
	s.logger.Info("rotation did not complete",
		"namespace", result.Namespace,
		"secret", result.Secret,
		"state", string(result.State),
		"rolledBack", result.RolledBack,
		"reason", result.FailureReason)
}
