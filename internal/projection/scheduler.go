package projection

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Scheduler installs and removes recurring named tasks.
type Scheduler interface {
	Schedule(name string, interval time.Duration, task func()) error
	Unschedule(name string) error
}

// CronScheduler runs projection ticks as gocron duration jobs
type CronScheduler struct {
	scheduler gocron.Scheduler
	mu        sync.Mutex
	jobs      map[string]uuid.UUID
}

// NewCronScheduler creates and starts a gocron scheduler
func NewCronScheduler(clock clockwork.Clock) (*CronScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	scheduler.Start()

	return &CronScheduler{
		scheduler: scheduler,
		jobs:      make(map[string]uuid.UUID),
	}, nil
}

// Schedule runs task every interval. A tick that is still running when the
// next one is due is not overlapped.
func (s *CronScheduler) Schedule(name string, interval time.Duration, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return nil
	}

	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}

	s.jobs[name] = job.ID()
	return nil
}

// Unschedule removes the task. It does not wait for a running tick.
func (s *CronScheduler) Unschedule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.jobs[name]
	if !exists {
		return nil
	}
	delete(s.jobs, name)

	if err := s.scheduler.RemoveJob(id); err != nil {
		return fmt.Errorf("failed to unschedule %s: %w", name, err)
	}
	return nil
}

// Shutdown stops the scheduler and waits for running ticks
func (s *CronScheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}
