// Package scheduler drives periodic trigger passes from cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicateJob = errors.New("scheduler: job already exists")
	ErrEmptySpec    = errors.New("scheduler: schedule is required")
)

// Target is anything that runs one pass per scheduler tick.
type Target interface {
	OnSchedulerTick()
}

// TargetFunc adapts a plain function to Target.
type TargetFunc func()

func (f TargetFunc) OnSchedulerTick() { f() }

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse accepts five- or six-field cron expressions and descriptors such as
// "@every 2s".
func Parse(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, ErrEmptySpec
	}
	return parser.Parse(spec)
}

// Scheduler owns one cron runner. A pass that is still running when its next
// tick fires is skipped rather than queued.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

func New(logger zerolog.Logger) *Scheduler {
	adapter := cronLogger{log: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		log:  logger,
		jobs: make(map[string]cron.EntryID),
	}
}

// Add schedules target under name.
func (s *Scheduler) Add(name, spec string, target Target) error {
	schedule, err := Parse(spec)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateJob, name)
	}
	id := s.cron.Schedule(schedule, cron.FuncJob(target.OnSchedulerTick))
	s.jobs[name] = id
	s.log.Info().Str("job", name).Str("schedule", spec).Msg("job scheduled")
	return nil
}

func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.jobs, name)
	return true
}

// Next returns the next activation of name. It is zero until Run starts.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Run starts the runner and blocks until ctx is done, then waits for
// in-flight passes to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
	return nil
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg("cron " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron " + msg)
}
