// Package cron runs named housekeeping jobs on cron schedules and keeps the
// outcome of their last run.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// parser accepts the six-field (with seconds) expressions used by the
// scheduler as well as descriptors like "@every 1h".
var parser = rcron.NewParser(
	rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

var ErrJobNotFound = errors.New("cron: job not found")

// JobFunc does the work. The returned string is a short summary for logs.
type JobFunc func(ctx context.Context) (string, error)

type JobState struct {
	LastRunAt  time.Time
	LastStatus string // "ok" or "error", empty before the first run
	LastError  string
	LastResult string
	Runs       int
}

type Job struct {
	Name  string
	Expr  string
	State JobState
	run   JobFunc
}

type Service struct {
	mu       sync.Mutex
	jobs     []Job
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job name -> cron entry ID
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.Logger
}

func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		entryMap: make(map[string]rcron.EntryID),
		log:      logger.Named("cron"),
	}
}

// AddJob registers fn under name. Adding a job while the service runs
// schedules it immediately.
func (s *Service) AddJob(name, expr string, fn JobFunc) error {
	if fn == nil {
		return fmt.Errorf("cron: job %s has no func", name)
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("cron: parse schedule %q for %s: %w", expr, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return fmt.Errorf("cron: job %s already exists", name)
		}
	}
	s.jobs = append(s.jobs, Job{Name: name, Expr: expr, run: fn})
	if s.cron != nil {
		s.registerJob(name, expr)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("cron: already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = rcron.New(rcron.WithParser(parser))
	for _, j := range s.jobs {
		s.registerJob(j.Name, j.Expr)
	}
	s.cron.Start()
	s.log.Info("started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(name, expr string) {
	ctx := s.ctx
	id, err := s.cron.AddFunc(expr, func() {
		_, _ = s.execute(ctx, name)
	})
	if err != nil {
		s.log.Error("register job", zap.String("job", name), zap.String("expr", expr), zap.Error(err))
		return
	}
	s.entryMap[name] = id
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) (string, error) {
	return s.execute(ctx, name)
}

func (s *Service) execute(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	var fn JobFunc
	for _, j := range s.jobs {
		if j.Name == name {
			fn = j.run
			break
		}
	}
	s.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	start := time.Now()
	result, err := fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].Name != name {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAt = start
		st.Runs++
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			st.LastResult = ""
			s.log.Error("job failed", zap.String("job", name), zap.Error(err))
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
			st.LastResult = result
			s.log.Info("job done", zap.String("job", name),
				zap.String("result", result), zap.Duration("took", time.Since(start)))
		}
		break
	}
	return result, err
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

// Stop halts scheduling and waits up to five seconds for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.entryMap = make(map[string]rcron.EntryID)
	s.mu.Unlock()

	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("stop timeout waiting for running jobs")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("stopped")
}
