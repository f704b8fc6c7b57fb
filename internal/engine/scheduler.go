package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// JobInfo reports the state of the scheduled refresh.
type JobInfo struct {
	Schedule   string        `json:"schedule"`
	LastRun    time.Time     `json:"last_run"`
	NextRun    time.Time     `json:"next_run"`
	Status     string        `json:"status"`
	RunCount   int           `json:"run_count"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Scheduler periodically reloads the history and re-simulates every league.
type Scheduler struct {
	engine   *Engine
	cron     *cron.Cron
	log      *logrus.Entry
	replicas int
	seed     uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	job     JobInfo
	entry   cron.EntryID
	running bool
}

// NewScheduler validates schedule (standard five-field cron syntax) and
// prepares a refresh job.
func NewScheduler(e *Engine, schedule string, replicas int, seed uint64, log *logrus.Entry) (*Scheduler, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine:   e,
		cron:     cron.New(cron.WithLogger(cron.VerbosePrintfLogger(log))),
		log:      log,
		replicas: replicas,
		seed:     seed,
		ctx:      ctx,
		cancel:   cancel,
		job:      JobInfo{Schedule: schedule, Status: "scheduled"},
	}
	id, err := s.cron.AddFunc(schedule, s.run)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to add refresh job: %w", err)
	}
	s.entry = id
	return s, nil
}

// Start begins firing the job.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.cron.Start()
	s.running = true
	s.job.NextRun = s.cron.Entry(s.entry).Next
	s.log.WithFields(logrus.Fields{
		"schedule": s.job.Schedule,
		"next_run": s.job.NextRun,
	}).Info("Refresh job scheduled")
	return nil
}

// Stop cancels an in-flight refresh and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info("Scheduler stopped")
}

// Job returns a copy of the job state.
func (s *Scheduler) Job() JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// RunNow performs one refresh synchronously.
func (s *Scheduler) RunNow() { s.run() }

func (s *Scheduler) run() {
	s.mu.Lock()
	s.job.Status = "running"
	s.job.LastRun = time.Now()
	s.job.RunCount++
	runCount := s.job.RunCount
	s.mu.Unlock()

	log := s.log.WithField("run_count", runCount)
	log.Info("Starting scheduled refresh")
	start := time.Now()

	err := s.refresh()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Duration = time.Since(start)
	s.job.NextRun = s.cron.Entry(s.entry).Next
	if err != nil {
		s.job.Status = "failed"
		s.job.ErrorCount++
		s.job.LastError = err.Error()
		log.WithError(err).Error("Scheduled refresh failed")
		return
	}
	s.job.Status = "completed"
	s.job.LastError = ""
	log.WithField("duration", s.job.Duration).Info("Scheduled refresh completed")
}

func (s *Scheduler) refresh() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := s.engine.Refresh(s.ctx); err != nil {
		return err
	}
	report, err := s.engine.RunAll(s.ctx, s.replicas, s.seed)
	if err != nil {
		return err
	}
	for _, m := range report.Manifests() {
		s.log.WithFields(logrus.Fields{
			"league":     m.League,
			"run_id":     m.RunID,
			"unreliable": m.Unreliable,
		}).Debug("League refreshed")
	}
	return nil
}
