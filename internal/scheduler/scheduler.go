package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is one refresh of the store, usually a full pipeline run.
type Job func(ctx context.Context) error

// Scheduler runs a job at startup and then on a fixed interval. Runs never overlap:
// a tick that fires while the previous run is still going is skipped.
type Scheduler struct {
	job      Job
	interval time.Duration
	logger   *logrus.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	jobMutex sync.Mutex

	mu      sync.Mutex
	runs    int
	skipped int
	failed  int
}

// NewScheduler creates a new scheduler running job every interval.
func NewScheduler(job Job, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Scheduler{
		job:      job,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the scheduled runs. ctx is handed to every job; cancelling it
// aborts the run in progress but does not stop the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.runScheduler(ctx)
}

func (s *Scheduler) runScheduler(ctx context.Context) {
	defer s.wg.Done()

	s.logger.WithField("interval", s.interval.String()).Info("Scheduler started")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, time.Now())
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.execute(ctx, t)
			}()
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t time.Time) {
	if !s.jobMutex.TryLock() {
		s.logger.WithField("tick", t.Format(time.RFC3339)).Warn("Previous run still in progress, skipping")
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		return
	}
	defer s.jobMutex.Unlock()

	start := time.Now()
	err := s.job(ctx)

	s.mu.Lock()
	s.runs++
	if err != nil {
		s.failed++
	}
	s.mu.Unlock()

	entry := s.logger.WithField("duration", time.Since(start).String())
	if err != nil {
		entry.WithError(err).Error("Scheduled run failed")
		return
	}
	entry.Info("Scheduled run completed")
}

// Stats returns the number of runs executed, skipped because of an overlap, and failed.
func (s *Scheduler) Stats() (runs, skipped, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.skipped, s.failed
}

// Stop gracefully stops the scheduler and waits for the run in progress.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}
