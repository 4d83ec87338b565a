// Package batch submits recurring benchmark jobs on cron schedules.
// Submissions go through the normal admission path; a rejected
// submission is skipped and retried at the next firing.
package batch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/evalforge/evalforge/internal/domain"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "evalforge",
	"component": "batch",
})

// Submitter is the scheduler surface batch submissions go through
type Submitter interface {
	Submit(user string, typ domain.JobType, spec json.RawMessage) (string, error)
}

// Scheduler manages scheduled benchmark runs
type Scheduler struct {
	schedules map[string]Schedule
	parser    cron.Parser
	lastRun   map[string]time.Time
	mu        sync.RWMutex
	stopChan  chan struct{}
}

// NewScheduler creates a batch scheduler from validated schedules
func NewScheduler(schedules []Schedule) (*Scheduler, error) {
	s := &Scheduler{
		schedules: make(map[string]Schedule),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:   make(map[string]time.Time),
		stopChan:  make(chan struct{}),
	}

	for _, sched := range schedules {
		if err := sched.Validate(); err != nil {
			return nil, err
		}
		s.schedules[sched.Name] = sched
	}

	return s, nil
}

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled firing for a schedule
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[name]
	if !ok {
		return time.Time{}
	}

	parsed, err := s.parser.Parse(sched.Cron)
	if err != nil {
		return time.Time{}
	}

	return parsed.Next(time.Now())
}

// ShouldRun returns true if a schedule is due
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[name]
	if !ok {
		return false
	}

	parsed, err := s.parser.Parse(sched.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}

	return time.Now().After(parsed.Next(lastRun))
}

// MarkFired records that a schedule fired
func (s *Scheduler) MarkFired(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[name] = time.Now()
}

// ListSchedules returns all schedule names
func (s *Scheduler) ListSchedules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.schedules))
	for name := range s.schedules {
		names = append(names, name)
	}
	return names
}

// Start begins the firing loop. Blocks until Stop.
func (s *Scheduler) Start(submitter Submitter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.fireDue(submitter)
		}
	}
}

func (s *Scheduler) fireDue(submitter Submitter) {
	s.mu.RLock()
	candidates := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		candidates = append(candidates, sched)
	}
	s.mu.RUnlock()

	for _, sched := range candidates {
		if !s.ShouldRun(sched.Name) {
			continue
		}
		s.MarkFired(sched.Name)
		jobID, err := submitter.Submit(sched.Owner, domain.JobScheduledBenchmark, sched.Spec)
		if err != nil {
			// Admission said no; try again at the next firing
			logger.WithFields(logrus.Fields{
				"schedule": sched.Name,
				"owner":    sched.Owner,
			}).WithError(err).Warn("scheduled submission rejected")
			continue
		}
		logger.WithFields(logrus.Fields{
			"schedule": sched.Name,
			"job_id":   jobID,
		}).Info("scheduled benchmark submitted")
	}
}

// Stop stops the firing loop
func (s *Scheduler) Stop() {
	close(s.stopChan)
}
