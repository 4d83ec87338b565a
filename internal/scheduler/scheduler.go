// Package scheduler owns job admission, lifecycle transitions and
// cancellation. It is the sole writer of job status and timestamps; the
// in-memory registry is a cache over the durable store, rebuilt on
// restart.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/evalforge/evalforge/internal/cancel"
	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/driver"
	"github.com/evalforge/evalforge/internal/invoker"
	"github.com/evalforge/evalforge/internal/jobstore"
	"github.com/evalforge/evalforge/internal/protocol"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "evalforge",
	"component": "scheduler",
})

// Admission and lookup errors
var (
	ErrRateLimited = errors.New("submission rate limit exceeded")
	ErrConflict    = errors.New("a job of this kind is already pending or running for this user")
	ErrValidation  = errors.New("invalid job spec")
	ErrUnknownType = errors.New("unknown job type")
	ErrNotFound    = errors.New("job not found")
)

// CancelOutcome distinguishes a real cancellation from a late cancel of
// an already finished job, which callers must not treat as failure.
type CancelOutcome string

const (
	Cancelled       CancelOutcome = "cancelled"
	AlreadyFinished CancelOutcome = "already_finished"
)

// Limits are the admission-control knobs. They can be swapped at
// runtime via UpdateLimits (config hot-reload).
type Limits struct {
	SubmissionsPerWindow int
	Window               time.Duration
	MaxRunningPerUser    int
	MaxRunningGlobal     int
	RecentJobs           int
}

// DefaultLimits fills any zero field
var DefaultLimits = Limits{
	SubmissionsPerWindow: 20,
	Window:               time.Hour,
	MaxRunningPerUser:    3,
	MaxRunningGlobal:     32,
	RecentJobs:           10,
}

// Store is the durable-store surface the scheduler and its drivers use
type Store interface {
	UpsertJob(job *domain.Job) error
	MarkStarted(id string, at time.Time) error
	MarkQueued(id string) error
	MarkTerminal(id string, status domain.JobStatus, at time.Time, errMsg string) error
	SetJobResult(id, resultRef string) error
	ListJobs(opts jobstore.ListOptions) ([]*domain.Job, error)
	driver.Store
}

// Scheduler admits, starts, finalizes and cancels jobs
type Scheduler struct {
	store   Store
	events  driver.Sink
	invoker invoker.Invoker
	drivers map[domain.JobType]driver.Driver
	rl      *rateLimiter
	clock   func() time.Time

	mu           sync.Mutex
	limits       Limits
	jobs         map[string]*domain.Job
	cancels      map[string]*cancel.Flag
	queues       map[string][]string // per-user FIFO of waiting job IDs
	running      map[string]int
	runningTotal int

	wg sync.WaitGroup
}

// New creates a Scheduler. Zero limit fields fall back to defaults.
func New(store Store, events driver.Sink, inv invoker.Invoker, drivers map[domain.JobType]driver.Driver, limits Limits) *Scheduler {
	limits = withDefaults(limits)
	return &Scheduler{
		store:   store,
		events:  events,
		invoker: inv,
		drivers: drivers,
		rl:      newRateLimiter(limits.Window),
		clock:   time.Now,
		limits:  limits,
		jobs:    make(map[string]*domain.Job),
		cancels: make(map[string]*cancel.Flag),
		queues:  make(map[string][]string),
		running: make(map[string]int),
	}
}

func withDefaults(l Limits) Limits {
	if l.SubmissionsPerWindow <= 0 {
		l.SubmissionsPerWindow = DefaultLimits.SubmissionsPerWindow
	}
	if l.Window <= 0 {
		l.Window = DefaultLimits.Window
	}
	if l.MaxRunningPerUser <= 0 {
		l.MaxRunningPerUser = DefaultLimits.MaxRunningPerUser
	}
	if l.MaxRunningGlobal <= 0 {
		l.MaxRunningGlobal = DefaultLimits.MaxRunningGlobal
	}
	if l.RecentJobs <= 0 {
		l.RecentJobs = DefaultLimits.RecentJobs
	}
	return l
}

// UpdateLimits swaps the admission knobs at runtime
func (s *Scheduler) UpdateLimits(limits Limits) {
	limits = withDefaults(limits)
	s.mu.Lock()
	s.limits = limits
	s.mu.Unlock()
	s.rl.SetWindow(limits.Window)
	logger.WithField("limits", fmt.Sprintf("%+v", limits)).Info("admission limits updated")
}

// Restore rebuilds the registry from the durable store and resumes
// queued jobs. Callers should run jobstore.RecoverInterrupted first.
func (s *Scheduler) Restore() error {
	nonTerminal := false
	active, err := s.store.ListJobs(jobstore.ListOptions{Terminal: &nonTerminal})
	if err != nil {
		return fmt.Errorf("restoring active jobs: %w", err)
	}
	terminal := true
	recent, err := s.store.ListJobs(jobstore.ListOptions{Terminal: &terminal, Limit: 200})
	if err != nil {
		return fmt.Errorf("restoring recent jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range recent {
		s.jobs[job.ID] = job
	}
	// Oldest first so the per-user queues keep FIFO order
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	users := make(map[string]bool)
	for _, job := range active {
		s.jobs[job.ID] = job
		s.cancels[job.ID] = cancel.NewFlag()
		s.queues[job.OwnerID] = append(s.queues[job.OwnerID], job.ID)
		users[job.OwnerID] = true
	}
	for user := range users {
		s.dispatchLocked(user)
	}
	if len(active) > 0 {
		logger.WithField("jobs", len(active)).Info("resumed waiting jobs from store")
	}
	return nil
}

// Submit admits a job or rejects it. Admission checks run in order:
// rate limit, singleton conflict, spec validation. A full running slot
// queues the job instead of rejecting it.
func (s *Scheduler) Submit(user string, typ domain.JobType, spec json.RawMessage) (string, error) {
	drv, ok := s.drivers[typ]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if !s.rl.Allow(user, now, s.limits.SubmissionsPerWindow) {
		return "", ErrRateLimited
	}
	if domain.SingletonTypes[typ] && s.hasLiveOfTypeLocked(user, typ) {
		return "", ErrConflict
	}
	if err := drv.Validate(spec); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		Type:      typ,
		OwnerID:   user,
		Spec:      spec,
		Status:    domain.JobPending,
		CreatedAt: now,
	}
	if err := s.store.UpsertJob(job); err != nil {
		return "", fmt.Errorf("persisting job: %w", err)
	}

	s.jobs[job.ID] = job
	s.cancels[job.ID] = cancel.NewFlag()
	s.rl.Record(user, now)

	s.events.Publish(user, protocol.TypeJobCreated, protocol.CreatedMessage{
		JobID: job.ID,
		Type:  string(typ),
	})

	s.queues[user] = append(s.queues[user], job.ID)
	s.dispatchLocked(user)

	// A job that could not start immediately waits as queued
	if job.Status == domain.JobPending {
		job.Status = domain.JobQueued
		if err := s.store.MarkQueued(job.ID); err != nil {
			logger.WithField("job_id", job.ID).WithError(err).Error("marking job queued")
		}
	}

	logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"type":   typ,
		"owner":  user,
		"status": job.Status,
	}).Info("job submitted")
	return job.ID, nil
}

// Cancel requests cooperative cancellation. Cancelling a finished job
// returns AlreadyFinished, not an error.
func (s *Scheduler) Cancel(id string) (CancelOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	if job.Status.Terminal() {
		return AlreadyFinished, nil
	}

	if flag := s.cancels[id]; flag != nil {
		flag.Set()
	}

	// Jobs not yet running have no driver to observe the flag
	if job.Status == domain.JobPending || job.Status == domain.JobQueued {
		s.removeQueuedLocked(job.OwnerID, id)
		s.finalizeLocked(job, driver.Outcome{Status: domain.JobCancelled})
	}
	return Cancelled, nil
}

// Get returns the registry's view of a job
func (s *Scheduler) Get(id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// List returns all registry jobs for a user, newest first
func (s *Scheduler) List(user string) []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*domain.Job
	for _, job := range s.jobs {
		if job.OwnerID == user {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Snapshot returns the sync view for a user: all non-terminal jobs plus
// a bounded window of the most recently finished ones.
func (s *Scheduler) Snapshot(user string) (active, recent []protocol.JobSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terminal []*domain.Job
	for _, job := range s.jobs {
		if job.OwnerID != user {
			continue
		}
		if job.Status.Terminal() {
			terminal = append(terminal, job)
		} else {
			active = append(active, toSnapshot(job))
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt < active[j].CreatedAt
	})
	sort.Slice(terminal, func(i, j int) bool {
		ti, tj := terminal[i].CompletedAt, terminal[j].CompletedAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})
	if len(terminal) > s.limits.RecentJobs {
		terminal = terminal[:s.limits.RecentJobs]
	}
	for _, job := range terminal {
		recent = append(recent, toSnapshot(job))
	}
	return active, recent
}

// Shutdown waits for running drivers to finish
func (s *Scheduler) Shutdown() {
	s.wg.Wait()
}

// dispatchLocked starts waiting jobs for user while slots are free
func (s *Scheduler) dispatchLocked(user string) {
	for len(s.queues[user]) > 0 &&
		s.running[user] < s.limits.MaxRunningPerUser &&
		s.runningTotal < s.limits.MaxRunningGlobal {

		id := s.queues[user][0]
		s.queues[user] = s.queues[user][1:]
		job, ok := s.jobs[id]
		if !ok || job.Status.Terminal() {
			continue
		}
		s.startLocked(job)
	}
	if len(s.queues[user]) == 0 {
		delete(s.queues, user)
	}
}

func (s *Scheduler) startLocked(job *domain.Job) {
	now := s.clock()
	job.Status = domain.JobRunning
	job.StartedAt = &now
	if err := s.store.MarkStarted(job.ID, now); err != nil {
		logger.WithField("job_id", job.ID).WithError(err).Error("marking job started")
	}
	s.running[job.OwnerID]++
	s.runningTotal++

	s.events.Publish(job.OwnerID, protocol.TypeJobStarted, protocol.StartedMessage{JobID: job.ID})

	drv := s.drivers[job.Type]
	flag := s.cancels[job.ID]

	// The driver works on a copy; the registry copy is updated through
	// the event sink and finalizeLocked only.
	cp := *job
	s.wg.Add(1)
	go s.runJob(drv, &cp, flag)
}

func (s *Scheduler) runJob(drv driver.Driver, job *domain.Job, flag *cancel.Flag) {
	defer s.wg.Done()

	outcome := func() (out driver.Outcome) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("job_id", job.ID).Errorf("driver panic: %v", r)
				out = driver.Outcome{Status: domain.JobFailed, ErrorMsg: fmt.Sprintf("driver panic: %v", r)}
			}
		}()
		return drv.Run(context.Background(), &driver.JobContext{
			Job:     job,
			Spec:    json.RawMessage(job.Spec),
			Store:   s.store,
			Events:  &registrySink{s: s},
			Invoker: s.invoker,
			Cancel:  flag,
		})
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	live, ok := s.jobs[job.ID]
	if !ok || live.Status.Terminal() {
		return
	}
	s.running[job.OwnerID]--
	s.runningTotal--
	s.finalizeLocked(live, outcome)
	s.dispatchLocked(job.OwnerID)
}

// finalizeLocked is the single place terminal transitions happen
func (s *Scheduler) finalizeLocked(job *domain.Job, outcome driver.Outcome) {
	if !outcome.Status.Terminal() {
		outcome.Status = domain.JobFailed
		outcome.ErrorMsg = "driver returned non-terminal status"
	}
	now := s.clock()
	job.Status = outcome.Status
	job.CompletedAt = &now
	job.ErrorMsg = outcome.ErrorMsg
	job.ResultRef = outcome.ResultRef

	if err := s.store.MarkTerminal(job.ID, outcome.Status, now, outcome.ErrorMsg); err != nil {
		// Must not take down the scheduler or other jobs
		logger.WithField("job_id", job.ID).WithError(err).Error("persisting terminal status")
	}
	if outcome.ResultRef != "" {
		if err := s.store.SetJobResult(job.ID, outcome.ResultRef); err != nil {
			logger.WithField("job_id", job.ID).WithError(err).Error("persisting result ref")
		}
	}
	delete(s.cancels, job.ID)

	switch outcome.Status {
	case domain.JobDone:
		s.events.Publish(job.OwnerID, protocol.TypeJobCompleted, protocol.CompletedMessage{
			JobID: job.ID, ResultRef: outcome.ResultRef,
		})
	case domain.JobCancelled:
		s.events.Publish(job.OwnerID, protocol.TypeJobCancelled, protocol.CancelledMessage{JobID: job.ID})
	default:
		s.events.Publish(job.OwnerID, protocol.TypeJobFailed, protocol.FailedMessage{
			JobID: job.ID, Error: outcome.ErrorMsg,
		})
	}

	logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"status": job.Status,
	}).Info("job finished")
}

func (s *Scheduler) hasLiveOfTypeLocked(user string, typ domain.JobType) bool {
	for _, job := range s.jobs {
		if job.OwnerID == user && job.Type == typ && !job.Status.Terminal() {
			return true
		}
	}
	return false
}

func (s *Scheduler) removeQueuedLocked(user, id string) {
	q := s.queues[user]
	for i, qid := range q {
		if qid == id {
			s.queues[user] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func toSnapshot(job *domain.Job) protocol.JobSnapshot {
	return protocol.JobSnapshot{
		JobID:          job.ID,
		Type:           string(job.Type),
		Status:         string(job.Status),
		ProgressPct:    job.ProgressPct,
		ProgressDetail: job.ProgressDetail,
		ResultRef:      job.ResultRef,
		Error:          job.ErrorMsg,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
	}
}

// registrySink keeps the registry's progress fields current before
// forwarding driver events, so a sync snapshot taken mid-run reflects
// the latest delivered progress.
type registrySink struct {
	s *Scheduler
}

// Publish implements driver.Sink
func (rs *registrySink) Publish(owner, msgType string, payload interface{}) {
	if pm, ok := payload.(protocol.ProgressMessage); ok {
		rs.s.mu.Lock()
		if job, ok := rs.s.jobs[pm.JobID]; ok && pm.Pct >= job.ProgressPct {
			job.ProgressPct = pm.Pct
			job.ProgressDetail = pm.Detail
		}
		rs.s.mu.Unlock()
	}
	rs.s.events.Publish(owner, msgType, payload)
}
