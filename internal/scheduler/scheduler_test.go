package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/driver"
	"github.com/evalforge/evalforge/internal/invoker"
	"github.com/evalforge/evalforge/internal/jobstore"
	"github.com/evalforge/evalforge/internal/protocol"
)

// memStore is an in-memory scheduler.Store
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*domain.Job)}
}

func (m *memStore) UpsertJob(job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) MarkStarted(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Status = domain.JobRunning
		j.StartedAt = &at
	}
	return nil
}

func (m *memStore) MarkQueued(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Status = domain.JobQueued
	}
	return nil
}

func (m *memStore) MarkTerminal(id string, status domain.JobStatus, at time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Status = status
		j.CompletedAt = &at
		j.ErrorMsg = errMsg
	}
	return nil
}

func (m *memStore) SetJobResult(id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.ResultRef = ref
	}
	return nil
}

func (m *memStore) SetJobProgress(id string, pct float64, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.ProgressPct = pct
		j.ProgressDetail = detail
	}
	return nil
}

func (m *memStore) PutTrial(t *domain.Trial) error   { return nil }
func (m *memStore) PutReport(r *domain.Report) error { return nil }

func (m *memStore) ListJobs(opts jobstore.ListOptions) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, j := range m.jobs {
		if opts.Terminal != nil && j.Status.Terminal() != *opts.Terminal {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) status(id string) domain.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		return j.Status
	}
	return ""
}

// recordSink collects published events
type recordSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordSink) Publish(owner, msgType string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, msgType)
}

func (s *recordSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// fakeDriver runs jobs with pluggable behavior
type fakeDriver struct {
	typ      domain.JobType
	validate func(json.RawMessage) error
	run      func(ctx context.Context, jc *driver.JobContext) driver.Outcome
}

func (d *fakeDriver) Type() domain.JobType { return d.typ }

func (d *fakeDriver) Validate(spec json.RawMessage) error {
	if d.validate != nil {
		return d.validate(spec)
	}
	return nil
}

func (d *fakeDriver) Run(ctx context.Context, jc *driver.JobContext) driver.Outcome {
	if d.run != nil {
		return d.run(ctx, jc)
	}
	return driver.Outcome{Status: domain.JobDone}
}

func instantDriver(typ domain.JobType) *fakeDriver {
	return &fakeDriver{typ: typ}
}

// blockingDriver runs until release is closed
func blockingDriver(typ domain.JobType, release <-chan struct{}) *fakeDriver {
	return &fakeDriver{
		typ: typ,
		run: func(ctx context.Context, jc *driver.JobContext) driver.Outcome {
			<-release
			if jc.Cancel.IsSet() {
				return driver.Outcome{Status: domain.JobCancelled}
			}
			return driver.Outcome{Status: domain.JobDone}
		},
	}
}

func noopInvoker() invoker.Invoker {
	return invoker.Func(func(ctx context.Context, req invoker.Request) (*invoker.Result, error) {
		return &invoker.Result{}, nil
	})
}

func newTestScheduler(drivers map[domain.JobType]driver.Driver, limits Limits) (*Scheduler, *memStore, *recordSink, *time.Time) {
	store := newMemStore()
	sink := &recordSink{}
	s := New(store, sink, noopInvoker(), drivers, limits)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	s.clock = func() time.Time { return *clock }
	return s, store, sink, clock
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: instantDriver(domain.JobBenchmark),
	}
	s, store, sink, _ := newTestScheduler(drivers, Limits{})

	id, err := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Shutdown()

	job, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != domain.JobDone {
		t.Errorf("got status %s, want done", job.Status)
	}
	if store.status(id) != domain.JobDone {
		t.Errorf("store status %s, want done", store.status(id))
	}

	// Lifecycle events in order
	want := []string{protocol.TypeJobCreated, protocol.TypeJobStarted, protocol.TypeJobCompleted}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("got events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSubmit_UnknownType(t *testing.T) {
	s, _, _, _ := newTestScheduler(map[domain.JobType]driver.Driver{}, Limits{})
	_, err := s.Submit("alice", "mystery", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("got %v, want ErrUnknownType", err)
	}
}

func TestSubmit_ValidationRejected(t *testing.T) {
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: &fakeDriver{
			typ:      domain.JobBenchmark,
			validate: func(json.RawMessage) error { return errors.New("no targets") },
		},
	}
	s, store, _, _ := newTestScheduler(drivers, Limits{})

	_, err := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}

	// Rejected submissions never reach the store
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.jobs) != 0 {
		t.Errorf("rejected job persisted: %d jobs in store", len(store.jobs))
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: instantDriver(domain.JobBenchmark),
	}
	s, _, _, clock := newTestScheduler(drivers, Limits{
		SubmissionsPerWindow: 2,
		Window:               time.Hour,
	})

	for i := 0; i < 2; i++ {
		if _, err := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("submission %d rejected: %v", i, err)
		}
	}
	if _, err := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}

	// Another user is unaffected
	if _, err := s.Submit("bob", domain.JobBenchmark, json.RawMessage(`{}`)); err != nil {
		t.Errorf("bob rejected: %v", err)
	}

	// The window rolls: an hour later alice may submit again
	*clock = clock.Add(time.Hour + time.Minute)
	if _, err := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`)); err != nil {
		t.Errorf("submission after window rejected: %v", err)
	}
	s.Shutdown()
}

func TestSubmit_SingletonConflict(t *testing.T) {
	release := make(chan struct{})
	drivers := map[domain.JobType]driver.Driver{
		domain.JobToolEval:  blockingDriver(domain.JobToolEval, release),
		domain.JobBenchmark: blockingDriver(domain.JobBenchmark, release),
	}
	s, _, _, _ := newTestScheduler(drivers, Limits{})

	if _, err := s.Submit("alice", domain.JobToolEval, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("first tool_eval rejected: %v", err)
	}
	if _, err := s.Submit("alice", domain.JobToolEval, json.RawMessage(`{}`)); !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}

	// Non-singleton types coexist freely
	if _, err := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`)); err != nil {
		t.Errorf("benchmark rejected: %v", err)
	}
	// Other users are unaffected
	if _, err := s.Submit("bob", domain.JobToolEval, json.RawMessage(`{}`)); err != nil {
		t.Errorf("bob's tool_eval rejected: %v", err)
	}

	close(release)
	s.Shutdown()

	// With the first one finished, a new tool_eval is admitted
	if _, err := s.Submit("alice", domain.JobToolEval, json.RawMessage(`{}`)); err != nil {
		t.Errorf("tool_eval after completion rejected: %v", err)
	}
	s.Shutdown()
}

func TestSubmit_QueuesBeyondUserSlots(t *testing.T) {
	release := make(chan struct{})
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: blockingDriver(domain.JobBenchmark, release),
	}
	s, store, _, _ := newTestScheduler(drivers, Limits{MaxRunningPerUser: 1})

	first, _ := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))
	second, err := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("overflow submission rejected instead of queued: %v", err)
	}

	if got, _ := s.Get(first); got.Status != domain.JobRunning {
		t.Errorf("first job status %s, want running", got.Status)
	}
	if got, _ := s.Get(second); got.Status != domain.JobQueued {
		t.Errorf("second job status %s, want queued", got.Status)
	}
	if store.status(second) != domain.JobQueued {
		t.Errorf("queued status not persisted: %s", store.status(second))
	}

	close(release)
	s.Shutdown()

	if got, _ := s.Get(second); got.Status != domain.JobDone {
		t.Errorf("queued job never ran: %s", got.Status)
	}
}

func TestCancel_QueuedJobFinalizesImmediately(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: blockingDriver(domain.JobBenchmark, release),
	}
	s, store, _, _ := newTestScheduler(drivers, Limits{MaxRunningPerUser: 1})

	s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))
	queued, _ := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))

	outcome, err := s.Cancel(queued)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if outcome != Cancelled {
		t.Errorf("got outcome %s, want cancelled", outcome)
	}
	if got, _ := s.Get(queued); got.Status != domain.JobCancelled {
		t.Errorf("queued job status %s, want cancelled", got.Status)
	}
	if store.status(queued) != domain.JobCancelled {
		t.Errorf("store status %s, want cancelled", store.status(queued))
	}
}

func TestCancel_RunningJobSetsFlagOnly(t *testing.T) {
	release := make(chan struct{})
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: blockingDriver(domain.JobBenchmark, release),
	}
	s, _, _, _ := newTestScheduler(drivers, Limits{})

	id, _ := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))

	outcome, err := s.Cancel(id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if outcome != Cancelled {
		t.Errorf("got outcome %s, want cancelled", outcome)
	}

	// Still running until the driver observes the flag
	if got, _ := s.Get(id); got.Status != domain.JobRunning {
		t.Errorf("status %s, want running until driver yields", got.Status)
	}

	close(release)
	s.Shutdown()

	if got, _ := s.Get(id); got.Status != domain.JobCancelled {
		t.Errorf("final status %s, want cancelled", got.Status)
	}
}

func TestCancel_FinishedJobIsAlreadyFinished(t *testing.T) {
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: instantDriver(domain.JobBenchmark),
	}
	s, _, _, _ := newTestScheduler(drivers, Limits{})

	id, _ := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))
	s.Shutdown()

	outcome, err := s.Cancel(id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if outcome != AlreadyFinished {
		t.Errorf("got outcome %s, want already_finished", outcome)
	}
	// Status and result are untouched
	if got, _ := s.Get(id); got.Status != domain.JobDone {
		t.Errorf("status %s, want done", got.Status)
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	s, _, _, _ := newTestScheduler(map[domain.JobType]driver.Driver{}, Limits{})
	if _, err := s.Cancel("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDriverPanicFailsJob(t *testing.T) {
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: &fakeDriver{
			typ: domain.JobBenchmark,
			run: func(ctx context.Context, jc *driver.JobContext) driver.Outcome {
				panic("boom")
			},
		},
	}
	s, _, _, _ := newTestScheduler(drivers, Limits{})

	id, _ := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))
	s.Shutdown()

	job, _ := s.Get(id)
	if job.Status != domain.JobFailed {
		t.Errorf("got status %s, want failed after panic", job.Status)
	}
	if job.ErrorMsg == "" {
		t.Error("panic should leave an error message")
	}
}

func TestRestore_RequeuesWaitingJobs(t *testing.T) {
	store := newMemStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.jobs["old"] = &domain.Job{
		ID: "old", Type: domain.JobBenchmark, OwnerID: "alice",
		Status: domain.JobQueued, Spec: []byte(`{}`), CreatedAt: base,
	}
	store.jobs["newer"] = &domain.Job{
		ID: "newer", Type: domain.JobBenchmark, OwnerID: "alice",
		Status: domain.JobQueued, Spec: []byte(`{}`), CreatedAt: base.Add(time.Minute),
	}
	done := base.Add(-time.Hour)
	store.jobs["finished"] = &domain.Job{
		ID: "finished", Type: domain.JobBenchmark, OwnerID: "alice",
		Status: domain.JobDone, CreatedAt: base.Add(-2 * time.Hour), CompletedAt: &done,
	}

	var order []string
	var mu sync.Mutex
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: &fakeDriver{
			typ: domain.JobBenchmark,
			run: func(ctx context.Context, jc *driver.JobContext) driver.Outcome {
				mu.Lock()
				order = append(order, jc.Job.ID)
				mu.Unlock()
				return driver.Outcome{Status: domain.JobDone}
			},
		},
	}

	s := New(store, &recordSink{}, noopInvoker(), drivers, Limits{MaxRunningPerUser: 1})
	if err := s.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	s.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "old" || order[1] != "newer" {
		t.Errorf("run order %v, want [old newer]", order)
	}

	// Finished jobs are restored for snapshots but never re-run
	if got, _ := s.Get("finished"); got.Status != domain.JobDone {
		t.Errorf("finished job status %s", got.Status)
	}
}

func TestSnapshot_BoundsRecentJobs(t *testing.T) {
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: instantDriver(domain.JobBenchmark),
	}
	s, _, _, clock := newTestScheduler(drivers, Limits{RecentJobs: 2})

	for i := 0; i < 4; i++ {
		s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))
		s.Shutdown()
		*clock = clock.Add(time.Minute)
	}

	active, recent := s.Snapshot("alice")
	if len(active) != 0 {
		t.Errorf("got %d active jobs, want 0", len(active))
	}
	if len(recent) != 2 {
		t.Errorf("got %d recent jobs, want 2", len(recent))
	}
}

func TestUpdateLimits_TakesEffect(t *testing.T) {
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: instantDriver(domain.JobBenchmark),
	}
	s, _, _, _ := newTestScheduler(drivers, Limits{SubmissionsPerWindow: 1})

	if _, err := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("first submission rejected: %v", err)
	}
	if _, err := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}

	s.UpdateLimits(Limits{SubmissionsPerWindow: 10})
	if _, err := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`)); err != nil {
		t.Errorf("submission after limit raise rejected: %v", err)
	}
	s.Shutdown()
}

func TestGet_ReturnsCopy(t *testing.T) {
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: instantDriver(domain.JobBenchmark),
	}
	s, _, _, _ := newTestScheduler(drivers, Limits{})

	id, _ := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))
	s.Shutdown()

	job, _ := s.Get(id)
	job.Status = domain.JobFailed

	again, _ := s.Get(id)
	if again.Status != domain.JobDone {
		t.Error("Get leaked a pointer into the registry")
	}
}

func TestList_NewestFirstPerUser(t *testing.T) {
	drivers := map[domain.JobType]driver.Driver{
		domain.JobBenchmark: instantDriver(domain.JobBenchmark),
	}
	s, _, _, clock := newTestScheduler(drivers, Limits{})

	first, _ := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))
	*clock = clock.Add(time.Minute)
	second, _ := s.Submit("alice", domain.JobBenchmark, json.RawMessage(`{}`))
	s.Submit("bob", domain.JobBenchmark, json.RawMessage(`{}`))
	s.Shutdown()

	jobs := s.List("alice")
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID != second || jobs[1].ID != first {
		t.Errorf("order = [%s %s], want [%s %s]", jobs[0].ID, jobs[1].ID, second, first)
	}
}
