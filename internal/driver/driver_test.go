package driver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/evalforge/evalforge/internal/cancel"
	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/invoker"
	"github.com/evalforge/evalforge/internal/protocol"
)

// fakeStore records writes and optionally fails them
type fakeStore struct {
	mu       sync.Mutex
	log      []string
	trials   []*domain.Trial
	reports  []*domain.Report
	trialErr error
}

func (s *fakeStore) SetJobProgress(id string, pct float64, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, "persist:progress")
	return nil
}

func (s *fakeStore) PutTrial(t *domain.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trialErr != nil {
		return s.trialErr
	}
	s.log = append(s.log, "persist:trial")
	s.trials = append(s.trials, t)
	return nil
}

func (s *fakeStore) PutReport(r *domain.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, "persist:report")
	s.reports = append(s.reports, r)
	return nil
}

func (s *fakeStore) report(t *testing.T, kind string) []byte {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		if r.Kind == kind {
			return r.Payload
		}
	}
	t.Fatalf("no %s report stored", kind)
	return nil
}

type sinkEvent struct {
	msgType string
	payload interface{}
}

// fakeSink records published events, sharing the store's log so tests
// can assert persist-then-emit ordering.
type fakeSink struct {
	store  *fakeStore
	mu     sync.Mutex
	events []sinkEvent
}

func (s *fakeSink) Publish(owner, msgType string, payload interface{}) {
	if s.store != nil {
		s.store.mu.Lock()
		s.store.log = append(s.store.log, "emit:"+msgType)
		s.store.mu.Unlock()
	}
	s.mu.Lock()
	s.events = append(s.events, sinkEvent{msgType: msgType, payload: payload})
	s.mu.Unlock()
}

func (s *fakeSink) ofType(msgType string) []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkEvent
	for _, e := range s.events {
		if e.msgType == msgType {
			out = append(out, e)
		}
	}
	return out
}

func newJobContext(t *testing.T, typ domain.JobType, spec interface{}, inv invoker.Invoker) (*JobContext, *fakeStore, *fakeSink) {
	t.Helper()
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshaling spec: %v", err)
	}
	store := &fakeStore{}
	sink := &fakeSink{store: store}
	return &JobContext{
		Job:     &domain.Job{ID: "job-1", Type: typ, OwnerID: "alice", Status: domain.JobRunning},
		Spec:    data,
		Store:   store,
		Events:  sink,
		Invoker: inv,
		Cancel:  cancel.NewFlag(),
	}, store, sink
}

func okInvoker(output string) invoker.Invoker {
	return invoker.Func(func(ctx context.Context, req invoker.Request) (*invoker.Result, error) {
		return &invoker.Result{Output: output, Usage: invoker.Usage{TokensIn: 5, TokensOut: 10}}, nil
	})
}

func failingInvoker() invoker.Invoker {
	return invoker.Func(func(ctx context.Context, req invoker.Request) (*invoker.Result, error) {
		return nil, &invoker.ProviderError{Kind: invoker.KindUnavailable, Message: "down"}
	})
}

func testSuite() *Suite {
	return &Suite{
		Name: "smoke",
		Cases: []SuiteCase{
			{ID: "c1", Prompt: "first prompt"},
			{ID: "c2", Prompt: "second prompt"},
		},
	}
}

func TestBenchmark_AllUnitsPass(t *testing.T) {
	spec := BenchmarkSpec{Suite: testSuite(), Targets: []string{"model-a"}, Runs: 2}
	jc, store, _ := newJobContext(t, domain.JobBenchmark, spec, okInvoker("hi"))

	out := (&BenchmarkDriver{typ: domain.JobBenchmark}).Run(context.Background(), jc)

	if out.Status != domain.JobDone {
		t.Fatalf("got status %s, want done (%s)", out.Status, out.ErrorMsg)
	}
	if out.ResultRef == "" {
		t.Error("done job should carry a result ref")
	}
	if len(store.trials) != 4 {
		t.Errorf("got %d trials, want 4 (2 cases x 2 runs)", len(store.trials))
	}

	var report BenchmarkReport
	if err := json.Unmarshal(store.report(t, "benchmark"), &report); err != nil {
		t.Fatalf("unmarshaling report: %v", err)
	}
	if report.Suite != "smoke" {
		t.Errorf("got suite %q", report.Suite)
	}
	if len(report.Targets) != 1 || report.Targets[0].Units != 4 || report.Targets[0].Failures != 0 {
		t.Errorf("target stats = %+v", report.Targets)
	}
}

func TestBenchmark_PartialFailureStillDone(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	inv := invoker.Func(func(ctx context.Context, req invoker.Request) (*invoker.Result, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n%2 == 0 {
			return nil, &invoker.ProviderError{Kind: invoker.KindTimeout, Message: "slow"}
		}
		return &invoker.Result{Output: "ok"}, nil
	})

	spec := BenchmarkSpec{Suite: testSuite(), Targets: []string{"model-a"}, Runs: 1, Workers: 1}
	jc, store, _ := newJobContext(t, domain.JobBenchmark, spec, inv)

	out := (&BenchmarkDriver{typ: domain.JobBenchmark}).Run(context.Background(), jc)

	if out.Status != domain.JobDone {
		t.Fatalf("partial failure should still finish done, got %s", out.Status)
	}
	if len(store.trials) != 2 {
		t.Errorf("failed units must still persist trials, got %d", len(store.trials))
	}
}

func TestBenchmark_AllUnitsFailed(t *testing.T) {
	spec := BenchmarkSpec{Suite: testSuite(), Targets: []string{"model-a"}, Runs: 1}
	jc, _, _ := newJobContext(t, domain.JobBenchmark, spec, failingInvoker())

	out := (&BenchmarkDriver{typ: domain.JobBenchmark}).Run(context.Background(), jc)
	if out.Status != domain.JobFailed {
		t.Errorf("got status %s, want failed", out.Status)
	}
}

func TestBenchmark_CancelledBeforeWork(t *testing.T) {
	spec := BenchmarkSpec{Suite: testSuite(), Targets: []string{"model-a"}, Runs: 1}
	jc, _, _ := newJobContext(t, domain.JobBenchmark, spec, okInvoker("hi"))
	jc.Cancel.Set()

	out := (&BenchmarkDriver{typ: domain.JobBenchmark}).Run(context.Background(), jc)
	if out.Status != domain.JobCancelled {
		t.Errorf("got status %s, want cancelled", out.Status)
	}
}

func TestBenchmark_PersistsBeforeEmitting(t *testing.T) {
	spec := BenchmarkSpec{Suite: testSuite(), Targets: []string{"model-a"}, Runs: 1, Workers: 1}
	jc, store, _ := newJobContext(t, domain.JobBenchmark, spec, okInvoker("hi"))

	out := (&BenchmarkDriver{typ: domain.JobBenchmark}).Run(context.Background(), jc)
	if out.Status != domain.JobDone {
		t.Fatalf("got status %s", out.Status)
	}

	// Every progress event must be preceded by a progress persist, and
	// the unit's trial persist must come before both.
	store.mu.Lock()
	defer store.mu.Unlock()
	persisted := 0
	for _, entry := range store.log {
		switch {
		case entry == "persist:progress":
			persisted++
		case strings.HasPrefix(entry, "emit:"+protocol.TypeJobProgress):
			if persisted == 0 {
				t.Fatalf("progress emitted before persisted: %v", store.log)
			}
			persisted--
		}
	}
}

func TestBenchmark_ValidateRejectsBadSpecs(t *testing.T) {
	d := &BenchmarkDriver{typ: domain.JobBenchmark}
	tests := []struct {
		name string
		spec string
	}{
		{"garbage", `{`},
		{"no targets", `{"suite":{"name":"s","cases":[{"id":"a","prompt":"p"}]}}`},
		{"no suite", `{"targets":["model-a"]}`},
	}
	for _, tt := range tests {
		if err := d.Validate(json.RawMessage(tt.spec)); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestBenchmark_PersistenceFailureFailsJob(t *testing.T) {
	spec := BenchmarkSpec{Suite: testSuite(), Targets: []string{"model-a"}, Runs: 1, Workers: 1}
	jc, store, _ := newJobContext(t, domain.JobBenchmark, spec, okInvoker("hi"))
	store.trialErr = errors.New("disk full")

	out := (&BenchmarkDriver{typ: domain.JobBenchmark}).Run(context.Background(), jc)
	if out.Status != domain.JobFailed {
		t.Errorf("got status %s, want failed on persistence error", out.Status)
	}
}

func TestDefaults_CoversAllJobTypes(t *testing.T) {
	drivers := Defaults()
	for _, typ := range []domain.JobType{
		domain.JobBenchmark, domain.JobScheduledBenchmark, domain.JobParamTune,
		domain.JobToolEval, domain.JobPromptTune, domain.JobJudge, domain.JobJudgeCompare,
	} {
		d, ok := drivers[typ]
		if !ok {
			t.Errorf("no driver for %s", typ)
			continue
		}
		if d.Type() != typ {
			t.Errorf("driver for %s reports type %s", typ, d.Type())
		}
	}
}
