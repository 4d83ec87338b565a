package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/invoker"
)

// Suite is a set of benchmark prompts, loaded from YAML
type Suite struct {
	Name  string      `yaml:"name" json:"name"`
	Cases []SuiteCase `yaml:"cases" json:"cases"`
}

// SuiteCase is one prompt in a benchmark suite
type SuiteCase struct {
	ID     string `yaml:"id" json:"id"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

// LoadSuite reads a benchmark suite from a YAML file
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing suite %s: %w", path, err)
	}
	return &s, nil
}

// BenchmarkSpec configures a throughput benchmark job
type BenchmarkSpec struct {
	SuitePath string             `json:"suite_path,omitempty"`
	Suite     *Suite             `json:"suite,omitempty"`
	Targets   []string           `json:"targets"`
	Runs      int                `json:"runs"`
	Workers   int                `json:"workers,omitempty"`
	Params    map[string]float64 `json:"params,omitempty"`
}

func (s *BenchmarkSpec) resolveSuite() (*Suite, error) {
	if s.Suite != nil {
		return s.Suite, nil
	}
	if s.SuitePath != "" {
		return LoadSuite(s.SuitePath)
	}
	return nil, fmt.Errorf("benchmark spec needs a suite or suite_path")
}

// TargetStats aggregates benchmark results for one model target
type TargetStats struct {
	Target       string  `json:"target"`
	Units        int     `json:"units"`
	Failures     int     `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	TokensOut    int     `json:"tokens_out"`
	TokensPerSec float64 `json:"tokens_per_sec"`
	CostUSD      float64 `json:"cost_usd"`
}

// BenchmarkReport is the durable result of a benchmark job
type BenchmarkReport struct {
	Suite   string        `json:"suite"`
	Targets []TargetStats `json:"targets"`
}

// BenchmarkDriver runs throughput benchmarks: suite cases x targets x
// runs, fanned out over a bounded worker group.
type BenchmarkDriver struct {
	typ domain.JobType
}

// Type implements Driver
func (d *BenchmarkDriver) Type() domain.JobType { return d.typ }

// Validate implements Driver
func (d *BenchmarkDriver) Validate(spec json.RawMessage) error {
	var s BenchmarkSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return fmt.Errorf("malformed benchmark spec: %w", err)
	}
	if len(s.Targets) == 0 {
		return fmt.Errorf("benchmark spec needs at least one target")
	}
	if s.Suite == nil && s.SuitePath == "" {
		return fmt.Errorf("benchmark spec needs a suite or suite_path")
	}
	return nil
}

type benchUnit struct {
	target string
	run    int
	cs     SuiteCase
}

// Run implements Driver
func (d *BenchmarkDriver) Run(ctx context.Context, jc *JobContext) Outcome {
	var spec BenchmarkSpec
	if err := json.Unmarshal(jc.Spec, &spec); err != nil {
		return Outcome{Status: domain.JobFailed, ErrorMsg: fmt.Sprintf("malformed spec: %v", err)}
	}
	suite, err := spec.resolveSuite()
	if err != nil {
		return Outcome{Status: domain.JobFailed, ErrorMsg: err.Error()}
	}
	runs := spec.Runs
	if runs <= 0 {
		runs = 1
	}
	workers := spec.Workers
	if workers <= 0 {
		workers = 4
	}

	var units []benchUnit
	for _, target := range spec.Targets {
		for run := 0; run < runs; run++ {
			for _, cs := range suite.Cases {
				units = append(units, benchUnit{target: target, run: run, cs: cs})
			}
		}
	}
	total := len(units)
	if total == 0 {
		return Outcome{Status: domain.JobFailed, ErrorMsg: "suite has no cases"}
	}

	var (
		mu        sync.Mutex
		completed int
		failures  int
		perTarget = make(map[string]*TargetStats)
		latency   = make(map[string]time.Duration)
		persistErr error
		cancelled  bool
	)
	for _, target := range spec.Targets {
		perTarget[target] = &TargetStats{Target: target}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, u := range units {
		if jc.Cancel.IsSet() {
			cancelled = true
			break
		}
		mu.Lock()
		if persistErr != nil {
			mu.Unlock()
			break
		}
		mu.Unlock()

		i, u := i, u
		g.Go(func() error {
			res, err := jc.Invoker.Invoke(gctx, invoker.Request{
				Target: u.target,
				Params: spec.Params,
				Prompt: u.cs.Prompt,
			})

			unit := domain.CaseResult{Case: fmt.Sprintf("%s/run%d/%s", u.target, u.run, u.cs.ID)}
			score := 100.0
			if err != nil {
				// Per-unit provider failure: record and keep going
				unit.Error = err.Error()
				score = 0
			} else {
				unit.Score = 100
				unit.LatencyMs = res.Latency.Milliseconds()
				unit.TokensIn = res.Usage.TokensIn
				unit.TokensOut = res.Usage.TokensOut
				unit.CostUSD = res.CostUSD
			}

			trial := &domain.Trial{
				ID:          uuid.NewString(),
				JobID:       jc.Job.ID,
				Seq:         i,
				Params:      spec.Params,
				ModelTarget: u.target,
				Score:       &score,
				PerCase:     []domain.CaseResult{unit},
				CreatedAt:   time.Now(),
			}

			mu.Lock()
			defer mu.Unlock()

			if perr := jc.Store.PutTrial(trial); perr != nil {
				if persistErr == nil {
					persistErr = perr
				}
				return nil
			}

			st := perTarget[u.target]
			st.Units++
			if err != nil {
				st.Failures++
				failures++
			} else {
				st.TokensOut += res.Usage.TokensOut
				st.CostUSD += res.CostUSD
				latency[u.target] += res.Latency
			}

			completed++
			detail := fmt.Sprintf("%d/%d units (%s)", completed, total, u.target)
			if perr := reportProgress(jc, completed, total, detail); perr != nil {
				if persistErr == nil {
					persistErr = perr
				}
			}
			return nil
		})
	}
	g.Wait()

	if persistErr != nil {
		return persistenceFailure(jc, persistErr)
	}
	if cancelled {
		return Outcome{Status: domain.JobCancelled}
	}
	if failures == total {
		return Outcome{Status: domain.JobFailed, ErrorMsg: "all benchmark units failed"}
	}

	for target, st := range perTarget {
		ok := st.Units - st.Failures
		if ok > 0 {
			st.AvgLatencyMs = float64(latency[target].Milliseconds()) / float64(ok)
		}
		if secs := latency[target].Seconds(); secs > 0 {
			st.TokensPerSec = float64(st.TokensOut) / secs
		}
	}
	report := BenchmarkReport{Suite: suite.Name}
	for _, target := range spec.Targets {
		report.Targets = append(report.Targets, *perTarget[target])
	}

	ref, err := putReport(jc, "benchmark", report)
	if err != nil {
		return persistenceFailure(jc, err)
	}
	return Outcome{Status: domain.JobDone, ResultRef: ref}
}

// putReport persists a report payload and returns its reference
func putReport(jc *JobContext, kind string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	r := &domain.Report{
		ID:        uuid.NewString(),
		JobID:     jc.Job.ID,
		Kind:      kind,
		Payload:   data,
		CreatedAt: time.Now(),
	}
	if err := jc.Store.PutReport(r); err != nil {
		return "", err
	}
	return r.ID, nil
}
