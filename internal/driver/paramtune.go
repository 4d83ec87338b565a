package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/invoker"
	"github.com/evalforge/evalforge/internal/protocol"
	"github.com/evalforge/evalforge/internal/search"
)

// TuneCase is one scored evaluation case for tuning jobs
type TuneCase struct {
	ID       string `json:"id" yaml:"id"`
	Prompt   string `json:"prompt" yaml:"prompt"`
	Expected string `json:"expected" yaml:"expected"`
}

// TuneSpec configures a parameter search job
type TuneSpec struct {
	Target      string                `json:"target"`
	Space       domain.SearchSpace    `json:"space"`
	Strategy    string                `json:"strategy"` // grid | random | bayes
	NSamples    int                   `json:"n_samples,omitempty"`
	MaxTrials   int                   `json:"max_trials,omitempty"`
	TimeoutSecs int                   `json:"timeout_secs,omitempty"`
	Seed        int64                 `json:"seed,omitempty"`
	Profile     *domain.TargetProfile `json:"profile,omitempty"`
	Cases       []TuneCase            `json:"cases"`
}

// TuneReport is the durable result of a parameter search job
type TuneReport struct {
	Strategy   string             `json:"strategy"`
	Trials     int                `json:"trials"`
	BestParams map[string]float64 `json:"best_params,omitempty"`
	BestScore  *float64           `json:"best_score,omitempty"`
	BestTrial  string             `json:"best_trial,omitempty"`
}

// ParamTuneDriver evaluates parameter combinations produced by the
// search engine, one trial per work unit.
type ParamTuneDriver struct{}

// Type implements Driver
func (d *ParamTuneDriver) Type() domain.JobType { return domain.JobParamTune }

// Validate implements Driver. An empty search space is rejected here,
// at submission, rather than silently running empty.
func (d *ParamTuneDriver) Validate(spec json.RawMessage) error {
	var s TuneSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return fmt.Errorf("malformed tune spec: %w", err)
	}
	if s.Target == "" {
		return fmt.Errorf("tune spec needs a target")
	}
	if len(s.Cases) == 0 {
		return fmt.Errorf("tune spec needs at least one case")
	}
	if err := s.Space.Validate(); err != nil {
		return err
	}
	if _, err := search.New(s.Strategy, s.Space, search.Options{
		NSamples:  s.NSamples,
		MaxTrials: s.MaxTrials,
		Seed:      s.Seed,
	}); err != nil {
		return err
	}
	return nil
}

// Run implements Driver
func (d *ParamTuneDriver) Run(ctx context.Context, jc *JobContext) Outcome {
	var spec TuneSpec
	if err := json.Unmarshal(jc.Spec, &spec); err != nil {
		return Outcome{Status: domain.JobFailed, ErrorMsg: fmt.Sprintf("malformed spec: %v", err)}
	}

	strat, err := search.New(spec.Strategy, spec.Space, search.Options{
		NSamples:  spec.NSamples,
		MaxTrials: spec.MaxTrials,
		Seed:      spec.Seed,
	})
	if err != nil {
		return Outcome{Status: domain.JobFailed, ErrorMsg: err.Error()}
	}
	total := trialBudget(strat, spec)

	var deadline time.Time
	if spec.TimeoutSecs > 0 {
		deadline = time.Now().Add(time.Duration(spec.TimeoutSecs) * time.Second)
	}

	var best domain.BestConfig
	seq := 0
	anySuccess := false

	for {
		combo, ok := strat.Next()
		if !ok {
			break
		}
		// Unit boundary: cancellation and timeout are checked between
		// trials, never mid-flight.
		if jc.Cancel.IsSet() {
			return d.finish(jc, spec, seq, best, domain.JobCancelled)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}

		effective, adjustments := search.ApplyProfile(combo, spec.Profile)
		trial := &domain.Trial{
			ID:          uuid.NewString(),
			JobID:       jc.Job.ID,
			Seq:         seq,
			Params:      combo,
			ModelTarget: spec.Target,
			Adjustments: adjustments,
			CreatedAt:   time.Now(),
		}

		score, perCase, unitOK := d.evaluate(ctx, jc, spec, effective)
		trial.Score = &score
		trial.PerCase = perCase
		if unitOK {
			anySuccess = true
		}

		// Failed trials still enter the observation set at their zero
		// score so the optimizer does not re-propose them indefinitely.
		strat.Observe(combo, score)
		isBest := best.Observe(trial)

		if err := jc.Store.PutTrial(trial); err != nil {
			return persistenceFailure(jc, err)
		}

		adjJSON, _ := json.Marshal(adjustments)
		jc.Events.Publish(jc.Job.OwnerID, protocol.TypeComboResult, protocol.ComboResultMessage{
			JobID:       jc.Job.ID,
			TrialID:     trial.ID,
			Seq:         seq,
			Params:      combo,
			Score:       trial.Score,
			Adjustments: adjJSON,
			Best:        isBest,
		})

		seq++
		detail := fmt.Sprintf("trial %d/%d, best %s", seq, total, formatScore(best))
		if err := reportProgress(jc, min(seq, total), total, detail); err != nil {
			return persistenceFailure(jc, err)
		}
	}

	if seq > 0 && !anySuccess {
		return Outcome{Status: domain.JobFailed, ErrorMsg: "all trials failed"}
	}
	return d.finish(jc, spec, seq, best, domain.JobDone)
}

// evaluate runs all cases for one combo. Provider errors score the case
// at zero and never abort the trial.
func (d *ParamTuneDriver) evaluate(ctx context.Context, jc *JobContext, spec TuneSpec, params search.Combo) (float64, []domain.CaseResult, bool) {
	perCase := make([]domain.CaseResult, 0, len(spec.Cases))
	var sum float64
	anyOK := false

	for _, cs := range spec.Cases {
		cr := domain.CaseResult{Case: cs.ID}
		res, err := jc.Invoker.Invoke(ctx, invoker.Request{
			Target: spec.Target,
			Params: map[string]float64(params),
			Prompt: cs.Prompt,
		})
		if err != nil {
			cr.Error = err.Error()
		} else {
			anyOK = true
			cr.LatencyMs = res.Latency.Milliseconds()
			cr.TokensIn = res.Usage.TokensIn
			cr.TokensOut = res.Usage.TokensOut
			cr.CostUSD = res.CostUSD
			if cs.Expected == "" || strings.Contains(res.Output, cs.Expected) {
				cr.Score = 100
			}
		}
		sum += cr.Score
		perCase = append(perCase, cr)
	}

	return sum / float64(len(spec.Cases)), perCase, anyOK
}

func (d *ParamTuneDriver) finish(jc *JobContext, spec TuneSpec, trials int, best domain.BestConfig, status domain.JobStatus) Outcome {
	report := TuneReport{Strategy: spec.Strategy, Trials: trials}
	if best.Trial != nil {
		report.BestParams = best.Trial.Params
		report.BestScore = best.Trial.Score
		report.BestTrial = best.Trial.ID
	}
	ref, err := putReport(jc, "param_tune", report)
	if err != nil {
		return persistenceFailure(jc, err)
	}
	return Outcome{Status: status, ResultRef: ref}
}

// trialBudget returns the denominator for progress reporting
func trialBudget(strat search.Strategy, spec TuneSpec) int {
	switch s := strat.(type) {
	case *search.Grid:
		return s.Size()
	case *search.Random:
		return s.Size()
	}
	if spec.MaxTrials > 0 {
		return spec.MaxTrials
	}
	return 20
}

func formatScore(best domain.BestConfig) string {
	if best.Trial == nil || best.Trial.Score == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f", *best.Trial.Score)
}
