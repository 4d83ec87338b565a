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
)

// PromptTuneSpec configures a prompt search job: each variant is scored
// over the same case set and the best variant wins.
type PromptTuneSpec struct {
	Target   string             `json:"target"`
	Variants []string           `json:"variants"`
	Cases    []TuneCase         `json:"cases"`
	Params   map[string]float64 `json:"params,omitempty"`
}

// PromptTuneReport is the durable result of a prompt search job
type PromptTuneReport struct {
	Target      string   `json:"target"`
	Variants    int      `json:"variants"`
	BestVariant int      `json:"best_variant"`
	BestPrompt  string   `json:"best_prompt"`
	BestScore   *float64 `json:"best_score,omitempty"`
}

// PromptTuneDriver evaluates prompt variants, one variant per work unit
type PromptTuneDriver struct{}

// Type implements Driver
func (d *PromptTuneDriver) Type() domain.JobType { return domain.JobPromptTune }

// Validate implements Driver
func (d *PromptTuneDriver) Validate(spec json.RawMessage) error {
	var s PromptTuneSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return fmt.Errorf("malformed prompt tune spec: %w", err)
	}
	if s.Target == "" {
		return fmt.Errorf("prompt tune spec needs a target")
	}
	if len(s.Variants) == 0 {
		return fmt.Errorf("prompt tune spec needs at least one variant")
	}
	if len(s.Cases) == 0 {
		return fmt.Errorf("prompt tune spec needs at least one case")
	}
	return nil
}

// Run implements Driver
func (d *PromptTuneDriver) Run(ctx context.Context, jc *JobContext) Outcome {
	var spec PromptTuneSpec
	if err := json.Unmarshal(jc.Spec, &spec); err != nil {
		return Outcome{Status: domain.JobFailed, ErrorMsg: fmt.Sprintf("malformed spec: %v", err)}
	}

	total := len(spec.Variants)
	var best domain.BestConfig
	bestIdx := -1
	anySuccess := false

	for i, variant := range spec.Variants {
		if jc.Cancel.IsSet() {
			return Outcome{Status: domain.JobCancelled}
		}

		perCase := make([]domain.CaseResult, 0, len(spec.Cases))
		var sum float64
		for _, cs := range spec.Cases {
			cr := domain.CaseResult{Case: cs.ID}
			res, err := jc.Invoker.Invoke(ctx, invoker.Request{
				Target: spec.Target,
				Params: spec.Params,
				Prompt: variant + "\n\n" + cs.Prompt,
			})
			if err != nil {
				cr.Error = err.Error()
			} else {
				anySuccess = true
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

		score := sum / float64(len(spec.Cases))
		trial := &domain.Trial{
			ID:          uuid.NewString(),
			JobID:       jc.Job.ID,
			Seq:         i,
			ModelTarget: spec.Target,
			Score:       &score,
			PerCase:     perCase,
			CreatedAt:   time.Now(),
		}
		if best.Observe(trial) {
			bestIdx = i
		}

		if err := jc.Store.PutTrial(trial); err != nil {
			return persistenceFailure(jc, err)
		}
		detail := fmt.Sprintf("variant %d/%d, best %s", i+1, total, formatScore(best))
		if err := reportProgress(jc, i+1, total, detail); err != nil {
			return persistenceFailure(jc, err)
		}
	}

	if !anySuccess {
		return Outcome{Status: domain.JobFailed, ErrorMsg: "all variants failed"}
	}

	report := PromptTuneReport{
		Target:      spec.Target,
		Variants:    total,
		BestVariant: bestIdx,
	}
	if best.Trial != nil {
		report.BestPrompt = spec.Variants[bestIdx]
		report.BestScore = best.Trial.Score
	}
	ref, err := putReport(jc, "prompt_tune", report)
	if err != nil {
		return persistenceFailure(jc, err)
	}
	return Outcome{Status: domain.JobDone, ResultRef: ref}
}
