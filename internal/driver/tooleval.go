package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/invoker"
)

// ToolScenario is one tool-calling evaluation case
type ToolScenario struct {
	ID         string            `json:"id" yaml:"id"`
	Prompt     string            `json:"prompt" yaml:"prompt"`
	Tools      []invoker.ToolDef `json:"tools" yaml:"tools"`
	ExpectTool string            `json:"expect_tool" yaml:"expect_tool"`
}

// ToolEvalSpec configures a tool-calling evaluation job
type ToolEvalSpec struct {
	Target    string             `json:"target"`
	Scenarios []ToolScenario     `json:"scenarios"`
	Params    map[string]float64 `json:"params,omitempty"`
}

// ToolEvalReport is the durable result of a tool-calling evaluation
type ToolEvalReport struct {
	Target   string  `json:"target"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Errors   int     `json:"errors"`
	PassRate float64 `json:"pass_rate"`
}

// ToolEvalDriver checks whether the model calls the expected tool for
// each scenario, one scenario per work unit.
type ToolEvalDriver struct{}

// Type implements Driver
func (d *ToolEvalDriver) Type() domain.JobType { return domain.JobToolEval }

// Validate implements Driver
func (d *ToolEvalDriver) Validate(spec json.RawMessage) error {
	var s ToolEvalSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return fmt.Errorf("malformed tool eval spec: %w", err)
	}
	if s.Target == "" {
		return fmt.Errorf("tool eval spec needs a target")
	}
	if len(s.Scenarios) == 0 {
		return fmt.Errorf("tool eval spec needs at least one scenario")
	}
	for _, sc := range s.Scenarios {
		if sc.ExpectTool == "" {
			return fmt.Errorf("scenario %q has no expect_tool", sc.ID)
		}
	}
	return nil
}

// Run implements Driver
func (d *ToolEvalDriver) Run(ctx context.Context, jc *JobContext) Outcome {
	var spec ToolEvalSpec
	if err := json.Unmarshal(jc.Spec, &spec); err != nil {
		return Outcome{Status: domain.JobFailed, ErrorMsg: fmt.Sprintf("malformed spec: %v", err)}
	}

	total := len(spec.Scenarios)
	passed, failed, errored := 0, 0, 0

	for i, sc := range spec.Scenarios {
		if jc.Cancel.IsSet() {
			return Outcome{Status: domain.JobCancelled}
		}

		cr := domain.CaseResult{Case: sc.ID}
		score := 0.0

		res, err := jc.Invoker.Invoke(ctx, invoker.Request{
			Target: spec.Target,
			Params: spec.Params,
			Prompt: sc.Prompt,
			Tools:  sc.Tools,
		})
		switch {
		case err != nil:
			cr.Error = err.Error()
			errored++
		case calledTool(res.ToolCalls, sc.ExpectTool):
			cr.Score = 100
			score = 100
			passed++
		default:
			failed++
		}
		if res != nil {
			cr.LatencyMs = res.Latency.Milliseconds()
			cr.TokensIn = res.Usage.TokensIn
			cr.TokensOut = res.Usage.TokensOut
			cr.CostUSD = res.CostUSD
		}

		trial := &domain.Trial{
			ID:          uuid.NewString(),
			JobID:       jc.Job.ID,
			Seq:         i,
			Params:      spec.Params,
			ModelTarget: spec.Target,
			Score:       &score,
			PerCase:     []domain.CaseResult{cr},
			CreatedAt:   time.Now(),
		}
		if err := jc.Store.PutTrial(trial); err != nil {
			return persistenceFailure(jc, err)
		}

		detail := fmt.Sprintf("%d/%d scenarios, %d passed", i+1, total, passed)
		if err := reportProgress(jc, i+1, total, detail); err != nil {
			return persistenceFailure(jc, err)
		}
	}

	if errored == total {
		return Outcome{Status: domain.JobFailed, ErrorMsg: "all scenarios failed with provider errors"}
	}

	report := ToolEvalReport{
		Target:   spec.Target,
		Passed:   passed,
		Failed:   failed + errored,
		Errors:   errored,
		PassRate: float64(passed) / float64(total) * 100,
	}
	ref, err := putReport(jc, "tool_eval", report)
	if err != nil {
		return persistenceFailure(jc, err)
	}
	return Outcome{Status: domain.JobDone, ResultRef: ref}
}

func calledTool(calls []invoker.ToolCall, name string) bool {
	for _, c := range calls {
		if c.Name == name {
			return true
		}
	}
	return false
}
