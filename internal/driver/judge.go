package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/invoker"
	"github.com/evalforge/evalforge/internal/protocol"
)

// JudgeItem is one candidate output to grade. CandidateB is only used
// by judge_compare jobs.
type JudgeItem struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt"`
	Candidate  string `json:"candidate"`
	CandidateB string `json:"candidate_b,omitempty"`
}

// JudgeSpec configures an LLM-as-judge job. The rubric template is
// supplied by the caller; its content is not interpreted here beyond
// placeholder substitution.
type JudgeSpec struct {
	JudgeTarget string      `json:"judge_target"`
	Rubric      string      `json:"rubric"`
	Items       []JudgeItem `json:"items"`
}

// JudgeReport is the durable result of a judge job
type JudgeReport struct {
	JudgeTarget string  `json:"judge_target"`
	Items       int     `json:"items"`
	Errors      int     `json:"errors"`
	AvgScore    float64 `json:"avg_score"`
	WinsA       int     `json:"wins_a,omitempty"`
	WinsB       int     `json:"wins_b,omitempty"`
	Ties        int     `json:"ties,omitempty"`
}

// JudgeDriver grades candidate outputs with a judge model, one item per
// work unit. With compare set it adjudicates between two candidates.
type JudgeDriver struct {
	typ     domain.JobType
	compare bool
}

// Type implements Driver
func (d *JudgeDriver) Type() domain.JobType { return d.typ }

// Validate implements Driver
func (d *JudgeDriver) Validate(spec json.RawMessage) error {
	var s JudgeSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return fmt.Errorf("malformed judge spec: %w", err)
	}
	if s.JudgeTarget == "" {
		return fmt.Errorf("judge spec needs a judge_target")
	}
	if len(s.Items) == 0 {
		return fmt.Errorf("judge spec needs at least one item")
	}
	if d.compare {
		for _, it := range s.Items {
			if it.CandidateB == "" {
				return fmt.Errorf("item %q has no candidate_b", it.ID)
			}
		}
	}
	return nil
}

// Run implements Driver
func (d *JudgeDriver) Run(ctx context.Context, jc *JobContext) Outcome {
	var spec JudgeSpec
	if err := json.Unmarshal(jc.Spec, &spec); err != nil {
		return Outcome{Status: domain.JobFailed, ErrorMsg: fmt.Sprintf("malformed spec: %v", err)}
	}

	total := len(spec.Items)
	report := JudgeReport{JudgeTarget: spec.JudgeTarget, Items: total}
	var scoreSum float64

	for i, item := range spec.Items {
		if jc.Cancel.IsSet() {
			return Outcome{Status: domain.JobCancelled}
		}

		cr := domain.CaseResult{Case: item.ID}
		verdict := ""
		score := 0.0

		res, err := jc.Invoker.Invoke(ctx, invoker.Request{
			Target: spec.JudgeTarget,
			Prompt: d.gradePrompt(spec.Rubric, item),
		})
		if err != nil {
			cr.Error = err.Error()
			report.Errors++
		} else {
			cr.LatencyMs = res.Latency.Milliseconds()
			cr.TokensIn = res.Usage.TokensIn
			cr.TokensOut = res.Usage.TokensOut
			cr.CostUSD = res.CostUSD
			if d.compare {
				verdict = parseVerdict(res.Output)
				switch verdict {
				case "A":
					report.WinsA++
					score = 100
				case "B":
					report.WinsB++
				default:
					report.Ties++
					score = 50
				}
			} else {
				score = parseScore(res.Output)
			}
			cr.Score = score
			scoreSum += score
		}

		trial := &domain.Trial{
			ID:          uuid.NewString(),
			JobID:       jc.Job.ID,
			Seq:         i,
			ModelTarget: spec.JudgeTarget,
			Score:       &score,
			PerCase:     []domain.CaseResult{cr},
			CreatedAt:   time.Now(),
		}
		if err := jc.Store.PutTrial(trial); err != nil {
			return persistenceFailure(jc, err)
		}

		jc.Events.Publish(jc.Job.OwnerID, protocol.TypeJudgeVerdict, protocol.JudgeVerdictMessage{
			JobID:   jc.Job.ID,
			Case:    item.ID,
			Verdict: verdict,
			Score:   score,
		})
		detail := fmt.Sprintf("%d/%d items judged", i+1, total)
		if err := reportProgress(jc, i+1, total, detail); err != nil {
			return persistenceFailure(jc, err)
		}
	}

	if report.Errors == total {
		return Outcome{Status: domain.JobFailed, ErrorMsg: "all judge calls failed"}
	}

	if graded := total - report.Errors; graded > 0 {
		report.AvgScore = scoreSum / float64(graded)
	}
	ref, err := putReport(jc, string(d.typ), report)
	if err != nil {
		return persistenceFailure(jc, err)
	}
	return Outcome{Status: domain.JobDone, ResultRef: ref}
}

func (d *JudgeDriver) gradePrompt(rubric string, item JudgeItem) string {
	p := strings.ReplaceAll(rubric, "{{prompt}}", item.Prompt)
	p = strings.ReplaceAll(p, "{{candidate}}", item.Candidate)
	if d.compare {
		p = strings.ReplaceAll(p, "{{candidate_b}}", item.CandidateB)
	}
	return p
}

var numberRe = regexp.MustCompile(`-?\d+(\.\d+)?`)

// parseScore extracts the first number from the judge's reply, clamped
// to [0,100]. Unparseable replies score zero.
func parseScore(output string) float64 {
	m := numberRe.FindString(output)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// parseVerdict looks for a standalone A or B in the judge's reply
func parseVerdict(output string) string {
	for _, f := range strings.Fields(strings.ToUpper(output)) {
		f = strings.Trim(f, ".,:;!\"'")
		if f == "A" || f == "B" {
			return f
		}
	}
	return ""
}
