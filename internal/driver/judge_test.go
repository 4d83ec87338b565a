package driver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/invoker"
	"github.com/evalforge/evalforge/internal/protocol"
)

func TestParseScore(t *testing.T) {
	tests := []struct {
		output string
		want   float64
	}{
		{"85", 85},
		{"Score: 72.5 out of 100", 72.5},
		{"I would rate this 100.", 100},
		{"150", 100},  // clamped high
		{"-20", 0},    // clamped low
		{"no verdict", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseScore(tt.output); got != tt.want {
			t.Errorf("parseScore(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"A", "A"},
		{"b", "B"},
		{"The winner is A.", "A"},
		{"Candidate B: wins", "B"},
		{"Both are equally good", ""},
		{"ABBA", ""},
	}
	for _, tt := range tests {
		if got := parseVerdict(tt.output); got != tt.want {
			t.Errorf("parseVerdict(%q) = %q, want %q", tt.output, got, tt.want)
		}
	}
}

func judgeSpec() JudgeSpec {
	return JudgeSpec{
		JudgeTarget: "judge-model",
		Rubric:      "Rate this answer to {{prompt}}: {{candidate}}",
		Items: []JudgeItem{
			{ID: "i1", Prompt: "2+2?", Candidate: "4"},
			{ID: "i2", Prompt: "3+3?", Candidate: "7"},
		},
	}
}

func TestJudge_ScoresItems(t *testing.T) {
	inv := invoker.Func(func(ctx context.Context, req invoker.Request) (*invoker.Result, error) {
		// The rubric template must reach the judge with placeholders filled
		if strings.Contains(req.Prompt, "{{") {
			t.Errorf("unsubstituted placeholder in prompt: %q", req.Prompt)
		}
		if strings.Contains(req.Prompt, "4") {
			return &invoker.Result{Output: "90"}, nil
		}
		return &invoker.Result{Output: "10"}, nil
	})

	jc, store, sink := newJobContext(t, domain.JobJudge, judgeSpec(), inv)
	out := (&JudgeDriver{typ: domain.JobJudge}).Run(context.Background(), jc)

	if out.Status != domain.JobDone {
		t.Fatalf("got status %s (%s)", out.Status, out.ErrorMsg)
	}

	var report JudgeReport
	if err := json.Unmarshal(store.report(t, "judge"), &report); err != nil {
		t.Fatalf("unmarshaling report: %v", err)
	}
	if report.Items != 2 || report.Errors != 0 {
		t.Errorf("report = %+v", report)
	}
	if report.AvgScore != 50 {
		t.Errorf("avg score = %v, want 50", report.AvgScore)
	}

	verdicts := sink.ofType(protocol.TypeJudgeVerdict)
	if len(verdicts) != 2 {
		t.Errorf("got %d judge_verdict events, want 2", len(verdicts))
	}
}

func TestJudge_CompareCountsWins(t *testing.T) {
	spec := JudgeSpec{
		JudgeTarget: "judge-model",
		Rubric:      "Pick A or B for {{prompt}}: A={{candidate}} B={{candidate_b}}",
		Items: []JudgeItem{
			{ID: "i1", Prompt: "q1", Candidate: "left", CandidateB: "right"},
			{ID: "i2", Prompt: "q2", Candidate: "left", CandidateB: "right"},
			{ID: "i3", Prompt: "q3", Candidate: "left", CandidateB: "right"},
		},
	}

	replies := []string{"A", "B", "they are tied"}
	i := 0
	inv := invoker.Func(func(ctx context.Context, req invoker.Request) (*invoker.Result, error) {
		out := replies[i]
		i++
		return &invoker.Result{Output: out}, nil
	})

	jc, store, _ := newJobContext(t, domain.JobJudgeCompare, spec, inv)
	out := (&JudgeDriver{typ: domain.JobJudgeCompare, compare: true}).Run(context.Background(), jc)

	if out.Status != domain.JobDone {
		t.Fatalf("got status %s", out.Status)
	}

	var report JudgeReport
	if err := json.Unmarshal(store.report(t, "judge_compare"), &report); err != nil {
		t.Fatalf("unmarshaling report: %v", err)
	}
	if report.WinsA != 1 || report.WinsB != 1 || report.Ties != 1 {
		t.Errorf("got A=%d B=%d ties=%d, want 1/1/1", report.WinsA, report.WinsB, report.Ties)
	}
}

func TestJudge_AllCallsFailed(t *testing.T) {
	jc, _, _ := newJobContext(t, domain.JobJudge, judgeSpec(), failingInvoker())
	out := (&JudgeDriver{typ: domain.JobJudge}).Run(context.Background(), jc)
	if out.Status != domain.JobFailed {
		t.Errorf("got status %s, want failed", out.Status)
	}
}

func TestJudge_ValidateCompareNeedsCandidateB(t *testing.T) {
	d := &JudgeDriver{typ: domain.JobJudgeCompare, compare: true}
	spec, _ := json.Marshal(JudgeSpec{
		JudgeTarget: "judge-model",
		Rubric:      "r",
		Items:       []JudgeItem{{ID: "i1", Prompt: "p", Candidate: "c"}},
	})
	if err := d.Validate(spec); err == nil {
		t.Error("compare spec without candidate_b should be rejected")
	}
}
