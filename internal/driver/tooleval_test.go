package driver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/invoker"
)

func toolEvalSpec() ToolEvalSpec {
	weather := invoker.ToolDef{Name: "get_weather", Description: "current weather"}
	search := invoker.ToolDef{Name: "web_search", Description: "search the web"}
	return ToolEvalSpec{
		Target: "model-a",
		Scenarios: []ToolScenario{
			{ID: "s1", Prompt: "weather in Berlin?", Tools: []invoker.ToolDef{weather, search}, ExpectTool: "get_weather"},
			{ID: "s2", Prompt: "latest Go release?", Tools: []invoker.ToolDef{weather, search}, ExpectTool: "web_search"},
		},
	}
}

func TestToolEval_PassAndFail(t *testing.T) {
	// The model always reaches for get_weather: one pass, one fail
	inv := invoker.Func(func(ctx context.Context, req invoker.Request) (*invoker.Result, error) {
		return &invoker.Result{
			ToolCalls: []invoker.ToolCall{{Name: "get_weather", Arguments: `{"city":"Berlin"}`}},
		}, nil
	})

	jc, store, _ := newJobContext(t, domain.JobToolEval, toolEvalSpec(), inv)
	out := (&ToolEvalDriver{}).Run(context.Background(), jc)

	if out.Status != domain.JobDone {
		t.Fatalf("got status %s (%s)", out.Status, out.ErrorMsg)
	}

	var report ToolEvalReport
	if err := json.Unmarshal(store.report(t, "tool_eval"), &report); err != nil {
		t.Fatalf("unmarshaling report: %v", err)
	}
	if report.Passed != 1 || report.Failed != 1 {
		t.Errorf("got passed=%d failed=%d, want 1/1", report.Passed, report.Failed)
	}
	if report.PassRate != 50 {
		t.Errorf("pass rate = %v, want 50", report.PassRate)
	}
}

func TestToolEval_NoToolCallFails(t *testing.T) {
	jc, store, _ := newJobContext(t, domain.JobToolEval, toolEvalSpec(), okInvoker("I'd guess it's sunny"))
	out := (&ToolEvalDriver{}).Run(context.Background(), jc)

	if out.Status != domain.JobDone {
		t.Fatalf("got status %s", out.Status)
	}
	var report ToolEvalReport
	if err := json.Unmarshal(store.report(t, "tool_eval"), &report); err != nil {
		t.Fatalf("unmarshaling report: %v", err)
	}
	if report.Passed != 0 {
		t.Errorf("answering in prose should not pass, got passed=%d", report.Passed)
	}
}

func TestToolEval_ProviderErrorsCountSeparately(t *testing.T) {
	calls := 0
	inv := invoker.Func(func(ctx context.Context, req invoker.Request) (*invoker.Result, error) {
		calls++
		if calls == 1 {
			return nil, &invoker.ProviderError{Kind: invoker.KindTimeout, Message: "slow"}
		}
		return &invoker.Result{ToolCalls: []invoker.ToolCall{{Name: "web_search"}}}, nil
	})

	jc, store, _ := newJobContext(t, domain.JobToolEval, toolEvalSpec(), inv)
	out := (&ToolEvalDriver{}).Run(context.Background(), jc)

	if out.Status != domain.JobDone {
		t.Fatalf("got status %s", out.Status)
	}
	var report ToolEvalReport
	if err := json.Unmarshal(store.report(t, "tool_eval"), &report); err != nil {
		t.Fatalf("unmarshaling report: %v", err)
	}
	if report.Errors != 1 || report.Passed != 1 {
		t.Errorf("got errors=%d passed=%d, want 1/1", report.Errors, report.Passed)
	}
}

func TestToolEval_ValidateNeedsExpectTool(t *testing.T) {
	d := &ToolEvalDriver{}
	spec, _ := json.Marshal(ToolEvalSpec{
		Target:    "model-a",
		Scenarios: []ToolScenario{{ID: "s1", Prompt: "p"}},
	})
	if err := d.Validate(spec); err == nil {
		t.Error("scenario without expect_tool should be rejected")
	}
}
