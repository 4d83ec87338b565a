package domain

import "testing"

func TestJobStatus_Terminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobPending, false},
		{JobQueued, false},
		{JobRunning, false},
		{JobDone, true},
		{JobFailed, true},
		{JobCancelled, true},
		{JobInterrupted, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestJobStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobPending, JobQueued, true},
		{JobPending, JobRunning, true},
		{JobPending, JobCancelled, true},
		{JobPending, JobDone, false},
		{JobQueued, JobRunning, true},
		{JobQueued, JobCancelled, true},
		{JobQueued, JobDone, false},
		{JobRunning, JobDone, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobCancelled, true},
		{JobRunning, JobInterrupted, true},
		{JobRunning, JobQueued, false},
		{JobDone, JobRunning, false},
		{JobCancelled, JobQueued, false},
		{JobInterrupted, JobRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSingletonTypes(t *testing.T) {
	if !SingletonTypes[JobToolEval] {
		t.Error("tool_eval should be a singleton type")
	}
	if !SingletonTypes[JobPromptTune] {
		t.Error("prompt_tune should be a singleton type")
	}
	if SingletonTypes[JobBenchmark] {
		t.Error("benchmark should not be a singleton type")
	}
}
