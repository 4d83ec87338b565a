package domain

import "time"

// JobType identifies the kind of work a job performs
type JobType string

const (
	JobBenchmark          JobType = "benchmark"
	JobToolEval           JobType = "tool_eval"
	JobParamTune          JobType = "param_tune"
	JobPromptTune         JobType = "prompt_tune"
	JobJudge              JobType = "judge"
	JobJudgeCompare       JobType = "judge_compare"
	JobScheduledBenchmark JobType = "scheduled_benchmark"
)

// SingletonTypes are job kinds that allow at most one pending/running
// instance per user at a time.
var SingletonTypes = map[JobType]bool{
	JobToolEval:   true,
	JobPromptTune: true,
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobQueued      JobStatus = "queued"
	JobRunning     JobStatus = "running"
	JobDone        JobStatus = "done"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
	JobInterrupted JobStatus = "interrupted"
)

// Terminal reports whether the status is a final state
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobCancelled, JobInterrupted:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle transition. Terminal states have no outgoing edges.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobQueued || next == JobRunning || next == JobCancelled
	case JobQueued:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next.Terminal()
	}
	return false
}

// Job represents one asynchronous unit of orchestrated work. Spec is
// the raw submission payload, persisted so queued jobs survive restarts.
type Job struct {
	ID             string
	Type           JobType
	OwnerID        string
	Spec           []byte
	Status         JobStatus
	ProgressPct    float64
	ProgressDetail string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ResultRef      string
	ErrorMsg       string
}

// Report is a durable job result payload referenced by Job.ResultRef
type Report struct {
	ID        string
	JobID     string
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}
