// Package driver contains the execution drivers, one per job kind. A
// driver consumes a job spec, calls the model invoker once per work
// unit, persists every unit result before emitting its progress event,
// and checks the cooperative cancel flag at unit boundaries.
package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/evalforge/evalforge/internal/cancel"
	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/invoker"
	"github.com/evalforge/evalforge/internal/protocol"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "evalforge",
	"component": "driver",
})

// Store is the subset of the durable store a driver writes to
type Store interface {
	SetJobProgress(id string, pct float64, detail string) error
	PutTrial(t *domain.Trial) error
	PutReport(r *domain.Report) error
}

// Sink receives events for fan-out to the owning user's connections
type Sink interface {
	Publish(ownerID, msgType string, payload interface{})
}

// Outcome is a driver's terminal result for a job
type Outcome struct {
	Status    domain.JobStatus
	ResultRef string
	ErrorMsg  string
}

// JobContext carries everything a driver needs to run one job
type JobContext struct {
	Job     *domain.Job
	Spec    json.RawMessage
	Store   Store
	Events  Sink
	Invoker invoker.Invoker
	Cancel  *cancel.Flag
}

// Driver runs jobs of one kind
type Driver interface {
	Type() domain.JobType
	Validate(spec json.RawMessage) error
	Run(ctx context.Context, jc *JobContext) Outcome
}

// Defaults returns the standard driver set keyed by job type.
// Scheduled benchmarks execute with the benchmark driver.
func Defaults() map[domain.JobType]Driver {
	return map[domain.JobType]Driver{
		domain.JobBenchmark:          &BenchmarkDriver{typ: domain.JobBenchmark},
		domain.JobScheduledBenchmark: &BenchmarkDriver{typ: domain.JobScheduledBenchmark},
		domain.JobParamTune:          &ParamTuneDriver{},
		domain.JobToolEval:           &ToolEvalDriver{},
		domain.JobPromptTune:         &PromptTuneDriver{},
		domain.JobJudge:              &JudgeDriver{typ: domain.JobJudge},
		domain.JobJudgeCompare:       &JudgeDriver{typ: domain.JobJudgeCompare, compare: true},
	}
}

// reportProgress persists the progress fields and then emits the
// matching event, in that order, so durable state never lags what
// subscribers have seen.
func reportProgress(jc *JobContext, completed, total int, detail string) error {
	pct := float64(completed) / float64(total) * 100
	if err := jc.Store.SetJobProgress(jc.Job.ID, pct, detail); err != nil {
		return fmt.Errorf("persisting progress: %w", err)
	}
	jc.Job.ProgressPct = pct
	jc.Job.ProgressDetail = detail
	jc.Events.Publish(jc.Job.OwnerID, protocol.TypeJobProgress, protocol.ProgressMessage{
		JobID:  jc.Job.ID,
		Pct:    pct,
		Detail: detail,
	})
	return nil
}

// persistenceFailure builds the failed outcome for a fatal store error
func persistenceFailure(jc *JobContext, err error) Outcome {
	logger.WithField("job_id", jc.Job.ID).WithError(err).Error("persistence failure, aborting job")
	return Outcome{
		Status:   domain.JobFailed,
		ErrorMsg: fmt.Sprintf("persistence failure: %v", err),
	}
}
