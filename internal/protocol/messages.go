// Package protocol defines message types for the real-time progress
// channel between server and clients. Messages flow over WebSocket
// connections.
package protocol

import "encoding/json"

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Message type constants
const (
	TypeSync         = "sync"
	TypeJobCreated   = "job_created"
	TypeJobStarted   = "job_started"
	TypeJobProgress  = "job_progress"
	TypeJobCompleted = "job_completed"
	TypeJobFailed    = "job_failed"
	TypeJobCancelled = "job_cancelled"
	TypeComboResult  = "combo_result"
	TypeJudgeVerdict = "judge_verdict"
	TypeConnDegraded = "conn_degraded"
	TypePing         = "ping"
	TypePong         = "pong"
)

// JobSnapshot is the client-visible view of one job's current state
type JobSnapshot struct {
	JobID          string  `json:"job_id"`
	Type           string  `json:"type"`
	Status         string  `json:"status"`
	ProgressPct    float64 `json:"progress_pct"`
	ProgressDetail string  `json:"progress_detail,omitempty"`
	ResultRef      string  `json:"result_ref,omitempty"`
	Error          string  `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at,omitempty"`
}

// SyncMessage is sent once per connection, before any live event, so a
// reconnecting client can recover state in one round trip.
type SyncMessage struct {
	ActiveJobs []JobSnapshot `json:"active_jobs"`
	RecentJobs []JobSnapshot `json:"recent_jobs"`
}

// CreatedMessage announces a newly admitted job
type CreatedMessage struct {
	JobID string `json:"job_id"`
	Type  string `json:"type"`
}

// StartedMessage announces that a job began running
type StartedMessage struct {
	JobID string `json:"job_id"`
}

// ProgressMessage carries one monotone progress update for a job
type ProgressMessage struct {
	JobID  string  `json:"job_id"`
	Pct    float64 `json:"pct"`
	Detail string  `json:"detail,omitempty"`
}

// CompletedMessage is the terminal event for a successful job
type CompletedMessage struct {
	JobID     string `json:"job_id"`
	ResultRef string `json:"result_ref,omitempty"`
}

// FailedMessage is the terminal event for a failed job
type FailedMessage struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// CancelledMessage is the terminal event for a cancelled job
type CancelledMessage struct {
	JobID string `json:"job_id"`
}

// ComboResultMessage reports one evaluated parameter combination
type ComboResultMessage struct {
	JobID       string             `json:"job_id"`
	TrialID     string             `json:"trial_id"`
	Seq         int                `json:"seq"`
	Params      map[string]float64 `json:"params"`
	Score       *float64           `json:"score"`
	Adjustments json.RawMessage    `json:"adjustments,omitempty"`
	Best        bool               `json:"best"`
}

// JudgeVerdictMessage reports one graded item from a judge job
type JudgeVerdictMessage struct {
	JobID   string  `json:"job_id"`
	Case    string  `json:"case"`
	Verdict string  `json:"verdict,omitempty"`
	Score   float64 `json:"score"`
}

// DegradedMessage flags or clears degraded connectivity on a connection
type DegradedMessage struct {
	Degraded    bool `json:"degraded"`
	MissedPongs int  `json:"missed_pongs,omitempty"`
}
