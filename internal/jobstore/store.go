// Package jobstore provides SQLite-backed persistence for jobs, trials
// and reports. The database is the log of record: in-memory job state is
// a cache rebuilt from it on restart.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evalforge/evalforge/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when the requested record does not exist
var ErrNotFound = errors.New("jobstore: not found")

// Store provides SQLite-backed job persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertJob inserts or updates a job record
func (s *Store) UpsertJob(job *domain.Job) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, job_type, owner_id, spec, status, progress_pct, progress_detail, created_at, started_at, completed_at, result_ref, error_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress_pct = excluded.progress_pct,
			progress_detail = excluded.progress_detail,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			result_ref = excluded.result_ref,
			error_msg = excluded.error_msg
	`,
		job.ID,
		string(job.Type),
		job.OwnerID,
		string(job.Spec),
		string(job.Status),
		job.ProgressPct,
		job.ProgressDetail,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.ResultRef,
		job.ErrorMsg,
	)
	return err
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*domain.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, job_type, owner_id, spec, status, progress_pct, progress_detail, created_at, started_at, completed_at, result_ref, error_msg
		FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListOptions specifies filters for listing jobs
type ListOptions struct {
	Owner    string
	Status   domain.JobStatus
	Type     domain.JobType
	Terminal *bool
	Limit    int
}

// ListJobs returns jobs matching the given options, newest first
func (s *Store) ListJobs(opts ListOptions) ([]*domain.Job, error) {
	query := `SELECT id, job_type, owner_id, spec, status, progress_pct, progress_detail, created_at, started_at, completed_at, result_ref, error_msg FROM jobs WHERE 1=1`
	var args []interface{}

	if opts.Owner != "" {
		query += " AND owner_id = ?"
		args = append(args, opts.Owner)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Type != "" {
		query += " AND job_type = ?"
		args = append(args, string(opts.Type))
	}
	if opts.Terminal != nil {
		op := "IN"
		if !*opts.Terminal {
			op = "NOT IN"
		}
		query += fmt.Sprintf(" AND status %s ('done', 'failed', 'cancelled', 'interrupted')", op)
	}

	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// MarkStarted transitions a job to running
func (s *Store) MarkStarted(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`,
		string(domain.JobRunning), at, id)
	return err
}

// MarkTerminal finalizes a job with the given terminal status
func (s *Store) MarkTerminal(id string, status domain.JobStatus, at time.Time, errMsg string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, completed_at = ?, error_msg = ? WHERE id = ?`,
		string(status), at, errMsg, id)
	return err
}

// MarkQueued transitions a job to queued
func (s *Store) MarkQueued(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = ? WHERE id = ?`,
		string(domain.JobQueued), id)
	return err
}

// SetJobProgress updates the driver-owned progress fields
func (s *Store) SetJobProgress(id string, pct float64, detail string) error {
	_, err := s.db.Exec(`UPDATE jobs SET progress_pct = ?, progress_detail = ? WHERE id = ?`,
		pct, detail, id)
	return err
}

// SetJobResult records the opaque result pointer for a job
func (s *Store) SetJobResult(id, resultRef string) error {
	_, err := s.db.Exec(`UPDATE jobs SET result_ref = ? WHERE id = ?`, resultRef, id)
	return err
}

// RecoverInterrupted marks jobs that were running at crash time as
// interrupted. Called once at startup before the registry is rebuilt.
func (s *Store) RecoverInterrupted(at time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, completed_at = ?, error_msg = 'process restarted mid-run' WHERE status = ?`,
		string(domain.JobInterrupted), at, string(domain.JobRunning))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PutTrial inserts or replaces a trial record
func (s *Store) PutTrial(t *domain.Trial) error {
	paramsJSON, err := json.Marshal(t.Params)
	if err != nil {
		return err
	}
	adjJSON, err := json.Marshal(t.Adjustments)
	if err != nil {
		return err
	}
	casesJSON, err := json.Marshal(t.PerCase)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO trials (id, job_id, seq, params, model_target, score, adjustments, per_case, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			score = excluded.score,
			adjustments = excluded.adjustments,
			per_case = excluded.per_case
	`,
		t.ID, t.JobID, t.Seq, string(paramsJSON), t.ModelTarget, t.Score,
		string(adjJSON), string(casesJSON), t.CreatedAt,
	)
	return err
}

// ListTrials returns all trials for a job in evaluation order
func (s *Store) ListTrials(jobID string) ([]*domain.Trial, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, seq, params, model_target, score, adjustments, per_case, created_at
		FROM trials WHERE job_id = ? ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trials []*domain.Trial
	for rows.Next() {
		var t domain.Trial
		var score sql.NullFloat64
		var paramsJSON, adjJSON, casesJSON, target sql.NullString

		if err := rows.Scan(&t.ID, &t.JobID, &t.Seq, &paramsJSON, &target, &score, &adjJSON, &casesJSON, &t.CreatedAt); err != nil {
			return nil, err
		}
		if score.Valid {
			v := score.Float64
			t.Score = &v
		}
		if target.Valid {
			t.ModelTarget = target.String
		}
		if err := unmarshalInto(paramsJSON, &t.Params); err != nil {
			return nil, err
		}
		if err := unmarshalInto(adjJSON, &t.Adjustments); err != nil {
			return nil, err
		}
		if err := unmarshalInto(casesJSON, &t.PerCase); err != nil {
			return nil, err
		}
		trials = append(trials, &t)
	}

	return trials, rows.Err()
}

// PutReport stores a job result payload
func (s *Store) PutReport(r *domain.Report) error {
	_, err := s.db.Exec(`
		INSERT INTO reports (id, job_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload
	`, r.ID, r.JobID, r.Kind, string(r.Payload), r.CreatedAt)
	return err
}

// GetReport retrieves a report by ID
func (s *Store) GetReport(id string) (*domain.Report, error) {
	row := s.db.QueryRow(`SELECT id, job_id, kind, payload, created_at FROM reports WHERE id = ?`, id)

	var r domain.Report
	var payload sql.NullString
	err := row.Scan(&r.ID, &r.JobID, &r.Kind, &payload, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		r.Payload = []byte(payload.String)
	}
	return &r, nil
}

func scanJob(scan func(...interface{}) error) (*domain.Job, error) {
	var job domain.Job
	var jobType, status string
	var spec, detail, resultRef, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := scan(&job.ID, &jobType, &job.OwnerID, &spec, &status, &job.ProgressPct, &detail, &job.CreatedAt, &startedAt, &completedAt, &resultRef, &errMsg)
	if err != nil {
		return nil, err
	}

	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	if spec.Valid {
		job.Spec = []byte(spec.String)
	}
	if detail.Valid {
		job.ProgressDetail = detail.String
	}
	if resultRef.Valid {
		job.ResultRef = resultRef.String
	}
	if errMsg.Valid {
		job.ErrorMsg = errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	return &job, nil
}

func unmarshalInto(s sql.NullString, v interface{}) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}
