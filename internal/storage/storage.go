package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/frameloom/transcoded/internal/job"
)

var ErrNotFound = errors.New("job not found")

// Store provides persistence for jobs. Updates are partial: each method
// touches only the columns it names, so workers and the retention sweeper
// can mutate disjoint field ranges without clobbering each other.
type Store interface {
	Init(path string) error
	Close() error
	CreateJob(j *job.Job) error
	GetJob(id string) (*job.Job, error)
	UpdateProgress(id string, progress int) error
	UpdateState(id, state string) error
	MarkStarted(id string, at time.Time) error
	SetOutputs(j *job.Job) error
	MarkCompleted(id string, at, expiresAt time.Time) error
	MarkFailed(id string, jerr *job.Error) error
	FindExpired(asOf time.Time) ([]*job.Job, error)
	BeginCleanup(id string) error
	FinishCleanup(id string) error
	FailCleanup(id, lastError string) error
	ListByState(state string) ([]*job.Job, error)
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore() *SQLiteStore { return &SQLiteStore{} }

func (s *SQLiteStore) Init(path string) error {
	if path == "" {
		path = "transcoded.db"
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return err
	}
	s.db = db
	return s.migrate()
}

func (s *SQLiteStore) migrate() error {
	q := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT,
		source_key TEXT,
		output_format TEXT,
		options TEXT,
		state TEXT,
		progress INTEGER,
		created_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME,
		outputs TEXT,
		master_manifest TEXT,
		archive_key TEXT,
		thumbnails TEXT,
		expires_at DATETIME,
		cleanup_state TEXT,
		cleanup_attempts INTEGER,
		last_cleanup_error TEXT,
		error TEXT
	);
	`
	_, err := s.db.Exec(q)
	return err
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) CreateJob(j *job.Job) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.State == "" {
		j.State = job.StatePending
	}
	if j.CleanupState == "" {
		j.CleanupState = job.CleanupPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO jobs(id,owner_id,source_key,output_format,options,state,progress,created_at,cleanup_state,cleanup_attempts,master_manifest,archive_key,last_cleanup_error)
		VALUES(?,?,?,?,?,?,?,?,?,?,'','','')`,
		j.ID, j.OwnerID, j.SourceKey, j.OutputFormat, string(opts), j.State, j.Progress, j.CreatedAt, j.CleanupState, j.CleanupAttempts)
	return err
}

const jobColumns = `id,owner_id,source_key,output_format,options,state,progress,created_at,started_at,completed_at,outputs,master_manifest,archive_key,thumbnails,expires_at,cleanup_state,cleanup_attempts,last_cleanup_error,error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	j := &job.Job{}
	var (
		options, outputs, thumbnails, jobErr         sql.NullString
		startedAt, completedAt, expiresAt            sql.NullTime
		masterManifest, archiveKey, lastCleanupError sql.NullString
	)
	err := row.Scan(&j.ID, &j.OwnerID, &j.SourceKey, &j.OutputFormat, &options,
		&j.State, &j.Progress, &j.CreatedAt, &startedAt, &completedAt,
		&outputs, &masterManifest, &archiveKey, &thumbnails, &expiresAt,
		&j.CleanupState, &j.CleanupAttempts, &lastCleanupError, &jobErr)
	if err != nil {
		return nil, err
	}
	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &j.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &j.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal outputs: %w", err)
		}
	}
	if thumbnails.Valid && thumbnails.String != "" {
		if err := json.Unmarshal([]byte(thumbnails.String), &j.Thumbnails); err != nil {
			return nil, fmt.Errorf("unmarshal thumbnails: %w", err)
		}
	}
	if jobErr.Valid && jobErr.String != "" {
		if err := json.Unmarshal([]byte(jobErr.String), &j.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error record: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		j.ExpiresAt = &t
	}
	j.MasterManifest = masterManifest.String
	j.ArchiveKey = archiveKey.String
	j.LastCleanupError = lastCleanupError.String
	return j, nil
}

func (s *SQLiteStore) GetJob(id string) (*job.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *SQLiteStore) UpdateProgress(id string, progress int) error {
	_, err := s.db.Exec(`UPDATE jobs SET progress = ? WHERE id = ?`, progress, id)
	return err
}

func (s *SQLiteStore) UpdateState(id, state string) error {
	_, err := s.db.Exec(`UPDATE jobs SET state = ? WHERE id = ?`, state, id)
	return err
}

func (s *SQLiteStore) MarkStarted(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET state = ?, started_at = ?, progress = 0 WHERE id = ?`,
		job.StateProcessing, at, id)
	return err
}

func (s *SQLiteStore) SetOutputs(j *job.Job) error {
	outputs, err := json.Marshal(j.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	var thumbnails []byte
	if j.Thumbnails != nil {
		if thumbnails, err = json.Marshal(j.Thumbnails); err != nil {
			return fmt.Errorf("marshal thumbnails: %w", err)
		}
	}
	_, err = s.db.Exec(`UPDATE jobs SET outputs = ?, master_manifest = ?, archive_key = ?, thumbnails = ? WHERE id = ?`,
		string(outputs), j.MasterManifest, j.ArchiveKey, string(thumbnails), j.ID)
	return err
}

// MarkCompleted transitions to completed and stamps expires_at. COALESCE
// keeps the first expiry ever written, so re-running a job cannot extend
// its retention.
func (s *SQLiteStore) MarkCompleted(id string, at, expiresAt time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET state = ?, progress = 100, completed_at = ?, expires_at = COALESCE(expires_at, ?) WHERE id = ?`,
		job.StateCompleted, at, expiresAt, id)
	return err
}

func (s *SQLiteStore) MarkFailed(id string, jerr *job.Error) error {
	record, err := json.Marshal(jerr)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	// A failed job never exposes output locators.
	_, err = s.db.Exec(`UPDATE jobs SET state = ?, error = ?, outputs = '', master_manifest = '', archive_key = '', thumbnails = '' WHERE id = ?`,
		job.StateFailed, string(record), id)
	return err
}

func (s *SQLiteStore) FindExpired(asOf time.Time) ([]*job.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND expires_at IS NOT NULL AND expires_at <= ? AND cleanup_state != ?`,
		job.StateCompleted, asOf, job.CleanupCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *SQLiteStore) BeginCleanup(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET cleanup_state = ?, cleanup_attempts = cleanup_attempts + 1 WHERE id = ?`,
		job.CleanupInProgress, id)
	return err
}

// FinishCleanup marks cleanup done and the job expired. Artifact locators
// are cleared: an expired job has nothing left to point at.
func (s *SQLiteStore) FinishCleanup(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET cleanup_state = ?, state = ?, last_cleanup_error = '', outputs = '', master_manifest = '', archive_key = '', thumbnails = '' WHERE id = ?`,
		job.CleanupCompleted, job.StateExpired, id)
	return err
}

func (s *SQLiteStore) FailCleanup(id, lastError string) error {
	_, err := s.db.Exec(`UPDATE jobs SET cleanup_state = ?, last_cleanup_error = ? WHERE id = ?`,
		job.CleanupFailed, lastError, id)
	return err
}

func (s *SQLiteStore) ListByState(state string) ([]*job.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE state = ?`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
