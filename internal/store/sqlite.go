package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fmueller/voxqueue/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audio_files (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transcription_jobs (
	id                 TEXT PRIMARY KEY,
	file_id            TEXT NOT NULL REFERENCES audio_files(id) ON DELETE CASCADE,
	language           TEXT NOT NULL DEFAULT '',
	model_size         TEXT NOT NULL,
	diarization        INTEGER NOT NULL,
	speakers           INTEGER,
	status             TEXT NOT NULL,
	progress           INTEGER NOT NULL DEFAULT 0,
	diarization_status TEXT NOT NULL,
	diarization_error  TEXT,
	last_error         TEXT,
	transcript         TEXT,
	attempt            INTEGER NOT NULL DEFAULT 1,
	version            INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	started_at         INTEGER,
	completed_at       INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON transcription_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_file_created ON transcription_jobs(file_id, created_at);
`

const selectJob = `
	SELECT j.id, j.file_id, f.path, j.language, j.model_size, j.diarization, j.speakers,
		j.status, j.progress, j.diarization_status, j.diarization_error, j.last_error,
		j.transcript, j.attempt, j.version, j.created_at, j.started_at, j.completed_at
	FROM transcription_jobs j
	JOIN audio_files f ON f.id = j.file_id
`

// SQLite stores jobs in a SQLite database. Every state change is a single
// UPDATE guarded by the row version, so concurrent workers and processes
// sharing the database file never both win a claim.
type SQLite struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// OpenSQLite opens (and creates, if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now, newID: uuid.NewString}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateJob(ctx context.Context, file domain.AudioFile, params domain.Params) (domain.Job, error) {
	if file.ID == "" {
		return domain.Job{}, errors.New("file id is required")
	}

	job := domain.NewJob(s.newID(), file, params, s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audio_files (id, path, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET path = excluded.path
	`, file.ID, file.Path, job.CreatedAt.UnixNano()); err != nil {
		return domain.Job{}, fmt.Errorf("upsert audio file: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcription_jobs (
			id, file_id, language, model_size, diarization, speakers,
			status, progress, diarization_status, attempt, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, job.ID, job.FileID, job.Params.Language, job.Params.ModelSize, job.Params.Diarization, nullInt(job.Params.Speakers),
		string(job.Status), job.Progress, string(job.DiarizationStatus), job.Attempt, job.CreatedAt.UnixNano()); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("commit job: %w", err)
	}
	return job, nil
}

// ClaimNextPending claims up to limit pending jobs, oldest first. Rows lost
// to a concurrent claimer are replaced by the next pending ones, so a short
// result means the queue ran dry.
func (s *SQLite) ClaimNextPending(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	claimed := make([]domain.Job, 0, limit)
	for len(claimed) < limit {
		ids, err := s.pendingIDs(ctx, limit-len(claimed))
		if err != nil {
			return claimed, err
		}
		if len(ids) == 0 {
			break
		}

		lost := false
		for _, id := range ids {
			job, err := s.Update(ctx, id, domain.ClaimUpdate())
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidTransition) {
				// Another worker got there first.
				lost = true
				continue
			}
			if err != nil {
				return claimed, err
			}
			claimed = append(claimed, job)
		}
		if !lost {
			break
		}
	}
	return claimed, nil
}

func (s *SQLite) pendingIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM transcription_jobs
		WHERE status = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`, string(domain.JobStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	return scanIDs(rows)
}

func (s *SQLite) Update(ctx context.Context, id string, update domain.Update) (domain.Job, error) {
	current, version, err := s.get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}

	next, err := domain.Apply(current, update, s.now())
	if err != nil {
		return domain.Job{}, err
	}

	if err := s.write(ctx, next, version); err != nil {
		return domain.Job{}, err
	}
	return next, nil
}

// write stores next if the row still carries version.
func (s *SQLite) write(ctx context.Context, next domain.Job, version int64) error {
	transcript, err := encodeTranscript(next.Transcript)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE transcription_jobs SET
			status = ?, progress = ?, diarization_status = ?, diarization_error = ?,
			last_error = ?, transcript = ?, attempt = ?, started_at = ?, completed_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, string(next.Status), next.Progress, string(next.DiarizationStatus), nullString(next.DiarizationError),
		nullString(next.LastError), transcript, next.Attempt, nullTime(next.StartedAt), nullTime(next.CompletedAt),
		next.ID, version)
	if err != nil {
		return fmt.Errorf("update job %s: %w", next.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", next.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrConflict, next.ID)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.Job, error) {
	job, _, err := s.get(ctx, id)
	return job, err
}

func (s *SQLite) FindByFileID(ctx context.Context, fileID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJob+`
		WHERE j.file_id = ?
		ORDER BY j.created_at DESC, j.rowid DESC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("query jobs for file: %w", err)
	}
	return scanJobs(rows)
}

func (s *SQLite) FindLatestByFileID(ctx context.Context, fileID string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+`
		WHERE j.file_id = ?
		ORDER BY j.created_at DESC, j.rowid DESC
		LIMIT 1
	`, fileID)
	job, _, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
	}
	return job, err
}

func (s *SQLite) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectJob+`
		WHERE j.status = ?
		ORDER BY j.created_at ASC, j.rowid ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	return scanJobs(rows)
}

func (s *SQLite) Requeue(ctx context.Context, id string) (domain.Job, error) {
	return s.Update(ctx, id, domain.Update{Status: domain.JobStatusPending})
}

func (s *SQLite) get(ctx context.Context, id string) (domain.Job, int64, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE j.id = ?`, id)
	job, version, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, version, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, int64, error) {
	var (
		job                         domain.Job
		version                     int64
		speakers                    sql.NullInt64
		diarizationError, lastError sql.NullString
		transcript                  sql.NullString
		createdAt                   int64
		startedAt, completedAt      sql.NullInt64
		status, diarizationStatus   string
	)

	if err := row.Scan(&job.ID, &job.FileID, &job.AudioPath, &job.Params.Language, &job.Params.ModelSize,
		&job.Params.Diarization, &speakers, &status, &job.Progress, &diarizationStatus,
		&diarizationError, &lastError, &transcript, &job.Attempt, &version,
		&createdAt, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, 0, err
		}
		return domain.Job{}, 0, fmt.Errorf("scan job: %w", err)
	}

	job.Status = domain.JobStatus(status)
	job.DiarizationStatus = domain.DiarizationStatus(diarizationStatus)
	job.CreatedAt = time.Unix(0, createdAt)
	if speakers.Valid {
		job.Params.Speakers = domain.IntPtr(int(speakers.Int64))
	}
	if diarizationError.Valid {
		job.DiarizationError = domain.StringPtr(diarizationError.String)
	}
	if lastError.Valid {
		job.LastError = domain.StringPtr(lastError.String)
	}
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		job.CompletedAt = &t
	}
	if transcript.Valid {
		segments := []domain.Segment{}
		if err := json.Unmarshal([]byte(transcript.String), &segments); err != nil {
			return domain.Job{}, 0, fmt.Errorf("decode transcript of job %s: %w", job.ID, err)
		}
		job.Transcript = segments
	}

	return job, version, nil
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, _, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encodeTranscript(segments []domain.Segment) (sql.NullString, error) {
	if segments == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(segments)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode transcript: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*value), Valid: true}
}

func nullTime(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: value.UnixNano(), Valid: true}
}
