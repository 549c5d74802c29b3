package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/use-agent/renderd/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	urls        JSONB NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS render_results (
	job_id      TEXT NOT NULL REFERENCES render_jobs(id) ON DELETE CASCADE,
	idx         INTEGER NOT NULL,
	url         TEXT NOT NULL,
	html        TEXT NOT NULL,
	title       TEXT NOT NULL,
	meta        JSONB NOT NULL,
	status_code INTEGER NOT NULL,
	success     BOOLEAN NOT NULL,
	error       JSONB,
	rendered_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_render_jobs_created_at ON render_jobs(created_at);
`

// PostgresStore keeps jobs in render_jobs and one row per finished URL in
// render_results, with page metadata as JSONB.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// OpenPostgres connects through the pgx driver and creates the schema.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	if url == "" {
		return nil, errors.New("store: DATABASE_URL is required for the postgres backend")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, job *models.BatchJob) error {
	urls, err := json.Marshal(job.URLs)
	if err != nil {
		return fmt.Errorf("store: marshal urls: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO render_jobs (id, status, urls, webhook_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.Status, string(urls), job.WebhookURL, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create job %s: %w", job.ID, err)
	}
	return nil
}

func (p *PostgresStore) SetResult(ctx context.Context, id string, index int, res *models.RenderResult) error {
	meta, err := json.Marshal(res.Meta)
	if err != nil {
		return fmt.Errorf("store: marshal meta: %w", err)
	}
	var errJSON sql.NullString
	if res.Error != nil {
		b, err := json.Marshal(res.Error)
		if err != nil {
			return fmt.Errorf("store: marshal error: %w", err)
		}
		errJSON = sql.NullString{String: string(b), Valid: true}
	}

	result, err := p.db.ExecContext(ctx, `
		INSERT INTO render_results (job_id, idx, url, html, title, meta, status_code, success, error, rendered_at)
		SELECT id, $2, $3, $4, $5, $6, $7, $8, $9, $10 FROM render_jobs
		WHERE id = $1 AND $2 < jsonb_array_length(urls)
		ON CONFLICT (job_id, idx) DO UPDATE SET
			url = EXCLUDED.url, html = EXCLUDED.html, title = EXCLUDED.title,
			meta = EXCLUDED.meta, status_code = EXCLUDED.status_code,
			success = EXCLUDED.success, error = EXCLUDED.error,
			rendered_at = EXCLUDED.rendered_at`,
		id, index, res.URL, res.HTML, res.Title, string(meta), res.StatusCode, res.Success, errJSON, res.Timestamp)
	if err != nil {
		return fmt.Errorf("store: set result %s[%d]: %w", id, index, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		if index < 0 {
			return fmt.Errorf("store: result index %d out of range for job %s", index, id)
		}
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Finish(ctx context.Context, id, status string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE render_jobs SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, p.now())
	if err != nil {
		return fmt.Errorf("store: finish job %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.BatchJob, error) {
	var (
		job  models.BatchJob
		urls []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, status, urls, webhook_url, created_at, updated_at
		FROM render_jobs WHERE id = $1`, id,
	).Scan(&job.ID, &job.Status, &urls, &job.WebhookURL, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load job %s: %w", id, err)
	}
	if err := json.Unmarshal(urls, &job.URLs); err != nil {
		return nil, fmt.Errorf("store: decode urls of %s: %w", id, err)
	}
	job.Results = make([]*models.RenderResult, len(job.URLs))

	rows, err := p.db.QueryContext(ctx, `
		SELECT idx, url, html, title, meta, status_code, success, error, rendered_at
		FROM render_results WHERE job_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("store: load results %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idx      int
			res      models.RenderResult
			meta     []byte
			errBytes []byte
		)
		if err := rows.Scan(&idx, &res.URL, &res.HTML, &res.Title, &meta,
			&res.StatusCode, &res.Success, &errBytes, &res.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan result of %s: %w", id, err)
		}
		if idx < 0 || idx >= len(job.Results) {
			continue
		}
		res.Meta = map[string]string{}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &res.Meta); err != nil {
				return nil, fmt.Errorf("store: decode meta of %s[%d]: %w", id, idx, err)
			}
		}
		if len(errBytes) > 0 {
			res.Error = &models.RenderError{}
			if err := json.Unmarshal(errBytes, res.Error); err != nil {
				return nil, fmt.Errorf("store: decode error of %s[%d]: %w", id, idx, err)
			}
		}
		res.RequestedURL = job.URLs[idx]
		job.Results[idx] = &res
		job.Completed++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate results of %s: %w", id, err)
	}
	return &job, nil
}

// Sweep deletes jobs created before cutoff; their results cascade.
func (p *PostgresStore) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM render_jobs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: sweep: %w", err)
	}
	return result.RowsAffected()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
