package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// schema creates the tables the supervision core touches.
const schema = `
CREATE TABLE IF NOT EXISTS queue (
	id               TEXT PRIMARY KEY,
	workspace_id     TEXT NOT NULL,
	worker           TEXT,
	script_path      TEXT,
	parent_job       TEXT,
	custom_timeout   INTEGER,
	cache_ttl        INTEGER,
	status           TEXT NOT NULL DEFAULT 'queued',
	logs             TEXT NOT NULL DEFAULT '',
	mem_peak         INTEGER NOT NULL DEFAULT 0,
	last_ping        TEXT,
	canceled         INTEGER NOT NULL DEFAULT 0,
	canceled_by      TEXT,
	canceled_reason  TEXT,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS worker_ping (
	worker  TEXT PRIMARY KEY,
	ping_at TEXT
);

CREATE TABLE IF NOT EXISTS resource (
	workspace_id  TEXT NOT NULL,
	path          TEXT NOT NULL,
	value         TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	PRIMARY KEY (workspace_id, path)
);
`

// Store is the supervision core's data-access layer: durable logs,
// cancellation flags, memory peaks, and worker liveness all live here.
type Store struct {
	db *sql.DB
}

// New applies the schema to db and returns a Store.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB, e.g. for sharing with an admin server.
func (s *Store) DB() *sql.DB { return s.db }

// Job is the durable record of a unit of work queued for supervision.
type Job struct {
	ID                 uuid.UUID
	WorkspaceID        string
	Worker             string
	ScriptPath         string
	ParentJob          *uuid.UUID
	CustomTimeoutSecs  *int
	CacheTTLSecs       *int
}

// CancelStatus is the triple returned by the cancellation-mediating queries.
type CancelStatus struct {
	Canceled       bool
	CanceledBy     *string
	CanceledReason *string
}

// Enqueue inserts a new queued job row.
func (s *Store) Enqueue(ctx context.Context, j Job) error {
	var parent any
	if j.ParentJob != nil {
		parent = j.ParentJob.String()
	}
	var customTimeout, cacheTTL any
	if j.CustomTimeoutSecs != nil {
		customTimeout = *j.CustomTimeoutSecs
	}
	if j.CacheTTLSecs != nil {
		cacheTTL = *j.CacheTTLSecs
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (id, workspace_id, worker, script_path, parent_job, custom_timeout, cache_ttl, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?)
	`, j.ID.String(), j.WorkspaceID, j.Worker, j.ScriptPath, parent, customTimeout, cacheTTL, now())
	return err
}

// GetJob loads a job row by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var j Job
	var idStr, parent sql.NullString
	var customTimeout, cacheTTL sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, worker, script_path, parent_job, custom_timeout, cache_ttl
		FROM queue WHERE id = ?
	`, id.String()).Scan(&idStr, &j.WorkspaceID, &j.Worker, &j.ScriptPath, &parent, &customTimeout, &cacheTTL)
	if err != nil {
		return nil, err
	}
	j.ID = id
	if parent.Valid && parent.String != "" {
		p, err := uuid.Parse(parent.String)
		if err == nil {
			j.ParentJob = &p
		}
	}
	if customTimeout.Valid {
		v := int(customTimeout.Int64)
		j.CustomTimeoutSecs = &v
	}
	if cacheTTL.Valid {
		v := int(cacheTTL.Int64)
		j.CacheTTLSecs = &v
	}
	return &j, nil
}

// ParentScriptPath returns the script_path of a parent job, used to resolve
// the flow_path reserved variable for child jobs spawned from a flow step.
func (s *Store) ParentScriptPath(ctx context.Context, parentJob uuid.UUID) (string, error) {
	var path sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT script_path FROM queue WHERE id = ?`, parentJob.String()).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return path.String, nil
}

// ClaimQueued selects up to limit queued jobs unassigned or assigned to
// worker, atomically claims each by flipping its status to 'running', and
// returns the ones actually claimed. Optimistic per-row claiming (rather
// than a single transaction over the whole batch) means two workers racing
// for the same job never both get it, even though neither holds a lock
// across the whole scan.
func (s *Store) ClaimQueued(ctx context.Context, worker string, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM queue
		WHERE status = 'queued' AND (worker = '' OR worker IS NULL OR worker = ?)
		ORDER BY created_at ASC
		LIMIT ?
	`, worker, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	claimed := make([]Job, 0, len(ids))
	for _, idStr := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue SET status = 'running', worker = ? WHERE id = ? AND status = 'queued'
		`, worker, idStr)
		if err != nil {
			log.Printf("[queue] claim %s: %v", idStr, err)
			continue
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue // another worker claimed it first
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		job, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

// AppendLogs appends text to the job's logs column. A no-op for empty text.
// Errors are logged and returned; the log appender discards a returned
// flush error, since log loss is acceptable and correctness is not.
func (s *Store) AppendLogs(ctx context.Context, jobID uuid.UUID, text string) error {
	if text == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE queue SET logs = logs || ? WHERE id = ?`, text, jobID.String())
	if err != nil {
		log.Printf("[queue] append logs %s: %v", jobID, err)
	}
	return err
}

// UpdateMemPeakAndPing sets mem_peak and last_ping in a single statement and
// returns the current cancellation triple.
func (s *Store) UpdateMemPeakAndPing(ctx context.Context, jobID uuid.UUID, memPeak int) (CancelStatus, error) {
	var st CancelStatus
	var canceled int
	err := s.db.QueryRowContext(ctx, `
		UPDATE queue SET mem_peak = ?, last_ping = ? WHERE id = ?
		RETURNING canceled, canceled_by, canceled_reason
	`, memPeak, now(), jobID.String()).Scan(&canceled, &st.CanceledBy, &st.CanceledReason)
	if err != nil {
		// DB failures while reading cancel status fall back to "not cancelled".
		return CancelStatus{}, err
	}
	st.Canceled = canceled != 0
	return st, nil
}

// PollCancel reads the current cancellation triple without mutating
// mem_peak/last_ping. The cancellation poller does not use it; it reads the
// triple returned by UpdateMemPeakAndPing instead.
func (s *Store) PollCancel(ctx context.Context, jobID uuid.UUID) (CancelStatus, error) {
	var st CancelStatus
	var canceled int
	err := s.db.QueryRowContext(ctx, `
		SELECT canceled, canceled_by, canceled_reason FROM queue WHERE id = ?
	`, jobID.String()).Scan(&canceled, &st.CanceledBy, &st.CanceledReason)
	if err != nil {
		return CancelStatus{}, err
	}
	st.Canceled = canceled != 0
	return st, nil
}

// TouchWorkerPing refreshes the worker liveness row, called every 10th
// cancellation-poll tick.
func (s *Store) TouchWorkerPing(ctx context.Context, worker string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_ping (worker, ping_at) VALUES (?, ?)
		ON CONFLICT(worker) DO UPDATE SET ping_at = excluded.ping_at
	`, worker, now())
	if err != nil {
		log.Printf("[queue] touch worker ping %s: %v", worker, err)
	}
	return err
}

// SetTimeoutCancel records a timeout-induced cancellation, writing the exact
// columns a timeout kill leaves before terminating the child. instanceTimeout
// is the *instance* timeout in seconds; by design (see DESIGN.md) this is
// referenced even when a smaller custom timeout is the one that actually
// expired.
func (s *Store) SetTimeoutCancel(ctx context.Context, jobID uuid.UUID, instanceTimeoutSecs int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue SET canceled = 1, canceled_by = 'timeout', canceled_reason = ?
		WHERE id = ?
	`, fmt.Sprintf("duration > %d", instanceTimeoutSecs), jobID.String())
	if err != nil {
		log.Printf("[queue] set timeout cancel %s: %v", jobID, err)
	}
	return err
}

// Cancel marks a job canceled on behalf of an external actor (e.g. an admin
// API call), mirroring the queue row the poller would otherwise observe.
func (s *Store) Cancel(ctx context.Context, jobID uuid.UUID, by, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue SET canceled = 1, canceled_by = ?, canceled_reason = ? WHERE id = ?
	`, by, reason, jobID.String())
	return err
}

// CacheEntry is a cached result, keyed by (workspace_id, cached_path).
type CacheEntry struct {
	ExpireUnixSeconds int64
	ValueRaw          json.RawMessage
}

// SaveCache upserts a cache entry into the resource table with
// resource_type = 'cache'.
func (s *Store) SaveCache(ctx context.Context, workspaceID, cachedPath string, ttlSecs int, value json.RawMessage) error {
	expire := time.Now().Unix() + int64(ttlSecs)
	stored := struct {
		Expire int64           `json:"expire"`
		Value  json.RawMessage `json:"value"`
	}{Expire: expire, Value: value}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resource (workspace_id, path, value, resource_type)
		VALUES (?, ?, ?, 'cache')
		ON CONFLICT(workspace_id, path) DO UPDATE SET value = excluded.value
	`, workspaceID, cachedPath, string(raw))
	if err != nil {
		log.Printf("[queue] save cache %s/%s: %v", workspaceID, cachedPath, err)
	}
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
