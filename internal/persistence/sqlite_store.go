package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/petrandreev/graphflow/pkg/runtime"
)

// SQLiteStore is an InstanceStore and JobStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Instances are stored as gob snapshots alongside the columns the store
// needs to query: the optimistic version, the ended flag and the filter
// columns. Jobs are stored relationally so acquisition and cancellation
// run as single statements.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ InstanceStore = (*SQLiteStore)(nil)
	_ JobStore      = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS process_instances (
			id TEXT PRIMARY KEY,
			definition_name TEXT NOT NULL,
			definition_version INTEGER NOT NULL,
			version INTEGER NOT NULL,
			ended INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			snapshot BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			token_id TEXT NOT NULL,
			name TEXT NOT NULL,
			due_date INTEGER NOT NULL,
			repeat TEXT NOT NULL,
			calendar TEXT NOT NULL,
			action TEXT NOT NULL,
			transition TEXT NOT NULL,
			node INTEGER NOT NULL,
			retries INTEGER NOT NULL,
			lock_owner TEXT NOT NULL,
			lock_time INTEGER NOT NULL,
			exception TEXT NOT NULL,
			failed INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_due
			ON jobs (failed, due_date, lock_time);

		CREATE TABLE IF NOT EXISTS token_locks (
			instance_id TEXT NOT NULL,
			token_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (instance_id, token_id)
		);`,
	)
	return err
}

func (s *SQLiteStore) SaveInstance(ctx context.Context, in *runtime.ProcessInstance) error {
	snapshot, err := EncodeInstance(in)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_instances
			(id, definition_name, definition_version, version, ended, started_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID,
		in.DefinitionName,
		in.DefinitionVersion,
		in.Version,
		boolInt(in.Ended),
		in.StartedAt.UnixNano(),
		snapshot,
	)
	return err
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*runtime.ProcessInstance, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM process_instances WHERE id = ?`, id,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return DecodeInstance(snapshot)
}

func (s *SQLiteStore) ListInstances(ctx context.Context, f InstanceFilter) ([]*runtime.ProcessInstance, error) {
	query := `SELECT snapshot FROM process_instances WHERE 1=1`
	var args []any
	if f.DefinitionName != "" {
		query += ` AND definition_name = ?`
		args = append(args, f.DefinitionName)
	}
	if f.Ended != nil {
		query += ` AND ended = ?`
		args = append(args, boolInt(*f.Ended))
	}
	query += ` ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*runtime.ProcessInstance
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		in, err := DecodeInstance(snapshot)
		if err != nil {
			return nil, err
		}
		result = append(result, in)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) CommitUnit(ctx context.Context, u Unit) error {
	loaded := u.Instance.Version
	u.Instance.Version++
	snapshot, err := EncodeInstance(u.Instance)
	if err != nil {
		u.Instance.Version--
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		u.Instance.Version--
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE process_instances
		SET version = ?, ended = ?, snapshot = ?
		WHERE id = ? AND version = ?`,
		u.Instance.Version,
		boolInt(u.Instance.Ended),
		snapshot,
		u.Instance.ID,
		loaded,
	)
	if err != nil {
		u.Instance.Version--
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		u.Instance.Version--
		return err
	}
	if n == 0 {
		u.Instance.Version--
		return fmt.Errorf("%w: %s at version %d", ErrStaleInstance, u.Instance.ID, loaded)
	}

	for _, id := range u.DeleteJobIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
			u.Instance.Version--
			return err
		}
	}
	for _, key := range u.CancelTimers {
		if err := deleteTimersTx(ctx, tx, u.Instance.ID, key); err != nil {
			u.Instance.Version--
			return err
		}
	}
	for _, j := range u.CreateJobs {
		if err := insertJobTx(ctx, tx, j); err != nil {
			u.Instance.Version--
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		u.Instance.Version--
		return err
	}
	return nil
}

func (s *SQLiteStore) TryAcquireTokenLock(ctx context.Context, instanceID string, tokenID runtime.TokenID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl).UnixNano()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO token_locks (instance_id, token_id, owner, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, token_id) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE token_locks.owner = excluded.owner
			OR token_locks.expires_at <= ?`,
		instanceID, string(tokenID), owner, expires, now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseTokenLock(ctx context.Context, instanceID string, tokenID runtime.TokenID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM token_locks
		WHERE instance_id = ? AND token_id = ? AND owner = ?`,
		instanceID, string(tokenID), owner,
	)
	return err
}

func (s *SQLiteStore) SaveJob(ctx context.Context, j *runtime.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertJobTx(ctx, tx, j); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*runtime.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, instanceID string) ([]*runtime.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE instance_id = ? ORDER BY created_at`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*runtime.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, j *runtime.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET due_date = ?, retries = ?, lock_owner = ?, lock_time = ?,
			exception = ?, failed = ?
		WHERE id = ?`,
		j.DueDate.UnixNano(),
		j.Retries,
		j.LockOwner,
		j.LockTime.UnixNano(),
		j.Exception,
		boolInt(j.Failed),
		j.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, j.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) DeleteJobsByInstance(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE instance_id = ?`, instanceID)
	return err
}

func (s *SQLiteStore) DeleteTimersByName(ctx context.Context, instanceID string, key runtime.TimerKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteTimersTx(ctx, tx, instanceID, key); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AcquireJobs(ctx context.Context, owner string, now time.Time, lockTTL time.Duration, limit int) ([]*runtime.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := jobSelect + `
		WHERE failed = 0
			AND due_date <= ?
			AND (lock_owner = '' OR lock_time <= ?)
		ORDER BY due_date`
	args := []any{now.UnixNano(), now.UnixNano()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var claimed []*runtime.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	lockTime := now.Add(lockTTL)
	for _, j := range claimed {
		j.LockOwner = owner
		j.LockTime = lockTime
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET lock_owner = ?, lock_time = ? WHERE id = ?`,
			owner, lockTime.UnixNano(), j.ID,
		)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

const jobSelect = `
	SELECT id, kind, instance_id, token_id, name, due_date, repeat,
		calendar, action, transition, node, retries, lock_owner,
		lock_time, exception, failed, created_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*runtime.Job, error) {
	var (
		j        runtime.Job
		kind     string
		tokenID  string
		due      int64
		lockTime int64
		failed   int
		created  int64
	)
	err := row.Scan(
		&j.ID, &kind, &j.InstanceID, &tokenID, &j.Name, &due, &j.Repeat,
		&j.Calendar, &j.Action, &j.Transition, &j.Node, &j.Retries,
		&j.LockOwner, &lockTime, &j.Exception, &failed, &created,
	)
	if err != nil {
		return nil, err
	}
	j.Kind = runtime.JobKind(kind)
	j.TokenID = runtime.TokenID(tokenID)
	j.DueDate = time.Unix(0, due)
	j.LockTime = time.Unix(0, lockTime)
	j.Failed = failed != 0
	j.CreatedAt = time.Unix(0, created)
	return &j, nil
}

func insertJobTx(ctx context.Context, tx *sql.Tx, j *runtime.Job) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs
			(id, kind, instance_id, token_id, name, due_date, repeat,
			calendar, action, transition, node, retries, lock_owner,
			lock_time, exception, failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		string(j.Kind),
		j.InstanceID,
		string(j.TokenID),
		j.Name,
		j.DueDate.UnixNano(),
		j.Repeat,
		j.Calendar,
		j.Action,
		j.Transition,
		j.Node,
		j.Retries,
		j.LockOwner,
		j.LockTime.UnixNano(),
		j.Exception,
		boolInt(j.Failed),
		j.CreatedAt.UnixNano(),
	)
	return err
}

func deleteTimersTx(ctx context.Context, tx *sql.Tx, instanceID string, key runtime.TimerKey) error {
	query := `DELETE FROM jobs WHERE kind = ? AND instance_id = ? AND name = ?`
	args := []any{string(runtime.JobTimer), instanceID, key.Name}
	if key.TokenID != "" {
		query += ` AND token_id = ?`
		args = append(args, string(key.TokenID))
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
