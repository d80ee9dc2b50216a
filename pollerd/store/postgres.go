package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a PostgreSQL backend. The executions
// table carries a partial unique index on device_id for rows in
// {PENDING, RUNNING}; that index is the primary per-device correctness lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const nodeColumns = `
	n.id, n.device_id, n.name, n.kind, n.priority, n.interval_sec, n.enabled,
	n.next_run_at, n.last_run_at, n.last_success_at, n.last_failure_at,
	n.chain_master_id, n.chain_order, n.gate_master_id, n.gated
`

func scanNode(row pgx.Row) (*ProbeNode, error) {
	var n ProbeNode
	err := row.Scan(
		&n.ID, &n.DeviceID, &n.Name, &n.Kind, &n.Priority, &n.IntervalSec, &n.Enabled,
		&n.NextRunAt, &n.LastRunAt, &n.LastSuccessAt, &n.LastFailureAt,
		&n.ChainMasterID, &n.ChainOrder, &n.GateMasterID, &n.Gated,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) LoadEnabledMasters(ctx context.Context, now time.Time) ([]*ProbeNode, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM probe_nodes n
		JOIN devices d ON d.id = n.device_id
		WHERE n.enabled AND d.enabled
		  AND n.chain_master_id IS NULL
		  AND NOT n.gated
		  AND (n.next_run_at IS NULL OR n.next_run_at <= $1)
		ORDER BY n.id
	`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*ProbeNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) LoadFollowers(ctx context.Context, masterID int64) ([]*ProbeNode, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM probe_nodes n
		WHERE n.chain_master_id = $1 AND n.enabled
		ORDER BY n.chain_order, n.id
	`
	rows, err := s.pool.Query(ctx, query, masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*ProbeNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) GetNode(ctx context.Context, id int64) (*ProbeNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM probe_nodes n WHERE n.id = $1`
	n, err := scanNode(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

func (s *PostgresStore) GetDevice(ctx context.Context, id int64) (*Device, error) {
	query := `
		SELECT id, label, address, credential_ref, vendor, enabled
		FROM devices WHERE id = $1
	`
	var d Device
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.Label, &d.Address, &d.CredentialRef, &d.Vendor, &d.Enabled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) InitNextRun(ctx context.Context, nodeID int64, at time.Time) error {
	query := `UPDATE probe_nodes SET next_run_at = $2 WHERE id = $1 AND next_run_at IS NULL`
	_, err := s.pool.Exec(ctx, query, nodeID, at)
	return err
}

func (s *PostgresStore) TouchNodeRun(ctx context.Context, nodeID int64, at time.Time, success bool) error {
	query := `
		UPDATE probe_nodes
		SET last_run_at = $2,
		    last_success_at = CASE WHEN $3 THEN $2 ELSE last_success_at END,
		    last_failure_at = CASE WHEN $3 THEN last_failure_at ELSE $2 END
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, nodeID, at, success)
	return err
}

// CreateExecution inserts a PENDING row. The partial unique index on
// executions(device_id) refuses the insert when the device already has an
// active execution; that refusal is reported as (false, nil).
func (s *PostgresStore) CreateExecution(ctx context.Context, e *Execution) (bool, error) {
	query := `
		INSERT INTO executions (device_id, master_id, status, created_at, worker_id, attempt, summary)
		VALUES ($1, $2, $3, $4, '', $5, NULL)
		ON CONFLICT (device_id) WHERE status IN ('PENDING', 'RUNNING') DO NOTHING
		RETURNING id
	`
	if e.Attempt < 1 {
		e.Attempt = 1
	}
	e.Status = StatusPending
	err := s.pool.QueryRow(ctx, query, e.DeviceID, e.MasterID, e.Status, e.CreatedAt, e.Attempt).Scan(&e.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) MarkExecutionRunning(ctx context.Context, execID int64, workerID string, at time.Time) (bool, error) {
	query := `
		UPDATE executions SET status = 'RUNNING', worker_id = $2, started_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := s.pool.Exec(ctx, query, execID, workerID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FinalizeExecution writes the terminal status and the master advance in a
// single transaction. A replay against an already-finalized row is a no-op.
func (s *PostgresStore) FinalizeExecution(ctx context.Context, execID int64, status ExecStatus, summary []byte, finishedAt time.Time, adv *MasterAdvance) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE executions SET status = $2, summary = $3, finished_at = $4
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')
	`, execID, status, summary, finishedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if adv != nil {
		_, err = tx.Exec(ctx, `
			UPDATE probe_nodes
			SET last_run_at = $2,
			    next_run_at = $3,
			    last_success_at = CASE WHEN $4 THEN $2 ELSE last_success_at END,
			    last_failure_at = CASE WHEN $4 THEN last_failure_at ELSE $2 END
			WHERE id = $1
		`, adv.NodeID, adv.LastRunAt, adv.NextRunAt, adv.Success)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) HasActiveExecution(ctx context.Context, deviceID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM executions
			WHERE device_id = $1 AND status IN ('PENDING', 'RUNNING')
		)
	`
	var exists bool
	err := s.pool.QueryRow(ctx, query, deviceID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) HasActiveExecutionFor(ctx context.Context, deviceID, masterID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM executions
			WHERE device_id = $1 AND master_id = $2 AND status IN ('PENDING', 'RUNNING')
		)
	`
	var exists bool
	err := s.pool.QueryRow(ctx, query, deviceID, masterID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) FindOrphanedExecutions(ctx context.Context, olderThan time.Time) ([]*Execution, error) {
	query := `
		SELECT id, device_id, master_id, status, created_at, started_at, finished_at, worker_id, attempt, summary
		FROM executions
		WHERE status = 'PENDING' AND created_at < $1 AND worker_id = ''
		ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(
			&e.ID, &e.DeviceID, &e.MasterID, &e.Status, &e.CreatedAt,
			&e.StartedAt, &e.FinishedAt, &e.WorkerID, &e.Attempt, &e.Summary,
		); err != nil {
			return nil, err
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

func (s *PostgresStore) ClearGates(ctx context.Context, masterID int64) error {
	query := `UPDATE probe_nodes SET gated = FALSE WHERE gate_master_id = $1 AND gated`
	_, err := s.pool.Exec(ctx, query, masterID)
	return err
}
