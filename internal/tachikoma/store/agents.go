package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Agent is a tracked agent process bound to a host.
type Agent struct {
	ID          string
	Name        string
	Type        string
	HostID      string
	State       string
	RuntimeID   sql.NullString
	Unreachable bool
	LastExit    sql.NullInt64
	LastError   sql.NullString
	CreatedAt   time.Time
	StartedAt   sql.NullTime
	StoppedAt   sql.NullTime
}

// CreateAgent inserts a new agent record.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	a.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, type, host_id, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.Type, a.HostID, a.State, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, host_id, state, runtime_id, unreachable,
		       last_exit, last_error, created_at, started_at, stopped_at
		FROM agents
		WHERE id = ?
	`, id).Scan(&a.ID, &a.Name, &a.Type, &a.HostID, &a.State, &a.RuntimeID, &a.Unreachable,
		&a.LastExit, &a.LastError, &a.CreatedAt, &a.StartedAt, &a.StoppedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all tracked agents, newest first.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, host_id, state, runtime_id, unreachable,
		       last_exit, last_error, created_at, started_at, stopped_at
		FROM agents
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// ListAgentsByHost returns the agents bound to one host.
func (s *Store) ListAgentsByHost(ctx context.Context, hostID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, host_id, state, runtime_id, unreachable,
		       last_exit, last_error, created_at, started_at, stopped_at
		FROM agents
		WHERE host_id = ?
		ORDER BY created_at DESC
	`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

func scanAgents(rows *sql.Rows) ([]*Agent, error) {
	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.HostID, &a.State, &a.RuntimeID, &a.Unreachable,
			&a.LastExit, &a.LastError, &a.CreatedAt, &a.StartedAt, &a.StoppedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentState sets an agent's lifecycle state.
func (s *Store) UpdateAgentState(ctx context.Context, id, state string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE agents SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("failed to update agent state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", id)
	}
	return nil
}

// MarkAgentRunning records a successful start with its runtime handle.
func (s *Store) MarkAgentRunning(ctx context.Context, id, runtimeID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET state = 'running', runtime_id = ?, started_at = ?, unreachable = 0, last_error = NULL
		WHERE id = ?
	`, runtimeID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark agent running: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", id)
	}
	return nil
}

// MarkAgentStopped records a stop, keeping the runtime handle for diagnostics.
func (s *Store) MarkAgentStopped(ctx context.Context, id string, exitCode *int) error {
	var lastExit sql.NullInt64
	if exitCode != nil {
		lastExit = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET state = 'stopped', stopped_at = ?, last_exit = ? WHERE id = ?
	`, time.Now(), lastExit, id)
	if err != nil {
		return fmt.Errorf("failed to mark agent stopped: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", id)
	}
	return nil
}

// MarkAgentFailed moves an agent to the failed state with a reason.
func (s *Store) MarkAgentFailed(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET state = 'failed', last_error = ? WHERE id = ?
	`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark agent failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", id)
	}
	return nil
}

// SetAgentUnreachable flips the reachability sub-status without touching state.
func (s *Store) SetAgentUnreachable(ctx context.Context, id string, unreachable bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE agents SET unreachable = ? WHERE id = ?`, unreachable, id)
	if err != nil {
		return fmt.Errorf("failed to set agent reachability: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", id)
	}
	return nil
}

// DeleteAgent removes an agent record and its plugin data.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", id)
	}
	return nil
}

// AgentCount returns the number of tracked agents.
func (s *Store) AgentCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return count, nil
}
