package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Host is a tracked compute location.
type Host struct {
	ID        string
	Name      string
	Backend   string
	Address   sql.NullString
	Dir       sql.NullString
	State     string
	CreatedAt time.Time
	LastSeen  sql.NullTime
}

// CreateHost inserts a new host record.
func (s *Store) CreateHost(ctx context.Context, h *Host) error {
	h.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hosts (id, name, backend, address, dir, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.Name, h.Backend, h.Address, h.Dir, h.State, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	return nil
}

// GetHost retrieves a host by ID.
func (s *Store) GetHost(ctx context.Context, id string) (*Host, error) {
	h := &Host{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, backend, address, dir, state, created_at, last_seen
		FROM hosts
		WHERE id = ?
	`, id).Scan(&h.ID, &h.Name, &h.Backend, &h.Address, &h.Dir, &h.State, &h.CreatedAt, &h.LastSeen)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("host not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}
	return h, nil
}

// ListHosts returns all tracked hosts, newest first.
func (s *Store) ListHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, backend, address, dir, state, created_at, last_seen
		FROM hosts
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h := &Host{}
		if err := rows.Scan(&h.ID, &h.Name, &h.Backend, &h.Address, &h.Dir, &h.State, &h.CreatedAt, &h.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hosts: %w", err)
	}
	return hosts, nil
}

// UpdateHostEndpoint records where a provisioned host lives: its backend
// address (where one applies) and its resource directory.
func (s *Store) UpdateHostEndpoint(ctx context.Context, id, address, dir string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE hosts SET address = ?, dir = ? WHERE id = ?`,
		nullable(address), nullable(dir), id)
	if err != nil {
		return fmt.Errorf("failed to update host endpoint: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("host not found: %s", id)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// UpdateHostState sets a host's lifecycle state.
func (s *Store) UpdateHostState(ctx context.Context, id, state string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE hosts SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("failed to update host state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("host not found: %s", id)
	}
	return nil
}

// TouchHost records that the host was just observed reachable.
func (s *Store) TouchHost(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE hosts SET last_seen = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch host: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("host not found: %s", id)
	}
	return nil
}

// DeleteHost removes a host record. Fails while agents still reference it.
func (s *Store) DeleteHost(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete host: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("host not found: %s", id)
	}
	return nil
}
