package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SetPluginData stores an opaque value under (agent, namespace), replacing
// any previous value for the same namespace.
func (s *Store) SetPluginData(ctx context.Context, agentID, namespace, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_data (agent_id, namespace, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, namespace) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, agentID, namespace, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set plugin data: %w", err)
	}
	return nil
}

// GetPluginData retrieves the value stored under (agent, namespace).
// The second return is false when nothing has been stored.
func (s *Store) GetPluginData(ctx context.Context, agentID, namespace string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM plugin_data WHERE agent_id = ? AND namespace = ?
	`, agentID, namespace).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get plugin data: %w", err)
	}
	return value, true, nil
}

// ListPluginNamespaces returns the namespaces an agent has data under.
func (s *Store) ListPluginNamespaces(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace FROM plugin_data WHERE agent_id = ? ORDER BY namespace
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugin namespaces: %w", err)
	}
	defer rows.Close()

	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("failed to scan namespace: %w", err)
		}
		namespaces = append(namespaces, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating namespaces: %w", err)
	}
	return namespaces, nil
}
