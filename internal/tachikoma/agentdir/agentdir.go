// Package agentdir defines the on-disk layout of an agent's resource
// directory.
//
// The layout is consumed by backends and the sync engine but owned here so
// every backend produces the same shape: a logs subdirectory, and inside it
// an append-only servers.jsonl recording the sub-services an agent has
// bound inside its sandbox.
package agentdir

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	logsDirName     = "logs"
	serversFileName = "servers.jsonl"
)

// ServerRecord is one locally-bound sub-service announced by an agent.
type ServerRecord struct {
	Server string `json:"server"`
	URL    string `json:"url"`
}

// Init creates the agent directory and its logs subdirectory.
func Init(dir string) error {
	if err := os.MkdirAll(LogsDir(dir), 0755); err != nil {
		return fmt.Errorf("failed to create agent directory: %w", err)
	}
	return nil
}

// LogsDir returns the logs subdirectory of an agent directory.
func LogsDir(dir string) string {
	return filepath.Join(dir, logsDirName)
}

// ServersPath returns the path of the servers.jsonl log.
func ServersPath(dir string) string {
	return filepath.Join(LogsDir(dir), serversFileName)
}

// AppendServer appends a server record to the agent's servers.jsonl.
// Records are never rewritten; readers see the full announcement history.
func AppendServer(dir string, rec ServerRecord) error {
	if rec.Server == "" {
		return fmt.Errorf("server record needs a server name")
	}
	if err := Init(dir); err != nil {
		return err
	}

	f, err := os.OpenFile(ServersPath(dir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open servers log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode server record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append server record: %w", err)
	}
	return f.Sync()
}

// ReadServers returns every record in the agent's servers.jsonl, oldest
// first. A missing log reads as empty. Malformed lines are skipped so one
// torn write cannot poison the whole history.
func ReadServers(dir string) ([]ServerRecord, error) {
	f, err := os.Open(ServersPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open servers log: %w", err)
	}
	defer f.Close()

	var records []ServerRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec ServerRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read servers log: %w", err)
	}
	return records, nil
}
