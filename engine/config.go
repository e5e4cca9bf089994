// Copyright (C) 2024 GnitzDB Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package engine

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Config is the on-disk (YAML) configuration for one GnitzDB instance.
// cmd/gnitzd decodes one of these at startup and passes it to Open.
type Config struct {
	// DataDir is the root directory the catalog's system tables and every
	// user table/view are opened under.
	DataDir string `json:"data_dir"`

	// SocketPath is the unix(7) socket cmd/gnitzd listens on for the IPC
	// protocol (ipc.Header framed requests).
	SocketPath string `json:"socket_path"`

	// MemTableCapacityBytes bounds a user table or view's MemTable arena
	// before IngestBatch must flush it to a shard.
	MemTableCapacityBytes int64 `json:"mem_table_capacity_bytes"`

	// CompactionTriggerShards is loaded and defaulted with the rest of the
	// config, but no code path reads it: nothing starts storage/compact.Run
	// automatically when a table's shard count reaches it.
	CompactionTriggerShards int `json:"compaction_trigger_shards"`

	// CascadeMaxDepth overrides exec.DefaultMaxDepth, bounding the
	// reactive executor's breadth-first walk through the view dependency
	// graph.
	CascadeMaxDepth int `json:"cascade_max_depth"`
}

// DefaultConfig returns the configuration a fresh GnitzDB instance starts
// from absent an explicit config file.
func DefaultConfig() Config {
	return Config{
		DataDir:                 "./gnitzdata",
		SocketPath:              "/tmp/gnitzd.sock",
		MemTableCapacityBytes:   64 << 20,
		CompactionTriggerShards: 8,
		CascadeMaxDepth:         64,
	}
}

// LoadConfig reads and decodes a YAML config file at path, filling in
// DefaultConfig's values for anything the file leaves zero.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("engine.LoadConfig: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("engine.LoadConfig: %w", err)
	}
	return cfg, nil
}
