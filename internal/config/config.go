// Copyright (C) 2024 flowcore Authors
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

// Package config builds a flowworker Config from flags, environment
// variables, and an optional YAML file, mirroring
// cmd/snellerd/run_worker.go's flag.FlagSet + os.Getenv pattern.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Config holds everything flowworker needs to start one worker
// process.
type Config struct {
	// ListenAddr is the control-stream listen address (host:port).
	ListenAddr string `json:"listenAddr"`

	// WorkerID identifies this worker to the control plane.
	WorkerID string `json:"workerId"`

	// StateStoreDir is the local directory the reference statestore
	// implementation persists synced manifests under.
	StateStoreDir string `json:"stateStoreDir"`

	// ChunkSize bounds rows per StreamChunk built by the DML executor
	// and the compactor.
	ChunkSize int `json:"chunkSize"`

	// RowsPerSec rate-limits DML ingestion; zero means unlimited.
	RowsPerSec uint64 `json:"rowsPerSec"`

	// FailureWindow is how long the worker waits for a failure cascade
	// to settle before picking a root cause.
	FailureWindow time.Duration `json:"failureWindow"`
}

// defaults matches the constants used throughout the dataflow core
// (dml.MaxChunkForAtomicity's companion chunk size, a 3s failure
// aggregation window per spec.md §7).
func defaults() Config {
	return Config{
		ListenAddr:    ":7890",
		StateStoreDir: "./flowworker-data",
		ChunkSize:     1024,
		RowsPerSec:    0,
		FailureWindow: 3 * time.Second,
	}
}

// Parse builds a Config from args (excluding the program name), falling
// back to FLOWWORKER_* environment variables, then to defaults(). A
// -config file, if given, is read first and then overridden by any
// flags explicitly set on the command line.
func Parse(args []string) (Config, error) {
	cfg := defaults()
	applyEnv(&cfg)

	fs := flag.NewFlagSet("flowworker", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML config file")
	listenAddr := fs.String("listen", cfg.ListenAddr, "control-stream listen address")
	workerID := fs.String("id", cfg.WorkerID, "worker identifier")
	stateDir := fs.String("state-dir", cfg.StateStoreDir, "state-store data directory")
	chunkSize := fs.Int("chunk-size", cfg.ChunkSize, "rows per stream chunk")
	rowsPerSec := fs.Uint64("rows-per-sec", cfg.RowsPerSec, "DML ingestion rate limit (0 = unlimited)")
	failureWindow := fs.Duration("failure-window", cfg.FailureWindow, "failure aggregation window")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configPath != "" {
		if err := loadFile(*configPath, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ListenAddr = *listenAddr
		case "id":
			cfg.WorkerID = *workerID
		case "state-dir":
			cfg.StateStoreDir = *stateDir
		case "chunk-size":
			cfg.ChunkSize = *chunkSize
		case "rows-per-sec":
			cfg.RowsPerSec = *rowsPerSec
		case "failure-window":
			cfg.FailureWindow = *failureWindow
		}
	})

	if cfg.WorkerID == "" {
		return Config{}, fmt.Errorf("config: worker id is required (-id or FLOWWORKER_ID)")
	}
	if cfg.ChunkSize <= 0 {
		return Config{}, fmt.Errorf("config: chunk size must be positive, got %d", cfg.ChunkSize)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLOWWORKER_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWWORKER_ID"); v != "" {
		cfg.WorkerID = v
	}
	if v := os.Getenv("FLOWWORKER_STATE_DIR"); v != "" {
		cfg.StateStoreDir = v
	}
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
