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

// Command flowworker is the barrier-coordinated dataflow worker daemon:
// it wires together the actor runtime, managed barrier state, and
// control stream described by this module and drives them from a
// single event loop until it receives a shutdown signal. The
// control-plane wire protocol and state-store LSM backend are out of
// scope for this module (see DESIGN.md); in their place this command
// runs an in-memory reference state store and leaves the control stream
// disconnected until something local installs a *control.Pair. It does
// not start a DML executor or a listener: the listen address, state
// directory, chunk size and row rate are parsed and logged only.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowcore/streamrt/actor"
	"github.com/flowcore/streamrt/barrier"
	"github.com/flowcore/streamrt/control"
	"github.com/flowcore/streamrt/internal/config"
	"github.com/flowcore/streamrt/internal/logx"
	"github.com/flowcore/streamrt/statestore"
	"github.com/flowcore/streamrt/worker"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowworker: %v\n", err)
		os.Exit(1)
	}

	logger := logx.New(os.Stdout, cfg.WorkerID)
	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("flowworker: %v", err)
	}
}

func run(cfg config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := statestore.NewMemStore()
	state := barrier.New(store)
	runtime := actor.NewRuntime(logger)
	ctl := control.NewHandle(logger)

	w := worker.New(runtime, state, ctl, logger)
	w.FailureWindow = cfg.FailureWindow

	logger.Printf("flowworker: starting worker %q (listen=%s state-dir=%s chunk-size=%d rows-per-sec=%d)",
		cfg.WorkerID, cfg.ListenAddr, cfg.StateStoreDir, cfg.ChunkSize, cfg.RowsPerSec)

	defer runtime.Shutdown()

	err := w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Printf("flowworker: shutdown requested, %d actors stopping", len(runtime.Live()))
		return nil
	}
	return err
}
