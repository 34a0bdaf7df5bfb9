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

// Package control implements the worker side of the bidirectional
// control stream between a worker and the control plane: one request
// stream in, one response stream out, wrapped so that the stream can
// be replaced (a reconnect) or torn down (a transport error) without
// the rest of the worker caring which physical connection is current.
package control

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Request is one control-plane request (e.g. inject barrier, drop
// actors, update actors). It is opaque to this package; the worker
// event loop interprets it.
type Request any

// Response is one worker-to-control-plane response (e.g. barrier
// complete, actor failure report).
type Response any

// Outbound is written to Pair.Responses. Err, if non-nil, terminates
// the stream from the worker's side (mirrors sending a gRPC Status
// error as the final message).
type Outbound struct {
	Response Response
	Err      error
}

// Inbound is read from Pair.Requests.
type Inbound struct {
	Request Request
	Err     error
}

// Pair bundles one control stream's request and response channels
// together with a Done channel the transport closes when the
// underlying connection goes away (peer disconnect, context
// cancellation). Responses should be large enough to not need to
// apply backpressure to the worker event loop under normal operation;
// Handle treats a blocked send past Done firing as a reset.
type Pair struct {
	Responses chan<- Outbound
	Requests  <-chan Inbound
	Done      <-chan struct{}
}

// Handle owns at most one live Pair at a time. A Handle with no pair
// installed behaves as if every request will arrive "eventually": a
// worker that calls NextRequest blocks until a connection is
// (re)established via Reset.
type Handle struct {
	logger *log.Logger

	mu     sync.Mutex
	pair   *Pair
	notify chan struct{}
}

// NewHandle returns a Handle with no connection installed.
func NewHandle(logger *log.Logger) *Handle {
	return &Handle{logger: logger, notify: make(chan struct{})}
}

func (h *Handle) broadcastLocked() {
	close(h.notify)
	h.notify = make(chan struct{})
}

// resetLocked tears down the current pair, if any, notifying its
// response channel with err as the final message. It does not install
// a replacement or broadcast; callers do that afterward.
func (h *Handle) resetLocked(err error) {
	if h.pair == nil {
		return
	}
	select {
	case h.pair.Responses <- Outbound{Err: err}:
	default:
		if h.logger != nil {
			h.logger.Printf("control: failed to notify finish of control stream: %v", err)
		}
	}
	h.pair = nil
}

// ResetWithErr tears down the current connection, if any, reporting
// err as the terminal response. Safe to call when no pair is
// installed.
func (h *Handle) ResetWithErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetLocked(err)
	h.broadcastLocked()
}

// Reset installs p as the current connection, first tearing down any
// previous one with prevErr (which may be nil if there was none or the
// replacement is a planned reconnect).
func (h *Handle) Reset(p *Pair, prevErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetLocked(prevErr)
	h.pair = p
	h.broadcastLocked()
}

// SendResponse delivers resp over the current connection. If no
// connection is installed, the response is dropped with a log line:
// the control plane already considers the stream gone, so there is no
// one to receive it.
func (h *Handle) SendResponse(resp Response) {
	h.mu.Lock()
	p := h.pair
	h.mu.Unlock()
	if p == nil {
		if h.logger != nil {
			h.logger.Printf("control: stream has been reset, ignoring response %v", resp)
		}
		return
	}
	select {
	case p.Responses <- Outbound{Response: resp}:
	case <-p.Done:
		h.ResetWithErr(fmt.Errorf("control: response channel closed"))
	}
}

// NextRequest blocks until a request arrives on the current
// connection, a connection is (re)installed after a period with none,
// or ctx is done. A transport-reported error or stream end resets the
// handle and continues waiting rather than returning the error
// directly, matching the control plane's expectation that only a
// fresh Reset recovers the stream.
func (h *Handle) NextRequest(ctx context.Context) (Request, error) {
	for {
		h.mu.Lock()
		p := h.pair
		wait := h.notify
		h.mu.Unlock()

		if p == nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		select {
		case in, ok := <-p.Requests:
			if !ok {
				h.ResetWithErr(fmt.Errorf("control: end of request stream"))
				continue
			}
			if in.Err != nil {
				h.ResetWithErr(fmt.Errorf("control: request stream error: %w", in.Err))
				continue
			}
			return in.Request, nil
		case <-p.Done:
			h.ResetWithErr(fmt.Errorf("control: peer disconnected"))
			continue
		case <-wait:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Connected reports whether a connection is currently installed.
func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pair != nil
}
