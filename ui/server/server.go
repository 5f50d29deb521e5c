// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/queuectl/queuectl"
)

// Server is a simple monitoring web server with a WebSocket backend. It
// periodically polls the manager and pushes queue state to all connected
// browsers.
type Server struct {
	m        *queuectl.Manager
	interval time.Duration
}

// Option is an options provider for Server.
type Option func(*Server)

// SetInterval overrides the default 1s poll interval.
func SetInterval(d time.Duration) Option {
	return func(srv *Server) {
		srv.interval = d
	}
}

// New initializes a new Server.
func New(m *queuectl.Manager, options ...Option) *Server {
	srv := &Server{
		m:        m,
		interval: 1 * time.Second,
	}
	for _, opt := range options {
		opt(srv)
	}
	return srv
}

// Serve initializes the mux and starts the web server at the given
// address. It blocks until the listener fails.
func (srv *Server) Serve(addr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newHub()
	go hub.run(ctx)
	go srv.watch(ctx, hub)

	r := http.NewServeMux()
	r.Handle("/ws", wsserver{m: srv.m, hub: hub})
	r.HandleFunc("/state", srv.handleState)
	return http.ListenAndServe(addr, r)
}

// handleState serves a one-shot JSON snapshot for clients that do not
// speak WebSocket, e.g. curl.
func (srv *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := srv.snapshot(r.Context())
	if err != nil {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(state)
}

// State is the current state of the job queue as pushed to clients.
type State struct {
	Type       string          `json:"type"`
	Stats      *queuectl.Stats `json:"stats,omitempty"`
	Pending    []*queuectl.Job `json:"pending,omitempty"`
	Processing []*queuectl.Job `json:"processing,omitempty"`
	Failed     []*queuectl.Job `json:"failed,omitempty"`
	Dead       []*queuectl.Job `json:"dead,omitempty"`
	Completed  []*queuectl.Job `json:"completed,omitempty"`
}

func (srv *Server) snapshot(ctx context.Context) (*State, error) {
	state := &State{Type: "SET_STATE"}
	stats, err := srv.m.Stats(ctx)
	if err != nil {
		return nil, err
	}
	state.Stats = stats
	for _, sel := range []struct {
		state string
		limit int
		dst   *[]*queuectl.Job
	}{
		{queuectl.Pending, 25, &state.Pending},
		{queuectl.Processing, 25, &state.Processing},
		{queuectl.Failed, 25, &state.Failed},
		{queuectl.Dead, 25, &state.Dead},
		{queuectl.Completed, 10, &state.Completed},
	} {
		rsp, err := srv.m.List(ctx, &queuectl.ListRequest{State: sel.state, Limit: sel.limit})
		if err != nil {
			return nil, err
		}
		*sel.dst = rsp.Jobs
	}
	return state, nil
}

// watch polls the queue and broadcasts snapshots to the hub.
func (srv *Server) watch(ctx context.Context, hub *hub) {
	t := time.NewTicker(srv.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			state, err := srv.snapshot(ctx)
			if err != nil {
				continue
			}
			payload, err := json.Marshal(state)
			if err != nil {
				continue
			}
			hub.broadcast <- payload
		case <-ctx.Done():
			return
		}
	}
}
