// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import "context"

// hub maintains the set of active connections and broadcasts messages to
// them.
type hub struct {
	connections map[*connection]bool
	broadcast   chan []byte
	register    chan *connection
	unregister  chan *connection
}

func newHub() *hub {
	return &hub{
		connections: make(map[*connection]bool),
		broadcast:   make(chan []byte, 16),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.connections[c] = true
		case c := <-h.unregister:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
			}
		case message := <-h.broadcast:
			for c := range h.connections {
				select {
				case c.send <- message:
				default:
					delete(h.connections, c)
					close(c.send)
				}
			}
		case <-ctx.Done():
			for c := range h.connections {
				delete(h.connections, c)
				close(c.send)
			}
			return
		}
	}
}
