/*
 * Copyright 2026 The NDSPipe Team
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// conn is one registered client connection. The mutex serialises every
// write: gorilla allows a single writer, and the start/chunks/end framing
// of a file stream must not interleave with anything else.
type conn struct {
	ws       *websocket.Conn
	mu       sync.Mutex
	failures int
}

// Manager tracks the gateway side of all client connections and runs the
// liveness probe loop.
type Manager struct {
	log zerolog.Logger

	mu    sync.Mutex // guards the map only, never held across a send
	conns map[string]*conn

	chunkSize     int
	checkInterval time.Duration
	maxFailures   int

	done chan struct{}
	once sync.Once
}

func NewManager(log zerolog.Logger) *Manager {
	m := &Manager{
		log:           log,
		conns:         make(map[string]*conn),
		chunkSize:     ChunkSize,
		checkInterval: CheckInterval,
		maxFailures:   MaxCheckFailures,
		done:          make(chan struct{}),
	}
	go m.checkLoop()
	return m
}

// Register adds a connection under clientID, displacing any previous
// connection with the same id.
func (m *Manager) Register(clientID string, ws *websocket.Conn) {
	m.mu.Lock()
	old := m.conns[clientID]
	m.conns[clientID] = &conn{ws: ws}
	m.mu.Unlock()
	if old != nil {
		old.ws.Close()
	}
	m.log.Debug().Str("client_id", clientID).Msg("client connected")
}

// Disconnect drops a connection and closes its socket.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	c := m.conns[clientID]
	delete(m.conns, clientID)
	m.mu.Unlock()
	if c != nil {
		c.ws.Close()
		m.log.Debug().Str("client_id", clientID).Msg("client disconnected")
	}
}

func (m *Manager) get(clientID string) *conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[clientID]
}

// Send writes one JSON frame to clientID.
func (m *Manager) Send(clientID string, msg *Message) error {
	c := m.get(clientID)
	if c == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

// SendFile streams data as a start frame, binary chunks of at most
// chunkSize, and an end frame. The connection's write mutex is held for
// the whole stream so no other frame can slip in between.
func (m *Manager) SendFile(ctx context.Context, clientID string, data []byte, requestID string) error {
	c := m.get(clientID)
	if c == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start := &Message{Type: TypeFile, Code: 200, Data: StreamStart, RequestID: requestID}
	if err := c.ws.WriteJSON(start); err != nil {
		return err
	}
	for off := 0; off < len(data); off += m.chunkSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		end := off + m.chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := c.ws.WriteMessage(websocket.BinaryMessage, data[off:end]); err != nil {
			return err
		}
	}
	return c.ws.WriteJSON(&Message{Type: TypeFile, Code: 200, Data: StreamEnd, RequestID: requestID})
}

// checkLoop probes every connection on a fixed cadence. A probe is just a
// frame write; the client is expected to ignore it. Three misses in a row
// and the connection is torn down.
func (m *Manager) checkLoop() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		ids := make([]string, 0, len(m.conns))
		for id := range m.conns {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		now := time.Now().Unix()
		for _, id := range ids {
			c := m.get(id)
			if c == nil {
				continue
			}
			c.mu.Lock()
			err := c.ws.WriteJSON(&Message{Type: TypeCheck, Code: 200, Data: now})
			if err != nil {
				c.failures++
			} else {
				c.failures = 0
			}
			failures := c.failures
			c.mu.Unlock()

			if failures >= m.maxFailures {
				m.log.Warn().Str("client_id", id).Int("failures", failures).
					Msg("liveness probes failed, disconnecting")
				m.Disconnect(id)
			}
		}
	}
}

// Close stops the probe loop and drops every connection.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// ConnectionCount is used by the gateway status endpoint.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
