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

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ndspipe/internal/backend"
	"ndspipe/internal/core"
	"ndspipe/internal/nds"
	"ndspipe/internal/transport"
)

// Gateway is the node service: NDS pools on one side, WebSocket clients on
// the other.
type Gateway struct {
	log     zerolog.Logger
	backend *backend.Client
	nodeID  string
	manager *transport.Manager

	mu      sync.Mutex
	pools   map[string]*nds.Pool
	running bool
}

func New(nodeID string, bc *backend.Client, log zerolog.Logger) *Gateway {
	return &Gateway{
		log:     log,
		backend: bc,
		nodeID:  nodeID,
		manager: transport.NewManager(log),
		pools:   make(map[string]*nds.Pool),
	}
}

// Start pulls the NDS list for this gateway from the backend and builds one
// pool per server.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}

	info, err := g.backend.NodeInfo(ctx, "gateway", g.nodeID)
	if err != nil {
		return err
	}
	if len(info.Gateway.NDSLinks) == 0 {
		return core.E(core.KindConfig, "", 1, "nds list is empty", nil)
	}

	for _, link := range info.Gateway.NDSLinks {
		cfg := nds.ServerConfig{
			ID:       strconv.FormatInt(link.NDS.ID, 10),
			Protocol: link.NDS.Protocol,
			Host:     link.NDS.Address,
			Port:     link.NDS.Port,
			User:     link.NDS.Account,
			Password: link.NDS.Password,
			PoolSize: link.NDS.PoolSize,
		}
		g.pools[cfg.ID] = nds.NewPool(cfg, g.log)
		g.log.Info().Str("nds_id", cfg.ID).Str("protocol", cfg.Protocol).Msg("nds server added to pool")
	}
	g.running = true
	return nil
}

// Stop closes every pool. Client connections stay up; their next request
// answers with a config error until Start runs again.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, p := range g.pools {
		p.Close()
		delete(g.pools, id)
	}
	g.running = false
	return nil
}

func (g *Gateway) Restart(ctx context.Context) error {
	if err := g.Stop(ctx); err != nil {
		return err
	}
	return g.Start(ctx)
}

// Status reports every pool plus the live connection count.
func (g *Gateway) Status(ctx context.Context) (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pools := make(map[string]nds.PoolStats, len(g.pools))
	for id, p := range g.pools {
		pools[id] = p.Stats()
	}
	return map[string]any{
		"running":     g.running,
		"pools":       pools,
		"connections": g.manager.ConnectionCount(),
	}, nil
}

// Shutdown tears everything down, including client connections.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.Stop(ctx)
	g.manager.Close()
	g.backend.Unregister(ctx, "gateway", g.nodeID)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Parser nodes are the only callers and they live inside the cluster.
	CheckOrigin: func(*http.Request) bool { return true },
}

// RegisterRoutes adds the WebSocket endpoint to mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /nds/ws/{client_id}", g.serveWS)
}

func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("client_id", clientID).Msg("upgrade failed")
		return
	}
	ws.SetReadLimit(transport.MaxMessageSize)
	g.manager.Register(clientID, ws)
	defer g.manager.Disconnect(clientID)

	// Single reader per connection; each request runs to completion before
	// the next frame is read, so one client's frames never interleave.
	for {
		kind, raw, err := ws.ReadMessage()
		if err != nil {
			g.log.Debug().Err(err).Str("client_id", clientID).Msg("read loop ended")
			return
		}
		if kind != websocket.TextMessage {
			g.manager.Send(clientID, transport.NewError(400, "unexpected binary frame"))
			continue
		}

		// check_connection is fire-and-forget from the client; no reply.
		var probe struct {
			API string `json:"api"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && probe.API == transport.APICheckConnection {
			continue
		}

		resp := g.handleMessage(r.Context(), clientID, raw)
		if err := g.manager.Send(clientID, resp); err != nil {
			g.log.Warn().Err(err).Str("client_id", clientID).Msg("send response failed")
			return
		}
	}
}
