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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndspipe/internal/backend"
	"ndspipe/internal/transport"
)

func testGateway() *Gateway {
	return New("g1", backend.New("http://127.0.0.1:1", zerolog.Nop()), zerolog.Nop())
}

func dispatch(t *testing.T, g *Gateway, raw string) *transport.Message {
	t.Helper()
	return g.handleMessage(context.Background(), "client", []byte(raw))
}

func TestDispatchInvalidJSON(t *testing.T) {
	resp := dispatch(t, testGateway(), `{"api": "scan",`)
	assert.Equal(t, transport.TypeError, resp.Type)
	assert.Equal(t, 400, resp.Code)
	assert.Equal(t, "Invalid JSON format", resp.Message)
}

func TestDispatchMissingFields(t *testing.T) {
	resp := dispatch(t, testGateway(), `{"params": {"path": "/x"}}`)
	assert.Equal(t, transport.TypeError, resp.Type)
	assert.Equal(t, 400, resp.Code)
}

func TestDispatchUnknownAPI(t *testing.T) {
	resp := dispatch(t, testGateway(), `{"api": "purge", "request_id": "r1"}`)
	assert.Equal(t, transport.TypeError, resp.Type)
	assert.Equal(t, 404, resp.Code)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestDispatchBadFilterRegex(t *testing.T) {
	resp := dispatch(t, testGateway(),
		`{"api": "scan", "request_id": "r2", "params": {"nds_id": 1, "path": "/x", "filter": "("}}`)
	assert.Equal(t, transport.TypeError, resp.Type)
	assert.Equal(t, 400, resp.Code)
	assert.Contains(t, resp.Message, "filter")
}

func TestDispatchUnknownNDS(t *testing.T) {
	resp := dispatch(t, testGateway(),
		`{"api": "zip_info", "request_id": "r3", "params": {"nds_id": 42, "path": "/x"}}`)
	assert.Equal(t, transport.TypeError, resp.Type)
	assert.Equal(t, 400, resp.Code)
	assert.Equal(t, "42", resp.NDSID)
}

func TestDispatchNegativeReadParams(t *testing.T) {
	resp := dispatch(t, testGateway(),
		`{"api": "read", "request_id": "r4", "params": {"nds_id": 1, "path": "/x", "header_offset": -1}}`)
	assert.Equal(t, transport.TypeError, resp.Type)
	assert.Equal(t, 400, resp.Code)
}

// TestServeWSCheckConnectionDropped drives the real WebSocket endpoint:
// check_connection requests produce no reply, the next real request does.
func TestServeWSCheckConnectionDropped(t *testing.T) {
	g := testGateway()
	mux := http.NewServeMux()
	g.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer g.manager.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/nds/ws/w1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"api": "check_connection", "request_id": "p1"}))
	require.NoError(t, ws.WriteJSON(map[string]any{"api": "nope", "request_id": "p2"}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg transport.Message
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &msg))

	// The first frame back answers the second request; the probe stayed
	// silent.
	assert.Equal(t, "p2", msg.RequestID)
	assert.Equal(t, 404, msg.Code)
}
