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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned when a frame is addressed to a client id the
// manager does not know.
var ErrNotConnected = errors.New("client is not connected")

// RequestError is an error frame that came back from the gateway. The code
// matters: 404 means the source file is gone, everything else is a real
// failure.
type RequestError struct {
	Code    int
	Message string
	Data    any
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// GatewayClient is the parser-side end of the duplex channel. One client
// maps to one WebSocket connection with its own client_id.
type GatewayClient struct {
	ws       *websocket.Conn
	clientID string
	log      zerolog.Logger
}

// DialGateway connects to ws://host:port/nds/ws/<client_id> with a fresh
// client id.
func DialGateway(ctx context.Context, host string, port int, log zerolog.Logger) (*GatewayClient, error) {
	clientID := uuid.NewString()
	url := fmt.Sprintf("ws://%s:%d/nds/ws/%s", host, port, clientID)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	ws.SetReadLimit(MaxMessageSize)
	return &GatewayClient{
		ws:       ws,
		clientID: clientID,
		log:      log.With().Str("client_id", clientID).Logger(),
	}, nil
}

func (g *GatewayClient) ClientID() string { return g.clientID }

func (g *GatewayClient) Close() error { return g.ws.Close() }

func (g *GatewayClient) send(req *Request) error {
	return g.ws.WriteJSON(req)
}

// nextFrame reads one frame, transparently swallowing the gateway's
// unsolicited check frames.
func (g *GatewayClient) nextFrame(ctx context.Context) (*Message, []byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		kind, data, err := g.ws.ReadMessage()
		if err != nil {
			return nil, nil, err
		}
		if kind == websocket.BinaryMessage {
			return nil, data, nil
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, nil, fmt.Errorf("bad frame from gateway: %w", err)
		}
		if msg.Type == TypeCheck {
			continue
		}
		return &msg, nil, nil
	}
}

// call sends a request and waits for the matching response frame. Used for
// the non-streaming apis.
func (g *GatewayClient) call(ctx context.Context, api string, params Params) (*Message, error) {
	req := &Request{API: api, RequestID: uuid.NewString(), Params: params}
	if err := g.send(req); err != nil {
		return nil, err
	}
	for {
		msg, bin, err := g.nextFrame(ctx)
		if err != nil {
			return nil, err
		}
		if bin != nil {
			return nil, fmt.Errorf("unexpected binary frame outside a read stream")
		}
		if msg.RequestID != "" && msg.RequestID != req.RequestID {
			continue
		}
		if msg.Type == TypeError {
			return nil, &RequestError{Code: msg.Code, Message: msg.Message, Data: msg.Data}
		}
		if msg.Type == TypeResponse {
			if msg.Code != 200 {
				return nil, &RequestError{Code: msg.Code, Message: msg.Message, Data: msg.Data}
			}
			return msg, nil
		}
	}
}

// Scan lists files under path on the given NDS through the gateway.
func (g *GatewayClient) Scan(ctx context.Context, ndsID, path, filter string) ([]string, error) {
	msg, err := g.call(ctx, APIScan, Params{NDSID: FlexibleID(ndsID), Path: path, Filter: filter})
	if err != nil {
		return nil, err
	}
	var files []string
	if err := remarshal(msg.Data, &files); err != nil {
		return nil, fmt.Errorf("bad scan payload: %w", err)
	}
	return files, nil
}

// ZipInfoRaw returns the zip_info payload as raw JSON; the caller decodes
// it into its own entry type.
func (g *GatewayClient) ZipInfoRaw(ctx context.Context, ndsID, path string) (json.RawMessage, error) {
	msg, err := g.call(ctx, APIZipInfo, Params{NDSID: FlexibleID(ndsID), Path: path})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ReadFile issues a read and reassembles the start/chunks/end stream into
// one byte slice. size 0 means the whole file from headerOffset.
func (g *GatewayClient) ReadFile(ctx context.Context, ndsID, path string, headerOffset, size int64) ([]byte, error) {
	req := &Request{
		API:       APIRead,
		RequestID: uuid.NewString(),
		Params:    Params{NDSID: FlexibleID(ndsID), Path: path, HeaderOffset: headerOffset, Size: size},
	}
	if err := g.send(req); err != nil {
		return nil, err
	}

	var buf []byte
	inStream := false
	for {
		msg, bin, err := g.nextFrame(ctx)
		if err != nil {
			return nil, err
		}
		if bin != nil {
			if inStream {
				buf = append(buf, bin...)
			}
			// A chunk outside start/end belongs to nobody; drop it.
			continue
		}
		if msg.RequestID != "" && msg.RequestID != req.RequestID {
			continue
		}
		switch {
		case msg.Type == TypeError:
			return nil, &RequestError{Code: msg.Code, Message: msg.Message, Data: msg.Data}
		case msg.Type == TypeFile && msg.Data == StreamStart:
			inStream = true
		case msg.Type == TypeFile && msg.Data == StreamEnd:
			return buf, nil
		case msg.Type == TypeResponse && msg.Code != 200:
			return nil, &RequestError{Code: msg.Code, Message: msg.Message, Data: msg.Data}
		}
	}
}

// remarshal moves loosely-typed frame data into a concrete type.
func remarshal(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
