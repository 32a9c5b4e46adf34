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

// Package gateway maps control frames coming in over the duplex transport
// to pooled NDS operations: scan, zip_info and streamed reads.
package gateway

import (
	"context"
	"encoding/json"
	"regexp"

	"ndspipe/internal/core"
	"ndspipe/internal/nds"
	"ndspipe/internal/transport"
)

// handleMessage parses one inbound text frame and runs the matching api.
// Always returns exactly one response frame; streaming happens inside the
// read handler before its final response.
func (g *Gateway) handleMessage(ctx context.Context, clientID string, raw []byte) *transport.Message {
	var req transport.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return transport.NewError(400, "Invalid JSON format")
	}
	if req.API == "" || req.RequestID == "" {
		resp := transport.NewError(400, "missing required fields: api or request_id")
		resp.RequestID = req.RequestID
		return resp
	}

	resp := transport.NewResponse(req.API, req.RequestID)
	resp.NDSID = req.Params.NDSID.String()

	var err error
	switch req.API {
	case transport.APIScan:
		err = g.handleScan(ctx, req.Params, resp)
	case transport.APIRead:
		err = g.handleRead(ctx, clientID, req.Params, resp)
	case transport.APIZipInfo:
		err = g.handleZipInfo(ctx, req.Params, resp)
	default:
		resp.Type = transport.TypeError
		resp.Code = 404
		resp.Message = "unknown api: " + req.API
		return resp
	}

	if err != nil {
		resp.Type = transport.TypeError
		resp.Code = errorCode(err)
		resp.Message = err.Error()
		resp.Data = err.Error()
	}
	return resp
}

// errorCode maps error kinds to wire codes: bad arguments 400, missing
// files 404, everything else 500.
func errorCode(err error) int {
	switch {
	case core.IsKind(err, core.KindProtocol), core.IsKind(err, core.KindConfig):
		return 400
	case core.IsKind(err, core.KindFileNotFound):
		return 404
	default:
		return 500
	}
}

func badParams(msg string) error {
	return core.E(core.KindProtocol, "", 0, msg, nil)
}

func (g *Gateway) handleScan(ctx context.Context, p transport.Params, resp *transport.Message) error {
	if p.NDSID == "" || p.Path == "" {
		return badParams("missing required params: nds_id or path")
	}
	var filter *regexp.Regexp
	if p.Filter != "" {
		var err error
		if filter, err = regexp.Compile(p.Filter); err != nil {
			return badParams("invalid filter regex: " + err.Error())
		}
	}

	pool, err := g.pool(p.NDSID.String())
	if err != nil {
		return err
	}
	var files []string
	err = pool.WithClient(ctx, func(c nds.Client) error {
		var scanErr error
		files, scanErr = c.Scan(ctx, p.Path, filter)
		return scanErr
	})
	if err != nil {
		return err
	}
	resp.Message = "success"
	resp.Data = files
	return nil
}

func (g *Gateway) handleZipInfo(ctx context.Context, p transport.Params, resp *transport.Message) error {
	if p.NDSID == "" || p.Path == "" {
		return badParams("missing required params: nds_id or path")
	}
	pool, err := g.pool(p.NDSID.String())
	if err != nil {
		return err
	}
	var entries []nds.ZipEntry
	err = pool.WithClient(ctx, func(c nds.Client) error {
		var zerr error
		entries, zerr = nds.ZipInfo(ctx, c, p.Path)
		return zerr
	})
	if err != nil {
		return err
	}
	resp.Message = "success"
	resp.Data = entries
	return nil
}

// handleRead streams p.Size bytes at p.HeaderOffset (size 0 = to EOF) as a
// start/chunks/end sequence, then fills in the final response. The stream
// is always closed afterwards, and a client that went sour during the
// transfer is reconnected before it goes back in the pool.
func (g *Gateway) handleRead(ctx context.Context, clientID string, p transport.Params, resp *transport.Message) error {
	if p.NDSID == "" || p.Path == "" {
		return badParams("missing required params: nds_id or path")
	}
	if p.HeaderOffset < 0 || p.Size < 0 {
		return badParams("header_offset and size must not be negative")
	}

	pool, err := g.pool(p.NDSID.String())
	if err != nil {
		return err
	}
	client, err := pool.Get(ctx)
	if err != nil {
		return err
	}

	data, readErr := nds.ReadFileBytes(ctx, client, p.Path, p.HeaderOffset, p.Size)

	// Ranged RETRs leave some servers in a mood; reconnect rather than
	// park a dead session.
	if !client.Check(ctx) {
		client.CloseConnection()
		if cerr := client.Connect(ctx); cerr != nil {
			pool.Discard(client)
			client = nil
		}
	}
	if client != nil {
		pool.Put(ctx, client)
	}
	if readErr != nil {
		return readErr
	}

	if err := g.manager.SendFile(ctx, clientID, data, resp.RequestID); err != nil {
		return core.E(core.KindIO, p.NDSID.String(), 1, "stream to client failed", err)
	}
	resp.Message = "success"
	resp.Data = map[string]any{
		"nds_id":        p.NDSID.String(),
		"path":          p.Path,
		"header_offset": p.HeaderOffset,
		"size":          int64(len(data)),
	}
	return nil
}

func (g *Gateway) pool(ndsID string) (*nds.Pool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pools[ndsID]
	if !ok {
		return nil, core.E(core.KindConfig, ndsID, 1, "nds server is not configured", nil)
	}
	return p, nil
}
