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

// Package backend is the HTTP client for the control-plane service that
// owns node registrations, known-file state and task status.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"ndspipe/internal/core"
	"ndspipe/internal/nds"
)

// ErrBackPressure is returned by BatchAddTasks when the backend answers
// 429; the caller is expected to drop the batch and slow down.
var ErrBackPressure = errors.New("backend back-pressure")

// Client talks to the backend. Safe for concurrent use; reads are
// idempotent so a shared instance per node is fine.
type Client struct {
	base string
	http *http.Client
	log  zerolog.Logger
}

func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: time.Hour}, // scans and batches can be slow
		log:  log,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// GatewayInfo locates the gateway a node should talk through and the NDS
// servers wired to it.
type GatewayInfo struct {
	ID       int64     `json:"id"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	NDSLinks []NDSLink `json:"ndsLinks"`
}

type NDSLink struct {
	NDSID int64     `json:"ndsId"`
	NDS   NDSConfig `json:"nds"`
}

// NDSConfig is the backend's record of one NDS server, including the scan
// roots and filename filters the scanner applies per data type.
type NDSConfig struct {
	ID        int64  `json:"id"`
	Protocol  string `json:"Protocol"`
	Address   string `json:"Address"`
	Port      int    `json:"Port"`
	Account   string `json:"Account"`
	Password  string `json:"Password"`
	PoolSize  int    `json:"PoolSize"`
	MROPath   string `json:"MRO_Path"`
	MROFilter string `json:"MRO_Filter"`
	MDTPath   string `json:"MDT_Path"`
	MDTFilter string `json:"MDT_Filter"`
}

// NodeInfo is the per-node view the backend serves at /<role>/<id>.
type NodeInfo struct {
	Gateway GatewayInfo `json:"gateway"`
	Pools   int         `json:"pools"`
}

// SystemConfig is what /config/get returns.
type SystemConfig struct {
	Redis struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Password string `json:"password"`
		Database int    `json:"database"`
	} `json:"redis"`
	ClickHouse struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		User     string `json:"user"`
		Password string `json:"password"`
		Database string `json:"database"`
	} `json:"clickhouse"`
}

// BatchEntry is one tagged ZipEntry on its way to /ndsfiles/batch.
type BatchEntry struct {
	nds.ZipEntry
	NDSID    int64  `json:"ndsId"`
	DataType string `json:"data_type"`
	FileTime string `json:"file_time,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return core.E(core.KindBackend, "", 0, "encode request", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return core.E(core.KindBackend, "", 0, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return core.E(core.KindBackend, "", 1, method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrBackPressure
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return core.E(core.KindBackend, "", 1, "decode response from "+path, err)
	}
	if env.Code == http.StatusTooManyRequests {
		return ErrBackPressure
	}
	if env.Code != 200 {
		return core.E(core.KindBackend, "", 1,
			fmt.Sprintf("%s %s: backend code %d: %s", method, path, env.Code, env.Message), nil)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return core.E(core.KindBackend, "", 1, "decode data from "+path, err)
		}
	}
	return nil
}

// doRetry wraps do with a short exponential backoff; used on the startup
// reads a node cannot proceed without.
func (c *Client) doRetry(ctx context.Context, method, path string, body any, out any) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := c.do(ctx, method, path, body, out)
		if errors.Is(err, ErrBackPressure) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// NodeInfo fetches the node record for role ("parser", "scanner",
// "gateway") and id.
func (c *Client) NodeInfo(ctx context.Context, role, id string) (*NodeInfo, error) {
	var info NodeInfo
	if err := c.doRetry(ctx, http.MethodGet, fmt.Sprintf("/%s/%s", role, id), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ConfigGet fetches the shared redis/clickhouse configuration.
func (c *Client) ConfigGet(ctx context.Context) (*SystemConfig, error) {
	var cfg SystemConfig
	if err := c.doRetry(ctx, http.MethodGet, "/config/get", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateTaskStatus reports one task outcome: 2 success, -1 source missing,
// -2 parse or insert failure.
func (c *Client) UpdateTaskStatus(ctx context.Context, fileHash, filePath string, status int) error {
	return c.do(ctx, http.MethodPost, "/ndsfiles/updateTaskStatus", map[string]any{
		"file_hash": fileHash,
		"file_path": filePath,
		"status":    status,
	}, nil)
}

// FilterFiles sends a scan result and gets back only the paths the backend
// has never seen for this source and data type.
func (c *Client) FilterFiles(ctx context.Context, ndsID int64, dataType string, files []string) ([]string, error) {
	var unknown []string
	err := c.do(ctx, http.MethodPost, "/ndsfiles/filter", map[string]any{
		"nds_id": ndsID,
		"type":   dataType,
		"files":  files,
	}, &unknown)
	if err != nil {
		return nil, err
	}
	return unknown, nil
}

// BatchAddTasks submits one batch of tagged zip entries. A 429 surfaces as
// ErrBackPressure.
func (c *Client) BatchAddTasks(ctx context.Context, entries []BatchEntry) error {
	return c.do(ctx, http.MethodPost, "/ndsfiles/batch", map[string]any{"files": entries}, nil)
}

// ReplenishTasks asks the backend to refill the task queues from its
// known-file table.
func (c *Client) ReplenishTasks(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ndsfiles/replenishTasks", nil, nil)
}

// Register announces a node as online.
func (c *Client) Register(ctx context.Context, role, id string, port int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/%s/register", role), map[string]any{
		"id":   id,
		"port": port,
	}, nil)
}

// Unregister flips the node offline; failures are logged, not fatal.
func (c *Client) Unregister(ctx context.Context, role, id string) {
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/%s/unregister", role), map[string]any{
		"id":     id,
		"status": 0,
	}, nil); err != nil {
		c.log.Warn().Err(err).Str("role", role).Msg("unregister failed")
	}
}
