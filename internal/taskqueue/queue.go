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

// Package taskqueue consumes parse tasks from the shared Redis broker: one
// FIFO list per NDS source, popped with round-robin fairness across
// sources.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ndspipe/internal/core"
)

const (
	keyPrefix     = "task_for_nds:"
	socketTimeout = 5 * time.Second
	errorBackoff  = time.Second
)

// Task is one unit of parse work as it sits in the broker.
type Task struct {
	NDSID        int64  `json:"ndsId"`
	FilePath     string `json:"file_path"`
	FileHash     string `json:"file_hash"`
	DataType     string `json:"data_type"`
	HeaderOffset int64  `json:"header_offset"`
	CompressSize int64  `json:"compress_size"`
}

// Queue is a consumer over the ordered set of per-source lists.
type Queue struct {
	rdb  *redis.Client
	log  zerolog.Logger
	keys []string // rotation order; only touched by the popping goroutine
}

// Options address the broker.
type Options struct {
	Addr     string
	Password string
	DB       int
}

func New(ndsIDs []int64, opts Options, log zerolog.Logger) *Queue {
	keys := make([]string, 0, len(ndsIDs))
	for _, id := range ndsIDs {
		keys = append(keys, fmt.Sprintf("%s%d", keyPrefix, id))
	}
	return &Queue{
		rdb: redis.NewClient(&redis.Options{
			Addr:         opts.Addr,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  socketTimeout,
			ReadTimeout:  socketTimeout,
			WriteTimeout: socketTimeout,
			MaxRetries:   3,
		}),
		log:  log,
		keys: keys,
	}
}

// Connect verifies the broker answers.
func (q *Queue) Connect(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return core.E(core.KindBackend, "", 1, "redis ping", err)
	}
	return nil
}

func (q *Queue) Close() error { return q.rdb.Close() }

// Pop blocks up to timeout for a task from the first non-empty queue in
// rotation order. Returns (nil, nil) when nothing showed up. The served
// queue is demoted to the end of the scan list so a busy source cannot
// starve the others.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, core.E(core.KindCancelled, "", 0, "pop cancelled", ctx.Err())
		}
		q.log.Error().Err(err).Msg("task pop failed")
		sleepCtx(ctx, errorBackoff)
		return nil, core.E(core.KindBackend, "", 0, "task pop", err)
	}
	if len(res) != 2 {
		return nil, core.E(core.KindProtocol, "", 0, "unexpected blpop reply", nil)
	}

	q.demote(res[0])

	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, core.E(core.KindProtocol, "", 0, "task is not valid JSON", err)
	}
	return &task, nil
}

// demote moves the just-served key to the end of the rotation.
func (q *Queue) demote(served string) {
	for i, k := range q.keys {
		if k == served {
			q.keys = append(append(q.keys[:i], q.keys[i+1:]...), served)
			return
		}
	}
}

// Keys exposes the current rotation order (mostly for status output).
func (q *Queue) Keys() []string {
	out := make([]string, len(q.keys))
	copy(out, q.keys)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
