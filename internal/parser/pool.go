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

package parser

import (
	"context"

	"ndspipe/internal/taskqueue"
)

// dispatch is the consumer loop: pop a task, validate it, claim a worker
// slot (blocking when the pool is saturated) and hand it off. The loop
// itself never dies on a task error.
func (p *Parser) dispatch() {
	defer p.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		p.mu.Lock()
		queue := p.queue
		p.mu.Unlock()
		if queue == nil {
			return
		}

		task, err := queue.Pop(ctx, popTimeout)
		if err != nil {
			// Broker errors were already backed off inside Pop; a malformed
			// task is simply skipped. Either way, go around.
			continue
		}
		if task == nil {
			// Queue ran dry; ask the backend to refill it from the
			// known-file table, then try again.
			if err := p.backend.ReplenishTasks(ctx); err != nil {
				p.log.Debug().Err(err).Msg("replenish request failed")
			}
			continue
		}

		if !validTask(task) {
			// Not worth a status update: the backend could not key it.
			p.log.Warn().
				Int64("nds_id", task.NDSID).
				Str("file_path", task.FilePath).
				Str("data_type", task.DataType).
				Msg("dropping malformed task")
			continue
		}

		// Claim a slot; blocks while all workers are busy.
		select {
		case p.slots <- struct{}{}:
		case <-p.stopCh:
			return
		}

		p.wg.Add(1)
		go func(t *taskqueue.Task) {
			defer p.wg.Done()
			defer func() { <-p.slots }()
			p.runWorker(ctx, t)
		}(task)
	}
}

func validTask(t *taskqueue.Task) bool {
	if t.NDSID == 0 || t.FilePath == "" {
		return false
	}
	return t.DataType == "MRO" || t.DataType == "MDT"
}

// runWorker executes the task body and reports exactly one status value:
// 2 success, -1 source missing, -2 anything else.
func (p *Parser) runWorker(ctx context.Context, t *taskqueue.Task) {
	status := p.runTask(ctx, t)
	if err := p.backend.UpdateTaskStatus(ctx, t.FileHash, t.FilePath, status); err != nil {
		p.log.Error().Err(err).Str("file_hash", t.FileHash).Int("status", status).
			Msg("status update failed")
	}
}
