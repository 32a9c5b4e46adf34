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

// Package parser is the consuming node: it pops tasks from the queue,
// fetches payloads through the gateway, decodes them and bulk-inserts the
// rows into the analytical store.
package parser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ndspipe/internal/backend"
	"ndspipe/internal/core"
	"ndspipe/internal/decode"
	"ndspipe/internal/store"
	"ndspipe/internal/taskqueue"
)

const (
	defaultPoolSize = 5
	popTimeout      = 3 * time.Second
	stopGrace       = 30 * time.Second
)

// Parser is the node service.
type Parser struct {
	log     zerolog.Logger
	backend *backend.Client
	nodeID  string

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	slots    chan struct{}
	poolSize int
	started  time.Time

	gatewayHost string
	gatewayPort int
	queue       *taskqueue.Queue
	store       rowStore
}

// rowStore is what the worker body needs from the analytical store.
type rowStore interface {
	Insert(ctx context.Context, table string, rows *decode.Rows) error
	Probe(ctx context.Context) error
	Close() error
}

func New(nodeID string, bc *backend.Client, log zerolog.Logger) *Parser {
	return &Parser{log: log, backend: bc, nodeID: nodeID}
}

// Start wires everything from backend-served configuration: gateway
// address, NDS id list, redis broker, clickhouse. Fails fast when any leg
// is missing; a parser with no store is useless.
func (p *Parser) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	info, err := p.backend.NodeInfo(ctx, "parser", p.nodeID)
	if err != nil {
		return err
	}
	if info.Gateway.Host == "" || info.Gateway.Port == 0 {
		return core.E(core.KindConfig, "", 1, "no gateway configured for this node", nil)
	}
	var ndsIDs []int64
	for _, link := range info.Gateway.NDSLinks {
		ndsIDs = append(ndsIDs, link.NDSID)
	}
	if len(ndsIDs) == 0 {
		return core.E(core.KindConfig, "", 1, "no nds configured for this node", nil)
	}

	sysCfg, err := p.backend.ConfigGet(ctx)
	if err != nil {
		return err
	}

	queue := taskqueue.New(ndsIDs, taskqueue.Options{
		Addr:     fmt.Sprintf("%s:%d", sysCfg.Redis.Host, sysCfg.Redis.Port),
		Password: sysCfg.Redis.Password,
		DB:       sysCfg.Redis.Database,
	}, p.log)
	if err := queue.Connect(ctx); err != nil {
		return err
	}

	st, err := store.Open(store.Config{
		Host:     sysCfg.ClickHouse.Host,
		Port:     sysCfg.ClickHouse.Port,
		User:     sysCfg.ClickHouse.User,
		Password: sysCfg.ClickHouse.Password,
		Database: sysCfg.ClickHouse.Database,
	}, p.log)
	if err != nil {
		queue.Close()
		return err
	}
	if err := st.Probe(ctx); err != nil {
		queue.Close()
		st.Close()
		return err
	}

	p.poolSize = info.Pools
	if p.poolSize < 1 {
		p.poolSize = defaultPoolSize
	}
	p.gatewayHost = info.Gateway.Host
	p.gatewayPort = info.Gateway.Port
	p.queue = queue
	p.store = st
	p.slots = make(chan struct{}, p.poolSize)
	p.stopCh = make(chan struct{})
	p.running = true
	p.started = time.Now()

	p.wg.Add(1)
	go p.dispatch()

	p.log.Info().Int("pool_size", p.poolSize).Ints64("nds_ids", ndsIDs).Msg("parser started")
	return nil
}

// Stop lets in-flight tasks finish for up to 30 seconds, then gives up and
// closes the queue and the store anyway.
func (p *Parser) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return core.E(core.KindConfig, "", 0, "parser is not running", nil)
	}
	p.running = false
	close(p.stopCh)
	queue, st := p.queue, p.store
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		p.log.Warn().Msg("workers did not drain in time, closing anyway")
	}

	if queue != nil {
		queue.Close()
	}
	if st != nil {
		st.Close()
	}
	p.log.Info().Msg("parser stopped")
	return nil
}

func (p *Parser) Status(ctx context.Context) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := map[string]any{
		"running":   p.running,
		"pool_size": p.poolSize,
	}
	if p.running {
		status["busy_workers"] = len(p.slots)
		status["idle_workers"] = p.poolSize - len(p.slots)
		status["uptime"] = time.Since(p.started).Round(time.Second).String()
		if p.queue != nil {
			status["queues"] = p.queue.Keys()
		}
	}
	return status, nil
}

// Shutdown stops the node and flips it offline with the backend.
func (p *Parser) Shutdown(ctx context.Context) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if running {
		p.Stop(ctx)
	}
	p.backend.Unregister(ctx, "parser", p.nodeID)
}
