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

package nds

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ndspipe/internal/core"
)

// Pool owns every client for one NDS server. Idle clients sit in a buffered
// channel; a borrower either takes one, creates one (while the in-flight
// count is below capacity) or blocks until somebody returns one.
type Pool struct {
	cfg  ServerConfig
	log  zerolog.Logger
	base zerolog.Logger

	idle chan Client

	// dial makes the protocol client; swapped out in tests.
	dial func(ServerConfig, zerolog.Logger) (Client, error)

	mu       sync.Mutex
	loaned   int
	lastUsed time.Time
	closed   bool
}

// PoolStats is the observable state of one pool.
type PoolStats struct {
	ServerID  string    `json:"server_id"`
	Protocol  string    `json:"protocol"`
	Max       int       `json:"max"`
	InUse     int       `json:"in_use"`
	Available int       `json:"available"`
	LastUsed  time.Time `json:"last_used"`
}

func NewPool(cfg ServerConfig, log zerolog.Logger) *Pool {
	size := cfg.PoolSize
	if size < 1 {
		size = 1
	}
	cfg.PoolSize = size
	return &Pool{
		cfg:  cfg,
		log:  log.With().Str("nds_id", cfg.ID).Logger(),
		base: log,
		dial: NewClient,
		idle: make(chan Client, size),
	}
}

// Get checks a client out. An unhealthy idle client found on the fast path
// is closed and replaced; one that arrives unhealthy while the pool is
// saturated is closed and the checkout fails. There is deliberately no
// timeout here, back-pressure comes from the callers upstream.
func (p *Pool) Get(ctx context.Context) (Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, core.E(core.KindConnect, p.cfg.ID, 1, "pool is closed", nil)
	}
	p.mu.Unlock()

	// 1. Fast path: a parked idle client, if it still answers.
	select {
	case c := <-p.idle:
		if c.Check(ctx) {
			p.markLoaned()
			return c, nil
		}
		c.CloseConnection()
	default:
	}

	// 2. Below capacity: make a fresh one.
	if p.tryReserve() {
		c, err := p.connectNew(ctx)
		if err != nil {
			p.unmarkLoaned()
			return nil, err
		}
		return c, nil
	}

	// 3. Saturated: wait for a return.
	select {
	case c := <-p.idle:
		if !c.Check(ctx) {
			c.CloseConnection()
			return nil, core.E(core.KindConnect, p.cfg.ID, 1, "failed to get valid connection", nil)
		}
		p.markLoaned()
		return c, nil
	case <-ctx.Done():
		return nil, core.E(core.KindCancelled, p.cfg.ID, 0, "checkout cancelled", ctx.Err())
	}
}

// Put returns a client. It is health-checked again on the way in; anything
// sick is closed instead of parked.
func (p *Pool) Put(ctx context.Context, c Client) {
	p.unmarkLoaned()
	if c == nil {
		return
	}
	if !c.Check(ctx) {
		c.CloseConnection()
		return
	}
	select {
	case p.idle <- c:
	default:
		// Channel already holds pool_size clients; this one is surplus.
		c.CloseConnection()
	}
}

// Discard drops a client that misbehaved inside the borrow scope.
func (p *Pool) Discard(c Client) {
	p.unmarkLoaned()
	if c != nil {
		c.CloseConnection()
	}
}

// WithClient runs fn with a borrowed client. An error from fn means the
// client is closed and discarded, not returned.
func (p *Pool) WithClient(ctx context.Context, fn func(Client) error) error {
	c, err := p.Get(ctx)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		p.Discard(c)
		return err
	}
	p.Put(ctx, c)
	return nil
}

// Close closes every idle client and refuses further checkouts.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case c := <-p.idle:
			c.CloseConnection()
		default:
			return
		}
	}
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		ServerID:  p.cfg.ID,
		Protocol:  p.cfg.Protocol,
		Max:       p.cfg.PoolSize,
		InUse:     p.loaned,
		Available: len(p.idle),
		LastUsed:  p.lastUsed,
	}
}

func (p *Pool) markLoaned() {
	p.mu.Lock()
	p.loaned++
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

func (p *Pool) unmarkLoaned() {
	p.mu.Lock()
	if p.loaned > 0 {
		p.loaned--
	}
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

// tryReserve bumps the loan count if in-flight clients (idle + loaned) are
// still below capacity, reserving the slot for a new connection.
func (p *Pool) tryReserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle)+p.loaned >= p.cfg.PoolSize {
		return false
	}
	p.loaned++
	p.lastUsed = time.Now()
	return true
}

func (p *Pool) connectNew(ctx context.Context) (Client, error) {
	c, err := p.dial(p.cfg, p.base)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	p.log.Debug().Msg("new pooled connection")
	return c, nil
}
