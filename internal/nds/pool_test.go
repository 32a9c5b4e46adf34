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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T, size int) (*Pool, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	p := NewPool(ServerConfig{ID: "1", Protocol: ProtocolSFTP, PoolSize: size}, zerolog.Nop())
	p.dial = func(cfg ServerConfig, _ zerolog.Logger) (Client, error) {
		dials.Add(1)
		return newFakeClient(cfg.ID, nil), nil
	}
	return p, &dials
}

func TestPoolNeverExceedsCapacity(t *testing.T) {
	const size = 2
	p, _ := testPool(t, size)
	ctx := context.Background()

	var loaned atomic.Int32
	var peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Get(ctx)
			if err != nil {
				return
			}
			now := loaned.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			loaned.Add(-1)
			p.Put(ctx, c)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(size))
}

func TestPoolThirdBorrowBlocks(t *testing.T) {
	p, _ := testPool(t, 2)
	ctx := context.Background()

	c1, err := p.Get(ctx)
	require.NoError(t, err)
	c2, err := p.Get(ctx)
	require.NoError(t, err)

	got := make(chan Client, 1)
	go func() {
		c, err := p.Get(ctx)
		if err == nil {
			got <- c
		}
	}()

	select {
	case <-got:
		t.Fatal("third borrow should block while the pool is saturated")
	case <-time.After(50 * time.Millisecond):
	}

	p.Put(ctx, c1)
	select {
	case c := <-got:
		p.Put(ctx, c)
	case <-time.After(time.Second):
		t.Fatal("third borrow did not wake up after a return")
	}
	p.Put(ctx, c2)
}

func TestPoolEvictsUnhealthyOnCheckout(t *testing.T) {
	p, dials := testPool(t, 2)
	ctx := context.Background()

	c, err := p.Get(ctx)
	require.NoError(t, err)
	fake := c.(*fakeClient)
	p.Put(ctx, c)
	require.Equal(t, int32(1), dials.Load())

	// Poison the parked client; the next checkout must dial a fresh one.
	fake.healthy.Store(false)
	c2, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), dials.Load())
	assert.NotSame(t, fake, c2.(*fakeClient))
	assert.True(t, fake.closed.Load(), "unhealthy client should be closed")
	p.Put(ctx, c2)
}

func TestPoolDiscardOnBorrowError(t *testing.T) {
	p, _ := testPool(t, 1)
	ctx := context.Background()

	var seen *fakeClient
	err := p.WithClient(ctx, func(c Client) error {
		seen = c.(*fakeClient)
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.True(t, seen.closed.Load(), "errored borrow must close the client")

	// The slot freed up: the next borrow dials a replacement.
	c, err := p.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, seen, c.(*fakeClient))
	p.Put(ctx, c)
}

func TestPoolStats(t *testing.T) {
	p, _ := testPool(t, 3)
	ctx := context.Background()

	c, err := p.Get(ctx)
	require.NoError(t, err)
	st := p.Stats()
	assert.Equal(t, 3, st.Max)
	assert.Equal(t, 1, st.InUse)
	assert.Equal(t, 0, st.Available)

	p.Put(ctx, c)
	st = p.Stats()
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, 1, st.Available)
}

func TestPoolCloseRefusesCheckout(t *testing.T) {
	p, _ := testPool(t, 1)
	ctx := context.Background()
	c, err := p.Get(ctx)
	require.NoError(t, err)
	p.Put(ctx, c)

	p.Close()
	_, err = p.Get(ctx)
	require.Error(t, err)
	assert.True(t, c.(*fakeClient).closed.Load())
}

func TestReadFileBytesClampsAndReleases(t *testing.T) {
	content := []byte("0123456789")
	c := newFakeClient("1", map[string][]byte{"/f": content})
	ctx := context.Background()

	// Ranged read.
	got, err := ReadFileBytes(ctx, c, "/f", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), got)
	assert.Empty(t, c.streamPath, "stream must be released")

	// Size 0 reads to EOF; past-EOF reads clamp instead of erroring.
	got, err = ReadFileBytes(ctx, c, "/f", 6, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("6789"), got)

	got, err = ReadFileBytes(ctx, c, "/f", 8, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), got)

	// At EOF the read is empty, not an error.
	got, err = ReadFileBytes(ctx, c, "/f", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
