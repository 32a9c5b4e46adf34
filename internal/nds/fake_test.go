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
	"regexp"
	"sync/atomic"
	"time"

	"ndspipe/internal/core"
)

// fakeClient serves an in-memory file tree through the Client interface so
// the introspector and the pool can be tested without a server.
type fakeClient struct {
	id    string
	files map[string][]byte

	healthy  atomic.Bool
	connects atomic.Int32
	closed   atomic.Bool

	streamPath string
	cursor     int64
}

func newFakeClient(id string, files map[string][]byte) *fakeClient {
	c := &fakeClient{id: id, files: files}
	c.healthy.Store(true)
	return c
}

func (c *fakeClient) ServerID() string { return c.id }

func (c *fakeClient) Connect(ctx context.Context) error {
	c.connects.Add(1)
	c.closed.Store(false)
	return nil
}

func (c *fakeClient) Check(ctx context.Context) bool {
	return c.healthy.Load() && !c.closed.Load()
}

func (c *fakeClient) Scan(ctx context.Context, root string, filter *regexp.Regexp) ([]string, error) {
	var out []string
	for path := range c.files {
		if filter == nil || filter.MatchString(path) {
			out = append(out, path)
		}
	}
	return out, nil
}

func (c *fakeClient) Stat(ctx context.Context, path string) (FileInfo, error) {
	data, ok := c.files[path]
	if !ok {
		return FileInfo{}, core.E(core.KindFileNotFound, c.id, 0, "file not found: "+path, nil)
	}
	return FileInfo{Path: path, Size: int64(len(data)), ModTime: time.Unix(0, 0)}, nil
}

func (c *fakeClient) Open(ctx context.Context, path string) error {
	if _, ok := c.files[path]; !ok {
		return core.E(core.KindFileNotFound, c.id, 0, "file not found: "+path, nil)
	}
	c.streamPath = path
	c.cursor = 0
	return nil
}

func (c *fakeClient) Seek(offset int64, whence int) (int64, error) {
	next, err := resolveSeek(offset, whence, c.cursor, c.Size())
	if err != nil {
		return 0, err
	}
	c.cursor = next
	return next, nil
}

func (c *fakeClient) Read(ctx context.Context, n int64) ([]byte, error) {
	data := c.files[c.streamPath]
	want := clampRead(n, c.cursor, int64(len(data)))
	out := make([]byte, want)
	copy(out, data[c.cursor:c.cursor+want])
	c.cursor += want
	return out, nil
}

func (c *fakeClient) Size() int64 { return int64(len(c.files[c.streamPath])) }

func (c *fakeClient) Close() error {
	c.streamPath = ""
	return nil
}

func (c *fakeClient) CloseConnection() error {
	c.closed.Store(true)
	return nil
}
