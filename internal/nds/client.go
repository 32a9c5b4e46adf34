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

// Package nds talks to NDS storage servers (the remote FTP/SFTP endpoints
// the measurement archives live on): sessions, pooling and ZIP structure
// introspection.
package nds

import (
	"context"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"ndspipe/internal/core"
)

// Supported protocols.
const (
	ProtocolFTP  = "FTP"
	ProtocolSFTP = "SFTP"
)

const (
	connectRetries = 3
	connectDelay   = time.Second
	dialTimeout    = 10 * time.Second
)

// ServerConfig identifies one NDS storage endpoint. Immutable once the
// server is registered with the backend.
type ServerConfig struct {
	ID       string
	Protocol string
	Host     string
	Port     int
	User     string
	Password string
	PoolSize int
}

// FileInfo is what Stat returns; ModTime is zero when the server cannot
// report one (plain FTP without MDTM).
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Client is one live session against an NDS server. A client holds at most
// one open read stream at a time; Open/Seek/Read/Close drive that stream
// and CloseConnection tears the whole session down.
//
// Clients are not safe for concurrent use; the pool hands each one to a
// single borrower at a time.
type Client interface {
	Connect(ctx context.Context) error
	Check(ctx context.Context) bool
	Scan(ctx context.Context, root string, filter *regexp.Regexp) ([]string, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	Open(ctx context.Context, path string) error
	Seek(offset int64, whence int) (int64, error)
	Read(ctx context.Context, n int64) ([]byte, error)
	Size() int64
	Close() error
	CloseConnection() error
	ServerID() string
}

// NewClient builds a client for cfg without connecting it.
func NewClient(cfg ServerConfig, log zerolog.Logger) (Client, error) {
	switch cfg.Protocol {
	case ProtocolFTP:
		return newFTPClient(cfg, log), nil
	case ProtocolSFTP:
		return newSFTPClient(cfg, log), nil
	default:
		return nil, core.E(core.KindConfig, cfg.ID, 1, "unsupported protocol: "+cfg.Protocol, nil)
	}
}

// ReadFileBytes is the open/seek/read/close dance most callers want: read
// size bytes at headerOffset (size 0 means to EOF). The stream is always
// released, even when the read fails halfway.
func ReadFileBytes(ctx context.Context, c Client, path string, headerOffset, size int64) ([]byte, error) {
	if err := c.Open(ctx, path); err != nil {
		return nil, err
	}
	defer c.Close()
	if _, err := c.Seek(headerOffset, 0); err != nil {
		return nil, err
	}
	return c.Read(ctx, size)
}

// clampRead resolves the byte count for a read at cursor in a file of the
// given size: n<=0 means read-to-EOF, and reads never run past the end.
func clampRead(n, cursor, size int64) int64 {
	remain := size - cursor
	if remain < 0 {
		remain = 0
	}
	if n <= 0 || n > remain {
		return remain
	}
	return n
}

// resolveSeek applies whence (0 start, 1 current, 2 end) the way io.Seeker
// does and rejects cursors before the start of the file.
func resolveSeek(offset int64, whence int, cursor, size int64) (int64, error) {
	var next int64
	switch whence {
	case 0:
		next = offset
	case 1:
		next = cursor + offset
	case 2:
		next = size + offset
	default:
		return 0, core.E(core.KindIO, "", 0, "whence must be 0, 1 or 2", nil)
	}
	if next < 0 {
		return 0, core.E(core.KindIO, "", 0, "seek before start of file", nil)
	}
	return next, nil
}
