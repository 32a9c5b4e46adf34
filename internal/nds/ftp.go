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
	"fmt"
	"io"
	"net/textproto"
	"regexp"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"

	"ndspipe/internal/core"
)

// Some FTP servers answer a plain CWD with an unusual-but-fine completion
// code, so the health check accepts the whole family.
var ftpCheckCodes = map[int]bool{200: true, 212: true, 226: true, 250: true, 257: true}

// Reply codes accepted when closing a ranged RETR early.
var ftpRetrCodes = map[int]bool{200: true, 250: true}

type ftpClient struct {
	cfg  ServerConfig
	log  zerolog.Logger
	conn *ftp.ServerConn

	streamPath string
	streamSize int64
	cursor     int64
	opened     bool
}

func newFTPClient(cfg ServerConfig, log zerolog.Logger) *ftpClient {
	return &ftpClient{cfg: cfg, log: log.With().Str("nds_id", cfg.ID).Logger()}
}

func (f *ftpClient) ServerID() string { return f.cfg.ID }

func (f *ftpClient) Connect(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", f.cfg.Host, f.cfg.Port)

	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return core.E(core.KindCancelled, f.cfg.ID, 0, "connect cancelled", err)
		}
		conn, err := ftp.Dial(address, ftp.DialWithContext(ctx), ftp.DialWithTimeout(dialTimeout))
		if err != nil {
			lastErr = err
			time.Sleep(connectDelay)
			continue
		}
		if err := conn.Login(f.cfg.User, f.cfg.Password); err != nil {
			conn.Quit()
			lastErr = err
			time.Sleep(connectDelay)
			continue
		}
		f.conn = conn
		return nil
	}
	return core.E(core.KindConnect, f.cfg.ID, 1,
		fmt.Sprintf("connect error after %d attempts", connectRetries), lastErr)
}

func (f *ftpClient) Check(ctx context.Context) bool {
	if f.conn == nil {
		return false
	}
	err := f.conn.ChangeDir("/")
	if err == nil {
		return true
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return ftpCheckCodes[tpErr.Code]
	}
	return false
}

// Scan uses the library's recursive walk; the server does the listing work.
func (f *ftpClient) Scan(ctx context.Context, root string, filter *regexp.Regexp) ([]string, error) {
	if f.conn == nil {
		return nil, core.E(core.KindConnect, f.cfg.ID, 1, "client is not connected", nil)
	}
	if root == "" {
		return nil, core.E(core.KindIO, f.cfg.ID, 1, "invalid scan path", nil)
	}

	var files []string
	walker := f.conn.Walk(root)
	for walker.Next() {
		if err := ctx.Err(); err != nil {
			return nil, core.E(core.KindCancelled, f.cfg.ID, 0, "scan cancelled", err)
		}
		entry := walker.Stat()
		if entry == nil || entry.Type != ftp.EntryTypeFile {
			continue
		}
		full := walker.Path()
		if filter == nil || filter.MatchString(full) {
			files = append(files, full)
		}
	}
	if err := walker.Err(); err != nil {
		// A broken listing usually means a broken control connection.
		f.CloseConnection()
		return nil, core.E(core.KindIO, f.cfg.ID, 1, "walk "+root, err)
	}
	return files, nil
}

func (f *ftpClient) Stat(ctx context.Context, p string) (FileInfo, error) {
	if f.conn == nil {
		return FileInfo{}, core.E(core.KindConnect, f.cfg.ID, 1, "client is not connected", nil)
	}
	size, err := f.conn.FileSize(p)
	if err != nil {
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable {
			return FileInfo{}, core.E(core.KindFileNotFound, f.cfg.ID, 0, "file not found: "+p, err)
		}
		return FileInfo{}, core.E(core.KindIO, f.cfg.ID, 1, "size "+p, err)
	}
	info := FileInfo{Path: p, Size: size}
	if mtime, err := f.conn.GetTime(p); err == nil {
		info.ModTime = mtime
	}
	return info, nil
}

// Open records the stream position; FTP has no server-side handle to keep,
// each Read issues its own ranged RETR.
func (f *ftpClient) Open(ctx context.Context, p string) error {
	info, err := f.Stat(ctx, p)
	if err != nil {
		return err
	}
	f.streamPath = p
	f.streamSize = info.Size
	f.cursor = 0
	f.opened = true
	return nil
}

func (f *ftpClient) Seek(offset int64, whence int) (int64, error) {
	if !f.opened {
		return 0, core.E(core.KindIO, f.cfg.ID, 0, "file is not open", nil)
	}
	next, err := resolveSeek(offset, whence, f.cursor, f.streamSize)
	if err != nil {
		return 0, err
	}
	f.cursor = next
	return next, nil
}

// Read issues a ranged RETR at the cursor and pulls until n bytes arrived
// or the file ended. The data connection is dropped as soon as we have
// enough; a handful of completion codes on that early close are fine.
func (f *ftpClient) Read(ctx context.Context, n int64) ([]byte, error) {
	if f.conn == nil {
		return nil, core.E(core.KindConnect, f.cfg.ID, 1, "client is not connected", nil)
	}
	if !f.opened {
		return nil, core.E(core.KindIO, f.cfg.ID, 0, "file is not open", nil)
	}
	want := clampRead(n, f.cursor, f.streamSize)
	if want == 0 {
		return []byte{}, nil
	}

	resp, err := f.conn.RetrFrom(f.streamPath, uint64(f.cursor))
	if err != nil {
		return nil, core.E(core.KindIO, f.cfg.ID, -1, "retr "+f.streamPath, err)
	}

	buf := make([]byte, want)
	read, rerr := io.ReadFull(resp, buf)
	cerr := resp.Close()
	if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
		return nil, core.E(core.KindIO, f.cfg.ID, -1, "read "+f.streamPath, rerr)
	}
	if cerr != nil {
		var tpErr *textproto.Error
		if !errors.As(cerr, &tpErr) || !ftpRetrCodes[tpErr.Code] {
			// The server complained about the aborted transfer; the bytes
			// we already have are still valid.
			f.log.Debug().Err(cerr).Msg("retr close reply")
		}
	}
	f.cursor += int64(read)
	return buf[:read], nil
}

func (f *ftpClient) Size() int64 { return f.streamSize }

func (f *ftpClient) Close() error {
	f.opened = false
	f.streamPath = ""
	return nil
}

func (f *ftpClient) CloseConnection() error {
	if f.conn == nil {
		return nil
	}
	err := f.conn.Quit()
	f.conn = nil
	f.opened = false
	return err
}
