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
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"ndspipe/internal/core"
)

// sftpClient holds the SSH tunnel state and the SFTP subsystem on top of it.
type sftpClient struct {
	cfg ServerConfig
	log zerolog.Logger

	sshClient  *ssh.Client  // The tunnel
	sftpClient *sftp.Client // The file protocol wrapper

	stream     *sftp.File
	streamPath string
	streamSize int64
	cursor     int64
}

func newSFTPClient(cfg ServerConfig, log zerolog.Logger) *sftpClient {
	return &sftpClient{cfg: cfg, log: log.With().Str("nds_id", cfg.ID).Logger()}
}

func (s *sftpClient) ServerID() string { return s.cfg.ID }

// Connect establishes the secure SSH tunnel and opens the SFTP subsystem,
// retrying a few times with a fixed delay before giving up.
func (s *sftpClient) Connect(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		h := sha256.Sum256(key.Marshal())
		fingerprint := base64.StdEncoding.EncodeToString(h[:])
		s.log.Debug().Str("fingerprint", fingerprint).Msg("server host key (SHA-256)")
		return nil
	}

	sshCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(s.cfg.Password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return core.E(core.KindCancelled, s.cfg.ID, 0, "connect cancelled", err)
		}
		sshClient, err := ssh.Dial("tcp", address, sshCfg)
		if err != nil {
			lastErr = err
			time.Sleep(connectDelay)
			continue
		}
		ftpc, err := sftp.NewClient(sshClient)
		if err != nil {
			sshClient.Close()
			lastErr = err
			time.Sleep(connectDelay)
			continue
		}
		s.sshClient = sshClient
		s.sftpClient = ftpc
		return nil
	}
	return core.E(core.KindConnect, s.cfg.ID, 1,
		fmt.Sprintf("connect error after %d attempts", connectRetries), lastErr)
}

// Check probes the session cheaply. Servers are wildly inconsistent about
// which of these they allow, so any one of them succeeding is good enough.
func (s *sftpClient) Check(ctx context.Context) bool {
	if s.sftpClient == nil {
		return false
	}
	checks := []func() error{
		func() error { _, err := s.sftpClient.RealPath("."); return err },
		func() error { _, err := s.sftpClient.RealPath("/"); return err },
		func() error { _, err := s.sftpClient.Stat("/"); return err },
		func() error { _, err := s.sftpClient.Stat("."); return err },
		func() error { _, err := s.sftpClient.ReadDir("/"); return err },
	}
	for _, check := range checks {
		if ctx.Err() != nil {
			return false
		}
		if check() == nil {
			return true
		}
	}
	return false
}

// Scan walks the tree under root iteratively (an explicit stack, so a deep
// tree cannot blow the recursion depth) and returns files only.
func (s *sftpClient) Scan(ctx context.Context, root string, filter *regexp.Regexp) ([]string, error) {
	if s.sftpClient == nil {
		return nil, core.E(core.KindConnect, s.cfg.ID, 1, "client is not connected", nil)
	}
	if root == "" {
		return nil, core.E(core.KindIO, s.cfg.ID, 1, "invalid scan path", nil)
	}

	var files []string
	stack := []string{strings.TrimRight(root, "/")}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, core.E(core.KindCancelled, s.cfg.ID, 0, "scan cancelled", err)
		}
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := s.sftpClient.ReadDir(current)
		if err != nil {
			return nil, core.E(core.KindIO, s.cfg.ID, 1, "list "+current, err)
		}
		for _, entry := range entries {
			full := path.Join(current, entry.Name())
			if entry.IsDir() {
				stack = append(stack, full)
				continue
			}
			if filter == nil || filter.MatchString(full) {
				files = append(files, full)
			}
		}
	}
	return files, nil
}

func (s *sftpClient) Stat(ctx context.Context, p string) (FileInfo, error) {
	if s.sftpClient == nil {
		return FileInfo{}, core.E(core.KindConnect, s.cfg.ID, 1, "client is not connected", nil)
	}
	info, err := s.sftpClient.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FileInfo{}, core.E(core.KindFileNotFound, s.cfg.ID, 0, "file not found: "+p, err)
		}
		return FileInfo{}, core.E(core.KindIO, s.cfg.ID, 1, "stat "+p, err)
	}
	return FileInfo{Path: p, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *sftpClient) Open(ctx context.Context, p string) error {
	info, err := s.Stat(ctx, p)
	if err != nil {
		return err
	}
	f, err := s.sftpClient.Open(p)
	if err != nil {
		return core.E(core.KindIO, s.cfg.ID, 1, "open "+p, err)
	}
	s.stream = f
	s.streamPath = p
	s.streamSize = info.Size
	s.cursor = 0
	return nil
}

func (s *sftpClient) Seek(offset int64, whence int) (int64, error) {
	if s.streamPath == "" {
		return 0, core.E(core.KindIO, s.cfg.ID, 0, "file is not open", nil)
	}
	next, err := resolveSeek(offset, whence, s.cursor, s.streamSize)
	if err != nil {
		return 0, err
	}
	s.cursor = next
	return next, nil
}

// Read returns up to n bytes at the cursor (n<=0 reads to EOF) through the
// already-open handle, then advances the cursor by what came back.
func (s *sftpClient) Read(ctx context.Context, n int64) ([]byte, error) {
	if s.stream == nil {
		return nil, core.E(core.KindIO, s.cfg.ID, 1, "file is not open", nil)
	}
	want := clampRead(n, s.cursor, s.streamSize)
	if want == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, want)
	read, err := s.stream.ReadAt(buf, s.cursor)
	if err != nil && err != io.EOF {
		return nil, core.E(core.KindIO, s.cfg.ID, -1, "read "+s.streamPath, err)
	}
	s.cursor += int64(read)
	return buf[:read], nil
}

func (s *sftpClient) Size() int64 { return s.streamSize }

// Close releases the open stream. Safe to call twice.
func (s *sftpClient) Close() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	s.streamPath = ""
	return err
}

// CloseConnection disconnects everything and nulls the handles even when
// the underlying close fails.
func (s *sftpClient) CloseConnection() error {
	var err error
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	if s.sftpClient != nil {
		err = s.sftpClient.Close()
		s.sftpClient = nil
	}
	if s.sshClient != nil {
		if cerr := s.sshClient.Close(); err == nil {
			err = cerr
		}
		s.sshClient = nil
	}
	return err
}
