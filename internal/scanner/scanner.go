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

// Package scanner discovers new measurement archives on the NDS servers
// and turns their ZIP entries into parse tasks via the backend.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ndspipe/internal/backend"
	"ndspipe/internal/core"
	"ndspipe/internal/nds"
	"ndspipe/internal/transport"
)

const (
	minInterval   = 60 * time.Second
	maxInterval   = 300 * time.Second
	maxBatchBytes = 10 * 1024 * 1024
	stopPoll      = time.Second
)

var timestampPattern = regexp.MustCompile(`[_-](\d{14})`)

// taggedFile is one newly-discovered archive with its data type.
type taggedFile struct {
	path     string
	dataType string
}

type taskState struct {
	Running        bool   `json:"running"`
	LastScan       string `json:"last_scan,omitempty"`
	FilesProcessed int    `json:"files_processed"`
	Error          string `json:"error,omitempty"`
}

// Scanner runs one scan loop per NDS server bound to this node's gateway.
type Scanner struct {
	log     zerolog.Logger
	backend *backend.Client
	nodeID  string

	mu       sync.Mutex
	running  bool
	stopping bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	gateway  backend.GatewayInfo
	states   map[string]*taskState
	started  time.Time
}

func New(nodeID string, bc *backend.Client, log zerolog.Logger) *Scanner {
	return &Scanner{
		log:     log,
		backend: bc,
		nodeID:  nodeID,
		states:  make(map[string]*taskState),
	}
}

// Start fetches the node record and launches one loop per NDS.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return core.E(core.KindConfig, "", 0, "scanner is stopping, try again later", nil)
	}
	if s.running {
		return core.E(core.KindConfig, "", 0, "scanner is already running", nil)
	}

	info, err := s.backend.NodeInfo(ctx, "scanner", s.nodeID)
	if err != nil {
		return err
	}
	if info.Gateway.Host == "" || info.Gateway.Port == 0 {
		return core.E(core.KindConfig, "", 1, "no gateway configured for this node", nil)
	}
	if len(info.Gateway.NDSLinks) == 0 {
		return core.E(core.KindConfig, "", 1, "no nds configured for this node", nil)
	}

	s.gateway = info.Gateway
	s.stopCh = make(chan struct{})
	s.states = make(map[string]*taskState)
	s.running = true
	s.started = time.Now()

	for _, link := range info.Gateway.NDSLinks {
		link := link
		id := link.NDSID
		st := &taskState{Running: true}
		s.states[flexID(id)] = st
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.scanLoop(link, st)
		}()
	}
	s.log.Info().Int("nds_count", len(info.Gateway.NDSLinks)).Msg("scanner started")
	return nil
}

// Stop signals the loops and waits for them; a loop notices within a
// second even while sleeping between ticks.
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return core.E(core.KindConfig, "", 0, "scanner is not running", nil)
	}
	if s.stopping {
		s.mu.Unlock()
		return core.E(core.KindConfig, "", 0, "scanner is already stopping", nil)
	}
	s.stopping = true
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.log.Warn().Msg("scan loops did not stop in time")
	}

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.mu.Unlock()
	s.log.Info().Msg("scanner stopped")
	return nil
}

func (s *Scanner) Status(ctx context.Context) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[string]taskState, len(s.states))
	for id, st := range s.states {
		states[id] = *st
	}
	out := map[string]any{
		"running":  s.running,
		"stopping": s.stopping,
		"tasks":    states,
	}
	if s.running {
		out["start_time"] = s.started.Format(time.RFC3339)
	}
	return out, nil
}

func (s *Scanner) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// scanLoop is the per-NDS cycle: scan both data types, dedupe against the
// backend, sort old-to-new, introspect archives and batch the entries out.
func (s *Scanner) scanLoop(link backend.NDSLink, st *taskState) {
	log := s.log.With().Str("nds_id", flexID(link.NDSID)).Logger()
	log.Info().Msg("scan loop started")

	for {
		start := time.Now()
		s.mu.Lock()
		st.LastScan = start.Format(time.RFC3339)
		s.mu.Unlock()

		if err := s.scanOnce(link, st, log); err != nil {
			// Log and carry on; one bad cycle must not kill the loop.
			log.Error().Err(err).Msg("scan cycle failed")
			s.mu.Lock()
			st.Error = err.Error()
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			st.Error = ""
			s.mu.Unlock()
		}

		elapsed := time.Since(start)
		interval := maxInterval - elapsed
		if interval < minInterval {
			interval = minInterval
		}
		log.Info().Dur("interval", interval).Msg("next scan scheduled")

		deadline := time.Now().Add(interval)
		for time.Now().Before(deadline) {
			if s.stopRequested() {
				s.mu.Lock()
				st.Running = false
				s.mu.Unlock()
				log.Info().Msg("scan loop stopped")
				return
			}
			time.Sleep(stopPoll)
		}
	}
}

func (s *Scanner) scanOnce(link backend.NDSLink, st *taskState, log zerolog.Logger) error {
	ctx := context.Background()
	gw, err := transport.DialGateway(ctx, s.gateway.Host, s.gateway.Port, log)
	if err != nil {
		return err
	}
	defer gw.Close()

	ndsID := flexID(link.NDSID)
	roots := []struct {
		dataType string
		path     string
		filter   string
	}{
		{"MRO", link.NDS.MROPath, link.NDS.MROFilter},
		{"MDT", link.NDS.MDTPath, link.NDS.MDTFilter},
	}

	var newFiles []taggedFile
	for _, root := range roots {
		if root.path == "" {
			continue
		}
		files, err := gw.Scan(ctx, ndsID, root.path, root.filter)
		if err != nil {
			log.Warn().Err(err).Str("data_type", root.dataType).Msg("scan failed")
			continue
		}
		unknown, err := s.backend.FilterFiles(ctx, link.NDSID, root.dataType, files)
		if err != nil {
			log.Warn().Err(err).Str("data_type", root.dataType).Msg("filter failed")
			continue
		}
		for _, p := range unknown {
			newFiles = append(newFiles, taggedFile{path: p, dataType: root.dataType})
		}
	}

	// Oldest first, judged by the timestamp embedded in the filename;
	// files without one go to the front.
	sort.SliceStable(newFiles, func(i, j int) bool {
		return extractTime(newFiles[i].path).Before(extractTime(newFiles[j].path))
	})
	log.Info().Int("new_files", len(newFiles)).Msg("scan complete")

	var batch []backend.BatchEntry
	batchBytes := 0
	for _, file := range newFiles {
		if s.stopRequested() {
			break
		}
		raw, err := gw.ZipInfoRaw(ctx, ndsID, file.path)
		if err != nil {
			log.Warn().Err(err).Str("path", file.path).Msg("zip_info failed")
			continue
		}
		var entries []nds.ZipEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			log.Warn().Err(err).Str("path", file.path).Msg("bad zip_info payload")
			continue
		}

		fileTime := ""
		if t := extractTime(file.path); !t.IsZero() {
			fileTime = t.Format("2006-01-02 15:04:05")
		}
		tagged := make([]backend.BatchEntry, len(entries))
		for i, e := range entries {
			tagged[i] = backend.BatchEntry{
				ZipEntry: e,
				NDSID:    link.NDSID,
				DataType: file.dataType,
				FileTime: fileTime,
			}
		}
		size := serializedSize(tagged)

		if batchBytes+size > maxBatchBytes && len(batch) > 0 {
			err := s.flush(ctx, batch, st, log)
			batch, batchBytes = nil, 0
			if errors.Is(err, backend.ErrBackPressure) {
				// The broker is drowning; drop the rest of this cycle.
				log.Warn().Msg("backend back-pressure, dropping batch until next tick")
				return nil
			}
			// Other flush failures are logged inside flush; keep scanning.
		}
		batch = append(batch, tagged...)
		batchBytes += size
	}

	if len(batch) > 0 {
		if err := s.flush(ctx, batch, st, log); err != nil && !errors.Is(err, backend.ErrBackPressure) {
			return err
		}
	}
	return nil
}

func (s *Scanner) flush(ctx context.Context, batch []backend.BatchEntry, st *taskState, log zerolog.Logger) error {
	if err := s.backend.BatchAddTasks(ctx, batch); err != nil {
		log.Error().Err(err).Int("entries", len(batch)).Msg("batch add failed")
		return err
	}
	s.mu.Lock()
	st.FilesProcessed += len(batch)
	s.mu.Unlock()
	log.Info().Int("entries", len(batch)).Str("fingerprint", Fingerprint(batch)).Msg("batch submitted")
	return nil
}

// serializedSize is the JSON weight used for the 10 MiB batch accounting.
func serializedSize(entries []backend.BatchEntry) int {
	raw, err := json.Marshal(entries)
	if err != nil {
		return 0
	}
	return len(raw)
}

// extractTime pulls the 14-digit timestamp out of an archive name. Zero
// time when there is none, which sorts first.
func extractTime(filename string) time.Time {
	m := timestampPattern.FindStringSubmatch(filename)
	if m == nil {
		return time.Time{}
	}
	t, err := time.Parse("20060102150405", m[1])
	if err != nil {
		return time.Time{}
	}
	return t
}

func flexID(id int64) string {
	return strconv.FormatInt(id, 10)
}
