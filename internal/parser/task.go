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
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"ndspipe/internal/decode"
	"ndspipe/internal/store"
	"ndspipe/internal/taskqueue"
	"ndspipe/internal/transport"
)

// Status values reported to the backend.
const (
	StatusSuccess       = 2
	StatusSourceMissing = -1
	StatusFailed        = -2
)

// Inner files smaller than this are headers-only and carry no measurements.
const minInnerFileSize = 128

// typeConfig maps a data type to its inner-file suffix, target table and
// decoder.
var typeConfig = map[string]struct {
	suffix  string
	table   string
	decoder decode.Decoder
}{
	"MRO": {".xml", store.TableMRO, decode.MRO},
	"MDT": {".csv", store.TableMDT, decode.MDT},
}

// runTask is the worker body: fetch the compressed entry through a fresh
// gateway connection, open it as an in-memory ZIP, decode every matching
// inner file and bulk-insert whatever came out.
func (p *Parser) runTask(ctx context.Context, t *taskqueue.Task) int {
	log := p.log.With().Str("file_hash", t.FileHash).Str("file_path", t.FilePath).Logger()
	cfg := typeConfig[t.DataType]

	gw, err := transport.DialGateway(ctx, p.gatewayHost, p.gatewayPort, p.log)
	if err != nil {
		log.Error().Err(err).Msg("gateway dial failed")
		return StatusFailed
	}
	defer gw.Close()

	data, err := gw.ReadFile(ctx, strconv.FormatInt(t.NDSID, 10), t.FilePath, t.HeaderOffset, t.CompressSize)
	if err != nil {
		var reqErr *transport.RequestError
		if errors.As(err, &reqErr) && reqErr.Code == 404 {
			log.Warn().Msg("source file is gone")
			return StatusSourceMissing
		}
		log.Error().Err(err).Msg("read failed")
		return StatusFailed
	}
	if len(data) == 0 {
		log.Error().Msg("read returned no data")
		return StatusFailed
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		log.Error().Err(err).Msg("payload is not a zip archive")
		return StatusFailed
	}

	rows := &decode.Rows{}
	for _, inner := range zr.File {
		if !strings.HasSuffix(strings.ToLower(inner.Name), cfg.suffix) {
			continue
		}
		rc, err := inner.Open()
		if err != nil {
			log.Error().Err(err).Str("inner", inner.Name).Msg("open inner file failed")
			return StatusFailed
		}
		payload, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			log.Error().Err(err).Str("inner", inner.Name).Msg("read inner file failed")
			return StatusFailed
		}
		if len(payload) < minInnerFileSize {
			continue
		}
		decoded, err := cfg.decoder(payload)
		if err != nil {
			log.Error().Err(err).Str("inner", inner.Name).Msg("decode failed")
			return StatusFailed
		}
		rows.Append(decoded)
	}

	if rows.Len() > 0 {
		if err := p.store.Insert(ctx, cfg.table, rows); err != nil {
			log.Error().Err(err).Int("rows", rows.Len()).Msg("insert failed")
			return StatusFailed
		}
	}
	log.Info().Int("rows", rows.Len()).Msg("task complete")
	return StatusSuccess
}
