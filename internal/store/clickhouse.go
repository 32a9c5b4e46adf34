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

// Package store wraps the ClickHouse analytical store. One Store per node,
// one mutex: worker goroutines all funnel their bulk inserts through it.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"ndspipe/internal/core"
	"ndspipe/internal/decode"
)

// Target tables.
const (
	TableMRO = "LTE_MRO"
	TableMDT = "LTE_MDT"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// Store is the shared ClickHouse client. Insert and Probe serialise on one
// mutex so concurrent workers on the same node never race the connection.
type Store struct {
	mu   sync.Mutex
	cfg  Config
	conn driver.Conn
	log  zerolog.Logger
}

// Insert tuning: async inserts the server flushes on its own schedule, no
// waiting for the distributed sync.
var insertSettings = clickhouse.Settings{
	"max_insert_threads":      2,
	"insert_distributed_sync": 0,
	"async_insert":            1,
	"wait_for_async_insert":   0,
}

func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) connect() error {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)},
		Auth: clickhouse.Auth{
			Database: s.cfg.Database,
			Username: s.cfg.User,
			Password: s.cfg.Password,
		},
		Settings:    insertSettings,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return core.E(core.KindStore, "", 1, "clickhouse open", err)
	}
	s.conn = conn
	return nil
}

// Probe runs SELECT 1 and, when that fails, reconnects once and tries
// again. Callers holding the mutex use probeLocked.
func (s *Store) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeLocked(ctx)
}

func (s *Store) probeLocked(ctx context.Context) error {
	if s.conn != nil {
		if err := s.conn.Exec(ctx, "SELECT 1"); err == nil {
			return nil
		}
	}
	s.log.Warn().Msg("clickhouse probe failed, reconnecting")
	if err := s.connect(); err != nil {
		return err
	}
	if err := s.conn.Exec(ctx, "SELECT 1"); err != nil {
		return core.E(core.KindStore, "", 1, "clickhouse probe after reconnect", err)
	}
	return nil
}

// Insert writes one row set as a single bulk insert into table.
func (s *Store) Insert(ctx context.Context, table string, rows *decode.Rows) error {
	if rows.Len() == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.probeLocked(ctx); err != nil {
		return err
	}

	batch, err := s.conn.PrepareBatch(ctx, InsertStatement(table, rows.Columns))
	if err != nil {
		return core.E(core.KindStore, "", 1, "prepare insert into "+table, err)
	}
	for _, row := range rows.Values {
		if err := batch.Append(row...); err != nil {
			batch.Abort()
			return core.E(core.KindStore, "", 1, "append row to "+table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return core.E(core.KindStore, "", 1, "send batch to "+table, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// InsertStatement builds the bulk insert head for a table and column set.
func InsertStatement(table string, columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = "`" + c + "`"
	}
	return fmt.Sprintf("INSERT INTO %s (%s)", table, strings.Join(quoted, ", "))
}
