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

// Package ndspipe assembles the three node roles of the measurement
// ingestion pipeline: the Gateway (pooled remote file access), the Parser
// (task consumption and analytical inserts) and the Scanner (archive
// discovery).
package ndspipe

import (
	"github.com/rs/zerolog"

	"ndspipe/internal/backend"
	"ndspipe/internal/gateway"
	"ndspipe/internal/parser"
	"ndspipe/internal/scanner"
)

// Version of the pipeline.
const Version = "v0.3.0"

// NewGateway builds the gateway node service.
func NewGateway(nodeID string, bc *backend.Client, log zerolog.Logger) *gateway.Gateway {
	return gateway.New(nodeID, bc, log)
}

// NewParser builds the parser node service.
func NewParser(nodeID string, bc *backend.Client, log zerolog.Logger) *parser.Parser {
	return parser.New(nodeID, bc, log)
}

// NewScanner builds the scanner node service.
func NewScanner(nodeID string, bc *backend.Client, log zerolog.Logger) *scanner.Scanner {
	return scanner.New(nodeID, bc, log)
}
