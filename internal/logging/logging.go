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

package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the logger for one node role. Console output by default;
// set NDSPIPE_LOG_JSON=1 to get raw JSON for log shippers.
func New(role string, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out zerolog.Logger
	if os.Getenv("NDSPIPE_LOG_JSON") == "1" {
		out = zerolog.New(os.Stderr)
	} else {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return out.Level(lvl).With().Timestamp().Str("role", role).Logger()
}
