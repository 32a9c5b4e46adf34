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

// Package control exposes the /control/start|stop|status endpoints every
// node serves.
package control

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// Service is what a node must offer to be driven over HTTP.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (any, error)
}

// Restarter is optional; nodes that support it also get /control/restart.
type Restarter interface {
	Restart(ctx context.Context) error
}

type response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Register wires the control routes for svc onto mux.
func Register(mux *http.ServeMux, svc Service, log zerolog.Logger) {
	mux.HandleFunc("GET /control/start", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Start(r.Context()); err != nil {
			log.Error().Err(err).Msg("start failed")
			sendJSON(w, 500, err.Error(), nil)
			return
		}
		sendJSON(w, 200, "started", nil)
	})

	mux.HandleFunc("GET /control/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Stop(r.Context()); err != nil {
			log.Error().Err(err).Msg("stop failed")
			sendJSON(w, 500, err.Error(), nil)
			return
		}
		sendJSON(w, 200, "stopped", nil)
	})

	mux.HandleFunc("GET /control/status", func(w http.ResponseWriter, r *http.Request) {
		data, err := svc.Status(r.Context())
		if err != nil {
			sendJSON(w, 500, err.Error(), nil)
			return
		}
		sendJSON(w, 200, "ok", data)
	})

	if rs, ok := svc.(Restarter); ok {
		mux.HandleFunc("GET /control/restart", func(w http.ResponseWriter, r *http.Request) {
			if err := rs.Restart(r.Context()); err != nil {
				log.Error().Err(err).Msg("restart failed")
				sendJSON(w, 500, err.Error(), nil)
				return
			}
			sendJSON(w, 200, "restarted", nil)
		})
	}
}

func sendJSON(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response{Code: code, Message: message, Data: data})
}
