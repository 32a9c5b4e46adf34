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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ndspipe"
	"ndspipe/internal/backend"
	"ndspipe/internal/config"
	"ndspipe/internal/control"
	"ndspipe/internal/gateway"
	"ndspipe/internal/logging"
	"ndspipe/internal/parser"
	"ndspipe/internal/scanner"
)

func main() {
	fmt.Printf("NDSPipe %s\n", ndspipe.Version)

	if len(os.Args) < 2 {
		printUsage()
		return
	}

	role := os.Args[1]
	switch role {
	case "gateway", "parser", "scanner":
	default:
		fmt.Printf("Error: unknown command: %s\n", role)
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	// Optional port override as the second argument.
	if len(os.Args) > 2 {
		if port, err := strconv.Atoi(os.Args[2]); err == nil {
			cfg.ListenPort = port
		}
	}

	log := logging.New(role, cfg.LogLevel)
	bc := backend.New(cfg.BackendURL, log)

	mux := http.NewServeMux()
	var shutdown func(context.Context)

	switch role {
	case "gateway":
		node := ndspipe.NewGateway(cfg.ID, bc, log)
		node.RegisterRoutes(mux)
		control.Register(mux, node, log)
		shutdown = node.Shutdown
	case "parser":
		node := ndspipe.NewParser(cfg.ID, bc, log)
		control.Register(mux, node, log)
		shutdown = node.Shutdown
	case "scanner":
		node := ndspipe.NewScanner(cfg.ID, bc, log)
		control.Register(mux, node, log)
		shutdown = func(ctx context.Context) {
			node.Stop(ctx)
			bc.Unregister(ctx, role, cfg.ID)
		}
	}

	// Tell the backend we exist; the control plane flips nodes online when
	// they register.
	ctx := context.Background()
	if err := bc.Register(ctx, role, cfg.ID, cfg.ListenPort); err != nil {
		log.Warn().Err(err).Msg("node registration failed, continuing anyway")
	} else {
		log.Info().Str("node_id", cfg.ID).Msg("node registered")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", cfg.ListenPort).Msg("control api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForSignal(log)

	stopCtx, cancel := context.WithTimeout(ctx, 35*time.Second)
	defer cancel()
	shutdown(stopCtx)
	srv.Shutdown(stopCtx)
	log.Info().Msg("bye")
}

func waitForSignal(log zerolog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	log.Info().Str("signal", sig.String()).Msg("shutting down")
}

func printUsage() {
	fmt.Println(`
Usage: ndspipe <command> [port]

Commands:
  gateway   Run the file-access gateway node
  parser    Run the parsing/ingest node
  scanner   Run the archive discovery node

Configuration comes from ndspipe.yaml or NDSPIPE_* environment variables
(node_id, backend_url, listen_port, log_level).`)
}

// Interfaces used above, spelled out so a refactor cannot silently break
// the wiring.
var (
	_ control.Service = (*gateway.Gateway)(nil)
	_ control.Service = (*parser.Parser)(nil)
	_ control.Service = (*scanner.Scanner)(nil)
)
