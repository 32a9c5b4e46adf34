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

package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Node is the small local configuration a node needs before it can ask the
// backend for everything else (redis, clickhouse, NDS list all come from
// the control plane).
type Node struct {
	ID         string
	BackendURL string
	ListenPort int
	LogLevel   string
}

// Load reads ndspipe.yaml from the working directory plus NDSPIPE_*
// environment overrides.
func Load() (Node, error) {
	v := viper.New()
	v.SetConfigName("ndspipe")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ndspipe")

	v.SetDefault("listen_port", 10003)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("NDSPIPE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, env vars may carry everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Node{}, fmt.Errorf("read config: %w", err)
		}
	}

	n := Node{
		ID:         v.GetString("node_id"),
		BackendURL: v.GetString("backend_url"),
		ListenPort: v.GetInt("listen_port"),
		LogLevel:   v.GetString("log_level"),
	}
	if n.ID == "" {
		return Node{}, fmt.Errorf("node_id is not set (ndspipe.yaml or NDSPIPE_NODE_ID)")
	}
	if n.BackendURL == "" {
		return Node{}, fmt.Errorf("backend_url is not set (ndspipe.yaml or NDSPIPE_BACKEND_URL)")
	}
	return n, nil
}
