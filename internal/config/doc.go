// Package config handles configuration loading for clawd-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are parsed as TOML. Unset fields get
// defaults, so an empty file is a valid local configuration.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CLAWD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/clawd/gateway.yaml
//  3. ~/.config/clawd/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	engine:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	runs:
//	  cancel_grace: "5s"
//	  run_timeout: "10m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:18789"
//
//	database:
//	  path: "~/.local/share/clawd/gateway.db"  # empty keeps everything in memory
//
//	auth:
//	  enabled: true
//	  jwt_secret: "${CLAWD_JWT_SECRET}"
//	  bootstrap_key: "${CLAWD_API_KEY}"
//	  default_rate_limit: 60
//
//	sessions:
//	  idle_ttl: "24h"
//	  reap_interval: "1m"
//	  max_sessions: 0
//
//	runs:
//	  cancel_grace: "5s"
//	  run_timeout: "10m"
//	  retention: "5m"
//	  buffer_size: 256
//
//	engine:
//	  provider: "openai"  # echo, openai
//	  model: "gpt-4o-mini"
//	  base_url: ""
//	  api_key: "${OPENAI_API_KEY}"
//
//	channels:
//	  log:
//	    enabled: true
//	  matrix:
//	    enabled: false
//	    homeserver: "https://matrix.org"
//	    user_id: "@clawd:matrix.org"
//	    access_token: "${MATRIX_TOKEN}"
//
//	dedupe:
//	  ttl: "5m"
//	  max_size: 10000
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
