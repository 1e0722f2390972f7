// Package config handles configuration loading for support-broker.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion. Optional .env files are loaded into
// the process environment first. Missing values receive defaults and the
// result is validated before use.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${SUPPORT_JWT_SECRET}"
//
// Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	broker:
//	  lock_timeout: "5s"
//	  dedupe_ttl: "10m"
//	websocket:
//	  ping_interval: "25s"
//
// # Example
//
//	server:
//	  http_addr: ":8080"
//	  grpc_addr: ":50051"
//	  allowed_origins: ["https://support.example.com"]
//	database:
//	  path: "./data/broker.db"
//	nats:
//	  enabled: true
//	  url: "nats://localhost:4222"
//	logging:
//	  level: "info"
//	  format: "json"
package config
