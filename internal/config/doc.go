// Package config handles configuration loading for tollgate.
//
// # Overview
//
// Configuration is read from a YAML file, or from a TOML file when the path
// ends in .toml. Both formats share one schema. Load expands environment
// references, parses durations, applies defaults and validates.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from the TOLLGATE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/tollgate/config.yaml
//  4. ~/.config/tollgate/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	oauth:
//	  round_trip_secret: "${TOLLGATE_ROUND_TRIP_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	tokens:
//	  access_ttl: "1h"
//	  refresh_ttl: "0"   # never expires; revocation only
//
// oauth.code_ttl may not exceed ten minutes.
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  issuer: "https://tools.example.com"
//	database:
//	  driver: sqlite
//	  path: "~/.local/share/tollgate/tollgate.db"
//	oauth:
//	  scopes: [read_data, write_data]
//	  round_trip_secret: "${TOLLGATE_ROUND_TRIP_SECRET}"
//	clients:
//	  - client_id: c1
//	    client_name: Example App
//	    redirect_uris: ["https://app/cb"]
//	login:
//	  mode: static
//	  users:
//	    - username: alice
//	      user_id: user-alice
//	      password_hash: "$2a$10$..."
package config
