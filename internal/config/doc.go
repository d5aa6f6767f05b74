// Package config loads the agentcanvas server configuration.
//
// Values are layered, later layers winning:
//
//  1. built-in defaults
//  2. the YAML file named by the caller or by AGENTCANVAS_CONFIG
//  3. variables from .env files (existing process variables are kept)
//  4. AGENTCANVAS_* environment variables
//
// Secrets (API keys, database and Redis URLs, MQTT password) also honor the
// *_FILE convention: AGENTCANVAS_DATABASE_URL_FILE=/run/secrets/db reads the
// value from that file. The merged result is validated before it is
// returned.
package config
