// Package config resolves node settings with spf13/viper.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML
// config file, an optional .env file (joho/godotenv, never overriding the
// real environment), BURROW_* environment variables, and command-line
// flags bound by cmd/burrow. Nested keys map to environment names by
// replacing dots with underscores: api.addr is BURROW_API_ADDR.
package config
