package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/intrachat/chatsync"
)

// newClient creates a REST client from the config.
func newClient(cfg *Config) *chatsync.Client {
	opts := []chatsync.ClientOption{chatsync.WithClientLogger(newLogger(cfg.Default.LogLevel))}
	if cfg.Auth.Token != "" {
		opts = append(opts, chatsync.WithToken(cfg.Auth.Token))
	}
	return chatsync.NewClient(cfg.apiURL(), opts...)
}

// identity returns the configured identity or an error telling the user how to set one.
func identity(cfg *Config) (chatsync.Identity, error) {
	if cfg.Auth.UserID == "" {
		return chatsync.Identity{}, fmt.Errorf("no identity configured; run 'chatsync init <user-id>' or 'chatsync register' first")
	}
	return chatsync.Identity{
		ID:    cfg.Auth.UserID,
		Name:  valueOrDefault(cfg.Auth.UserName, cfg.Auth.UserID),
		Email: cfg.Auth.UserEmail,
	}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
