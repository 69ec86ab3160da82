package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// tokenCache is the on-disk record of the CLI's current login, written to
// ~/.betcode/session.json (spec.md §6's client config files) so
// subsequent invocations don't need to re-authenticate.
type tokenCache struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func loadTokenCache(path string) (*tokenCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tc tokenCache
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("parse session cache %s: %w", path, err)
	}
	return &tc, nil
}

func saveTokenCache(path string, tc *tokenCache) error {
	data, err := json.MarshalIndent(tc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
