// Package store persists the watch agent's last observation between runs.
package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// State is the last public address the watch agent saw.
type State struct {
	UpdatedAt   time.Time `yaml:"updated_at"`
	LastAddress string    `yaml:"last_address"`
	LastCountry string    `yaml:"last_country"`
	LastRunID   string    `yaml:"last_run_id"`
}

// LoadState loads the state from disk. A missing file yields an empty state.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, err
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, err
	}

	return &st, nil
}

// SaveState writes the state to disk, stamping UpdatedAt with now.
func SaveState(path string, st *State, now time.Time) error {
	if st == nil {
		return nil
	}
	st.UpdatedAt = now.UTC()
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
