package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadState_MissingFile_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "state.yaml")
	st, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st == nil || st.LastAddress != "" {
		t.Fatalf("expected empty state, got %+v", st)
	}
}

func TestSaveLoadState_RoundTrip(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "nested", "state.yaml")
	now := time.Unix(1700000000, 0)
	in := &State{LastAddress: "203.0.113.7", LastCountry: "JP", LastRunID: "run-1"}
	if err := SaveState(path, in, now); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	out, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if out.LastAddress != "203.0.113.7" || out.LastCountry != "JP" || !out.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected state: %+v", out)
	}
}

func TestLoadState_Corrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("last_address: [unterminated"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadState(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveState_Nil(t *testing.T) {
	t.Parallel()

	if err := SaveState(filepath.Join(t.TempDir(), "state.yaml"), nil, time.Now()); err != nil {
		t.Fatalf("SaveState(nil): %v", err)
	}
}
