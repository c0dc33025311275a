package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Snapshot is the single "last known reading" held by the fallback tier.
// It carries no id: ids exist only in the primary store.
type Snapshot struct {
	BPM       uint8  `yaml:"bpm"`
	SpO2      uint8  `yaml:"spo2"`
	Timestamp string `yaml:"timestamp"`
}

// FallbackSlot is a one-record file store. Every write overwrites the slot;
// reads return the last written snapshot.
type FallbackSlot struct {
	mu   sync.Mutex
	path string
}

func NewFallbackSlot(path string) *FallbackSlot {
	return &FallbackSlot{path: path}
}

// Write replaces the slot contents. The snapshot is written to a temp file
// and renamed so a crash mid-write cannot corrupt the previous value.
func (f *FallbackSlot) Write(snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("fallback slot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("fallback slot: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("fallback slot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("fallback slot: %w", err)
	}
	return nil
}

// Read returns the stored snapshot, or (nil, nil) when the slot has never
// been written.
func (f *FallbackSlot) Read() (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fallback slot: %w", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("fallback slot: %w", err)
	}
	return &snap, nil
}
