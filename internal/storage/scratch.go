package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// sweepScratchOnStartup deletes any scratch file older than ScratchSweepAge
// before Storage reports Ready, per spec.md §6: "The scratch area is swept
// on startup: any file older than 60s is deleted before Storage reports
// Ready."
func (s *Storage) sweepScratchOnStartup() error {
	cfg := s.cfg.Load().Storage
	if cfg.ScratchDir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("storage: create scratch dir: %w", err)
	}

	entries, err := os.ReadDir(cfg.ScratchDir)
	if err != nil {
		return fmt.Errorf("storage: read scratch dir: %w", err)
	}

	cutoff := time.Now().Add(-cfg.ScratchSweepAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(cfg.ScratchDir, entry.Name()))
		}
	}
	return nil
}
