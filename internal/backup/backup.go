// Package backup snapshots the data directory into timestamped zip archives
// and tells the admins where to find them.
package backup

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/panelwarden/panelwarden/internal/clock"
	"github.com/panelwarden/panelwarden/internal/notify"
	"github.com/panelwarden/panelwarden/internal/storage"
	"github.com/rs/zerolog"
)

const (
	backupDirName = "backups"
	keepBackups   = 7
)

// Service creates, rotates and announces backups of one data directory.
type Service struct {
	dataDir string
	store   storage.Store
	sink    notify.Sink
	clk     clock.Clock
	log     zerolog.Logger
}

// NewService builds a Service rooted at dataDir.
func NewService(dataDir string, store storage.Store, sink notify.Sink, clk clock.Clock, log zerolog.Logger) *Service {
	return &Service{dataDir: dataDir, store: store, sink: sink, clk: clk, log: log}
}

// Run creates one backup, rotates old ones and notifies the admins. Rotation
// and notification failures are logged, not fatal: the archive on disk is the
// part that matters.
func (s *Service) Run(ctx context.Context) error {
	path, err := s.Create()
	if err != nil {
		return err
	}
	s.log.Info().Str("path", path).Msg("backup created")

	if err := s.rotate(); err != nil {
		s.log.Error().Err(err).Msg("backup rotation failed")
	}
	if n, err := s.DistributeToAdmins(ctx, path); err != nil {
		s.log.Error().Err(err).Msg("backup announcement failed")
	} else if n > 0 {
		s.log.Info().Int("admins", n).Msg("backup announced")
	}
	return nil
}

// Create zips the data directory into DATA_DIR/backups and returns the
// archive path. The backups directory itself is excluded.
func (s *Service) Create() (string, error) {
	backupDir := filepath.Join(s.dataDir, backupDirName)
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	name := fmt.Sprintf("backup_%s.zip", s.clk.Now().Format("20060102_150405"))
	path := filepath.Join(backupDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	err = filepath.Walk(s.dataDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if p == backupDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.dataDir, p)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		os.Remove(path)
		return "", fmt.Errorf("archive data dir: %w", err)
	}
	if err := zw.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("finalize archive: %w", err)
	}
	return path, nil
}

// rotate deletes the oldest archives beyond the retention count.
func (s *Service) rotate() error {
	backupDir := filepath.Join(s.dataDir, backupDirName)
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "backup_") && strings.HasSuffix(e.Name(), ".zip") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keepBackups {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-keepBackups] {
		if err := os.Remove(filepath.Join(backupDir, name)); err != nil {
			s.log.Warn().Err(err).Str("name", name).Msg("could not remove old backup")
		} else {
			s.log.Debug().Str("name", name).Msg("old backup removed")
		}
	}
	return nil
}

// DistributeToAdmins tells each admin where the archive landed. One admin's
// delivery failure never stops the rest. Returns the number notified.
func (s *Service) DistributeToAdmins(ctx context.Context, path string) (int, error) {
	if !s.sink.Available() {
		return 0, nil
	}
	admins, err := s.store.AdminIDs()
	if err != nil {
		return 0, fmt.Errorf("admin lookup: %w", err)
	}

	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	text := fmt.Sprintf("💾 Backup created: %s (%s)", filepath.Base(path), formatSize(size))

	sent := 0
	for _, id := range admins {
		if err := s.sink.SendToUser(ctx, id, text); err != nil {
			s.log.Warn().Err(err).Int64("admin_id", id).Msg("backup notice failed")
			continue
		}
		sent++
	}
	return sent, nil
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
