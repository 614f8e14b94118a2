// Package archive exports old job history out of the live database into
// compressed JSON files and prunes the exported rows.
package archive

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfab/printhost/internal/db"
)

type Archiver struct {
	archivePath string
	archiveDays int
	log         *slog.Logger
	stopCh      chan struct{}
	mu          sync.Mutex
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// export is the on-disk shape of one archive run.
type export struct {
	ExportedAt time.Time             `json:"exported_at"`
	Cutoff     time.Time             `json:"cutoff"`
	Jobs       []*db.Job             `json:"jobs"`
	CommandLog []*db.CommandLogEntry `json:"command_log"`
}

type Config struct {
	ArchivePath string
	ArchiveDays int
}

func NewArchiver(config Config, logger *slog.Logger) (*Archiver, error) {
	if config.ArchivePath == "" {
		config.ArchivePath = "./data/archives"
	}
	if config.ArchiveDays <= 0 {
		config.ArchiveDays = 30
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(config.ArchivePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		archivePath: config.ArchivePath,
		archiveDays: config.ArchiveDays,
		log:         logger,
		stopCh:      make(chan struct{}),
	}, nil
}

func (a *Archiver) Start() {
	go a.runDailyArchive()
}

func (a *Archiver) Stop() {
	close(a.stopCh)
}

func (a *Archiver) runDailyArchive() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.RunArchive(context.Background()); err != nil {
				a.log.Error("archive run failed", "error", err)
			}
		}
	}
}

// RunArchive exports every finished job and command log entry older than the
// retention window, then deletes the exported rows. Runs are serialized; a
// run with nothing to export writes no file.
func (a *Archiver) RunArchive(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -a.archiveDays)

	jobs, err := db.Jobs.ListBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to collect jobs for archival: %w", err)
	}
	commands, err := db.CommandLogs.ListBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to collect command log for archival: %w", err)
	}
	if len(jobs) == 0 && len(commands) == 0 {
		return nil
	}

	filename := fmt.Sprintf("archive_%s.json.gz", time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(a.archivePath, filename)
	if err := a.writeExport(path, &export{
		ExportedAt: time.Now().UTC(),
		Cutoff:     cutoff,
		Jobs:       jobs,
		CommandLog: commands,
	}); err != nil {
		return err
	}

	deletedJobs, err := db.Jobs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune archived jobs: %w", err)
	}
	deletedCommands, err := db.CommandLogs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune archived command log: %w", err)
	}

	a.log.Info("archive run complete",
		"file", filename, "jobs", deletedJobs, "commands", deletedCommands)
	return nil
}

func (a *Archiver) writeExport(path string, data *export) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(data); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return f.Sync()
}

// ListArchives returns the export files present on disk, newest first.
func (a *Archiver) ListArchives() ([]ArchiveFile, error) {
	entries, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var files []ArchiveFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json.gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, ArchiveFile{
			Filename:  entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].CreatedAt.After(files[j].CreatedAt)
	})
	return files, nil
}
