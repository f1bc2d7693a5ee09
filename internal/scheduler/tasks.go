package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"grimm.is/netconn/internal/logging"
)

// Task IDs used by the connection manager process.
const (
	TaskStatsRefresh  = "stats-refresh"
	TaskBackupCleanup = "stats-backup-cleanup"
)

// NewStatsRefreshTask samples every tracked interface and uid at a fixed interval.
func NewStatsRefreshTask(refresh func(context.Context) error, interval time.Duration) *Task {
	return &Task{
		ID:         TaskStatsRefresh,
		Name:       "Traffic Counter Refresh",
		Schedule:   Every(interval),
		Enabled:    true,
		RunOnStart: true,
		Timeout:    interval,
		Func:       refresh,
	}
}

// NewBackupCleanupTask prunes stats CSV backups, keeping the newest keepCount
// per file. Backups are named "<file>.<stamp>.bak".
func NewBackupCleanupTask(dir string, keepCount int) *Task {
	return &Task{
		ID:       TaskBackupCleanup,
		Name:     "Stats Backup Cleanup",
		Schedule: Daily(3, 30),
		Enabled:  true,
		Timeout:  time.Minute,
		Func: func(ctx context.Context) error {
			return CleanupBackups(dir, keepCount)
		},
	}
}

// CleanupBackups removes old backup files, keeping only the most recent ones
// for each original file.
func CleanupBackups(dir string, keepCount int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	groups := make(map[string][]fileInfo)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".bak") {
			continue
		}
		base := strings.TrimSuffix(name, ".bak")
		if i := strings.LastIndex(base, "."); i > 0 {
			base = base[:i]
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		groups[base] = append(groups[base], fileInfo{name: name, modTime: info.ModTime()})
	}

	for _, files := range groups {
		if len(files) <= keepCount {
			continue
		}
		sort.Slice(files, func(i, j int) bool {
			if files[i].modTime.Equal(files[j].modTime) {
				return files[i].name < files[j].name
			}
			return files[i].modTime.Before(files[j].modTime)
		})
		for _, f := range files[:len(files)-keepCount] {
			path := filepath.Join(dir, f.name)
			if err := os.Remove(path); err != nil {
				logging.Warn("failed to delete old backup", "path", path, "error", err)
			}
		}
	}
	return nil
}
