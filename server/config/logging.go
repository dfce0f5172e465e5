package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/rs/zerolog"
)

const backupTimeLayout = "2006-01-02-15-04-05"

// LogManager is a size-rotated log file. It is safe for concurrent writes
// and rotates in place once the file grows past MaxSize megabytes.
type LogManager struct {
	config   *LogConfig
	maxBytes int64

	mu   sync.Mutex
	file *os.File
	size int64
}

func NewLogManager(cfg *LogConfig) *LogManager {
	return &LogManager{
		config:   cfg,
		maxBytes: int64(cfg.MaxSize) * 1024 * 1024,
	}
}

// CleanupLogFile truncates an existing log file. A missing file is not an error.
func CleanupLogFile(filePath string) error {
	if filePath == "" {
		return nil
	}
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}

	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return errors.New(ErrLogFileOpenFailed, "failed to truncate log file", err).AddContext("path", filePath)
	}
	return f.Close()
}

// Open prepares the log directory, rotates an oversized leftover file and
// opens the active file for appending.
func (lm *LogManager) Open() error {
	if lm.config.FilePath == "" {
		return errors.New(ErrLogFilePathRequired, "no log file path specified", nil)
	}
	if err := os.MkdirAll(filepath.Dir(lm.config.FilePath), 0o755); err != nil {
		return errors.New(ErrLogDirectoryCreationFailed, "failed to create log directory", err)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	info, err := os.Stat(lm.config.FilePath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return errors.New(ErrLogFileStatFailed, "failed to stat log file", err)
	case lm.maxBytes > 0 && info.Size() >= lm.maxBytes:
		if err := lm.rotateLocked(); err != nil {
			return errors.New(ErrLogRotationCheckFailed, "failed to rotate leftover log file", err)
		}
	}
	return lm.openLocked()
}

func (lm *LogManager) openLocked() error {
	f, err := os.OpenFile(lm.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return errors.New(ErrLogFileOpenFailed, "failed to open log file", err).AddContext("path", lm.config.FilePath)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.New(ErrLogFileStatFailed, "failed to stat log file", err)
	}
	lm.file = f
	lm.size = info.Size()
	return nil
}

// Write appends p to the active file, rotating first when p would push it
// past the size limit.
func (lm *LogManager) Write(p []byte) (int, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.file == nil {
		return 0, errors.New(ErrLogFileOpenFailed, "log file is not open", nil)
	}
	if lm.maxBytes > 0 && lm.size > 0 && lm.size+int64(len(p)) > lm.maxBytes {
		if err := lm.rotateLocked(); err != nil {
			return 0, err
		}
		if err := lm.openLocked(); err != nil {
			return 0, err
		}
	}

	n, err := lm.file.Write(p)
	lm.size += int64(n)
	return n, err
}

func (lm *LogManager) rotateLocked() error {
	if lm.file != nil {
		lm.file.Close()
		lm.file = nil
	}

	backup := fmt.Sprintf("%s.%s", lm.config.FilePath, time.Now().Format(backupTimeLayout))
	if err := os.Rename(lm.config.FilePath, backup); err != nil {
		return errors.New(ErrLogRotationFailed, "failed to rotate log file", err).AddContext("backup_path", backup)
	}

	// a stale backup never blocks logging
	_ = lm.pruneBackups(time.Now())
	return nil
}

type backupInfo struct {
	path    string
	modTime time.Time
}

// pruneBackups enforces MaxBackups (oldest first) and MaxAge in days.
func (lm *LogManager) pruneBackups(now time.Time) error {
	if lm.config.MaxBackups <= 0 && lm.config.MaxAge <= 0 {
		return nil
	}

	dir := filepath.Dir(lm.config.FilePath)
	base := filepath.Base(lm.config.FilePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.New(ErrLogBackupReadFailed, "failed to read log directory", err)
	}

	var backups []backupInfo
	for _, entry := range entries {
		if entry.IsDir() || !isBackupFile(entry.Name(), base) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backupInfo{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.Before(backups[j].modTime) })

	cutoff := now.AddDate(0, 0, -lm.config.MaxAge)
	excess := 0
	if lm.config.MaxBackups > 0 && len(backups) > lm.config.MaxBackups {
		excess = len(backups) - lm.config.MaxBackups
	}
	for i, b := range backups {
		expired := lm.config.MaxAge > 0 && b.modTime.Before(cutoff)
		if i >= excess && !expired {
			continue
		}
		if err := os.Remove(b.path); err != nil {
			return errors.New(ErrLogBackupRemoveFailed, "failed to remove old backup", err).AddContext("backup_path", b.path)
		}
	}
	return nil
}

func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	err := lm.file.Close()
	lm.file = nil
	return err
}

func isBackupFile(name, baseName string) bool {
	return len(name) > len(baseName)+1 && strings.HasPrefix(name, baseName+".")
}

// SetupLogger builds the process logger from cfg. Every event carries a
// component field. The returned closer releases the log file, if any.
func SetupLogger(cfg *LogConfig, component string) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	if cfg.Console {
		if cfg.Format == "json" {
			writers = append(writers, os.Stdout)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		}
	}

	lm := NewLogManager(cfg)
	if cfg.FilePath != "" {
		if cfg.Cleanup {
			if err := CleanupLogFile(cfg.FilePath); err != nil {
				return zerolog.Logger{}, nil, errors.New(ErrLogCleanupFailed, "failed to cleanup log file", err)
			}
		}
		if err := lm.Open(); err != nil {
			return zerolog.Logger{}, nil, errors.New(ErrLogFileWriterSetupFailed, "failed to setup file writer", err).
				AddContext("path", cfg.FilePath)
		}
		// file output is always JSON
		writers = append(writers, lm)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(out).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
	return logger, lm, nil
}

// String renders a log config for startup banners
func (c LogConfig) String() string {
	return fmt.Sprintf("level=%s format=%s file=%q console=%t", c.Level, c.Format, c.FilePath, c.Console)
}
