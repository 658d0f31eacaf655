package backup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/config"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/metrics"
	"github.com/meridianhq/axis/pkg/security"
	"github.com/meridianhq/axis/pkg/storage"
)

// stampLayout names backup directories; colons are avoided for
// filesystem portability.
const stampLayout = "2006-01-02T15-04-05Z"

const backupPrefix = "backup-"

// Manager takes encrypted snapshots of every database and rotates old
// ones on a daily/weekly/monthly schedule.
type Manager struct {
	store  storage.Store
	cipher *security.Cipher
	dir    string
	cfg    config.Backup
	logger zerolog.Logger

	stopCh chan struct{}
}

// NewManager creates a backup manager writing under dir.
func NewManager(store storage.Store, cipher *security.Cipher, dir string, cfg config.Backup) *Manager {
	return &Manager{
		store:  store,
		cipher: cipher,
		dir:    dir,
		cfg:    cfg,
		logger: log.WithComponent("backup"),
		stopCh: make(chan struct{}),
	}
}

// Start runs backups on the configured interval until Stop.
func (m *Manager) Start() {
	if m.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Run(); err != nil {
					m.logger.Error().Err(err).Msg("scheduled backup failed")
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the schedule. In-flight backups finish.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// Run takes one snapshot of every database, encrypts each file and then
// rotates. Returns the new backup directory name.
func (m *Manager) Run() (string, error) {
	timer := metrics.NewTimer()
	name := backupPrefix + time.Now().UTC().Format(stampLayout)
	dir := filepath.Join(m.dir, name)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		metrics.BackupsTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	for _, db := range m.store.DatabaseNames() {
		if err := m.snapshotOne(db, dir); err != nil {
			metrics.BackupsTotal.WithLabelValues("failure").Inc()
			return "", err
		}
	}

	metrics.BackupsTotal.WithLabelValues("success").Inc()
	timer.ObserveDuration(metrics.BackupDuration)
	m.logger.Info().Str("backup", name).Msg("backup completed")

	if err := m.Rotate(); err != nil {
		return name, err
	}
	return name, nil
}

func (m *Manager) snapshotOne(db, dir string) error {
	var buf bytes.Buffer
	if err := m.store.Snapshot(db, &buf); err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", db, err)
	}

	sealed, err := m.cipher.Encrypt(buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", db, err)
	}

	path := filepath.Join(dir, db+".backup.enc")
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	m.logger.Debug().Str("database", db).Int("bytes", len(sealed)).Msg("database snapshot written")
	return nil
}

// Rotate keeps the newest daily backups, then one per distinct week from
// the remainder, then one per distinct month from what is left, and
// deletes the rest. Backups already retained by an earlier tier never
// consume a weekly or monthly slot.
func (m *Manager) Rotate() error {
	backups, err := m.list()
	if err != nil {
		return err
	}

	keep := make(map[string]bool)
	for i, b := range backups {
		if i >= m.cfg.DailyCount {
			break
		}
		keep[b.name] = true
	}

	weeks := make(map[string]bool)
	for _, b := range backups {
		if len(weeks) >= m.cfg.WeeklyCount {
			break
		}
		if keep[b.name] {
			continue
		}
		year, week := b.stamp.ISOWeek()
		key := fmt.Sprintf("%d-W%02d", year, week)
		if weeks[key] {
			continue
		}
		weeks[key] = true
		keep[b.name] = true
	}

	months := make(map[string]bool)
	for _, b := range backups {
		if len(months) >= m.cfg.MonthlyCount {
			break
		}
		if keep[b.name] {
			continue
		}
		key := b.stamp.Format("2006-01")
		if months[key] {
			continue
		}
		months[key] = true
		keep[b.name] = true
	}

	for _, b := range backups {
		if keep[b.name] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.dir, b.name)); err != nil {
			return fmt.Errorf("failed to delete backup %s: %w", b.name, err)
		}
		m.logger.Info().Str("backup", b.name).Msg("rotated out old backup")
	}
	return nil
}

// Restore decrypts one backup into dataDir. Each current database file
// gets a safety copy first, and every file is replaced atomically via a
// temp file and rename. The store must be closed before calling.
func (m *Manager) Restore(backupName, dataDir string) error {
	dir := filepath.Join(m.dir, backupName)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", backupName, err)
	}

	for _, entry := range entries {
		db, ok := strings.CutSuffix(entry.Name(), ".backup.enc")
		if !ok {
			continue
		}
		if err := m.restoreOne(dir, db, dataDir); err != nil {
			return err
		}
	}

	m.logger.Info().Str("backup", backupName).Msg("restore completed")
	return nil
}

func (m *Manager) restoreOne(dir, db, dataDir string) error {
	sealed, err := os.ReadFile(filepath.Join(dir, db+".backup.enc"))
	if err != nil {
		return fmt.Errorf("failed to read backup file for %s: %w", db, err)
	}

	plain, err := m.cipher.Decrypt(sealed)
	if err != nil {
		return fmt.Errorf("failed to decrypt %s: %w", db, err)
	}

	target := filepath.Join(dataDir, db+".db")

	// Safety copy before touching the live file.
	if current, err := os.ReadFile(target); err == nil {
		if err := os.WriteFile(target+".pre-restore", current, 0o600); err != nil {
			return fmt.Errorf("failed to write safety copy for %s: %w", db, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read current %s: %w", db, err)
	}

	tmp := target + ".restore-tmp"
	if err := os.WriteFile(tmp, plain, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to replace %s: %w", target, err)
	}

	m.logger.Info().Str("database", db).Msg("database restored")
	return nil
}

type backupRef struct {
	name  string
	stamp time.Time
}

// List returns backup directory names, newest first.
func (m *Manager) List() ([]string, error) {
	backups, err := m.list()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(backups))
	for i, b := range backups {
		names[i] = b.name
	}
	return names, nil
}

func (m *Manager) list() ([]backupRef, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup dir: %w", err)
	}

	var backups []backupRef
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, ok := strings.CutPrefix(entry.Name(), backupPrefix)
		if !ok {
			continue
		}
		stamp, err := time.Parse(stampLayout, raw)
		if err != nil {
			continue
		}
		backups = append(backups, backupRef{name: entry.Name(), stamp: stamp})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].stamp.After(backups[j].stamp) })
	return backups, nil
}
