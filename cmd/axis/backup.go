package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meridianhq/axis/pkg/backup"
	"github.com/meridianhq/axis/pkg/lifecycle"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/security"
	"github.com/meridianhq/axis/pkg/storage"
)

var (
	backupPassword string
	backupLegacy   bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage encrypted backups",
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Take an encrypted snapshot of all databases",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ErrorLevel})

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		cipher, err := backupCipher(cfg.DataDir)
		if err != nil {
			return err
		}

		mgr := backup.NewManager(store, cipher, backupDir(cfg.DataDir), cfg.Backup)
		name, err := mgr.Run()
		if err != nil {
			return fmt.Errorf("backup failed: %v", err)
		}
		fmt.Printf("✓ Backup written: %s\n", name)
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-name>",
	Short: "Restore databases from a backup",
	Long: `Restore replaces the current database files with the backup's
contents. The runtime must not be running. Each replaced file is kept
beside the original with a .pre-restore suffix.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ErrorLevel})

		cipher, err := backupCipher(cfg.DataDir)
		if err != nil {
			return err
		}

		mgr := backup.NewManager(nil, cipher, backupDir(cfg.DataDir), cfg.Backup)
		if err := mgr.Restore(args[0], cfg.DataDir); err != nil {
			return fmt.Errorf("restore failed: %v", err)
		}
		fmt.Printf("✓ Restored from %s\n", args[0])
		return nil
	},
}

var backupRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Apply the daily/weekly/monthly rotation now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ErrorLevel})

		mgr := backup.NewManager(nil, nil, backupDir(cfg.DataDir), cfg.Backup)
		if err := mgr.Rotate(); err != nil {
			return fmt.Errorf("rotation failed: %v", err)
		}
		fmt.Println("✓ Rotation complete")
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ErrorLevel})

		mgr := backup.NewManager(nil, nil, backupDir(cfg.DataDir), cfg.Backup)
		names, err := mgr.List()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	backupCmd.PersistentFlags().StringVar(&backupPassword, "password", "", "derive the key from a password instead of the key file")
	backupCmd.PersistentFlags().BoolVar(&backupLegacy, "legacy-kdf", false, "use the SHA-256 derivation for backups written before Argon2id")

	backupCmd.AddCommand(backupRunCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupRotateCmd)
	backupCmd.AddCommand(backupListCmd)
}

func backupDir(dataDir string) string {
	return filepath.Join(dataDir, "backups")
}

// backupCipher builds the cipher from the password flags, falling back to
// the data directory's key file.
func backupCipher(dataDir string) (*security.Cipher, error) {
	if backupPassword != "" {
		if backupLegacy {
			return security.NewCipherFromPasswordSHA256(backupPassword)
		}
		return security.NewCipherFromPassword(backupPassword)
	}

	key, err := lifecycle.BackupKey(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup key: %v", err)
	}
	return security.NewCipher(key)
}
