package records

import (
	"path/filepath"

	"codeberg.org/mutker/battester/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm   = 0o755
	defaultDBPath    = "/var/lib/battester/records.db"
	defaultQueueSize = 16
)

type Config struct {
	DBPath          string
	BackupOnMigrate bool
	QueueSize       int
}

func DefaultConfig() Config {
	return Config{
		DBPath:          defaultDBPath,
		BackupOnMigrate: true,
		QueueSize:       defaultQueueSize,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.QueueSize < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			QueueSize int
		}{
			QueueSize: c.QueueSize,
		})
	}
	return nil
}

func (c Config) backupDir() string {
	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}
