package store

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies every pending migration under migrationsDir to
// databaseURL. migrationsDir is spec.md §6's configured migrationPath (or
// mergedMigrationPath when a distro overlay is present).
func RunMigrations(databaseURL, migrationsDir string) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsDir), databaseURL)
	if err != nil {
		return fmt.Errorf("store: creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	return nil
}
