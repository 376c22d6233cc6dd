package db

import (
	"fmt"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/migration"
	"go.uber.org/zap"
)

// migrator applies a named list of migrations, recording each applied step in its own bookkeeping table.
// Migrations are append-only: the count of applied rows is the index of the next one to run.
type migrator struct {
	db         *Database
	name       string
	table      string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration) *migrator {
	return &migrator{
		db:         db,
		name:       name,
		table:      "_migrations_" + name,
		log:        c.Logger("migrate." + name),
		migrations: migrations,
	}
}

func (m *migrator) migrate() error {
	var applied int
	if err := m.db.Run("prepare migrations for "+m.name, func() error {
		var err error
		if applied, err = m.applied(); err != nil {
			return err
		}
		if applied > len(m.migrations) {
			return fmt.Errorf("db: %s has %d applied migrations but only %d are defined", m.name, applied, len(m.migrations))
		}
		return nil
	}); err != nil {
		return err
	}

	for i := applied; i < len(m.migrations); i++ {
		if err := m.apply(i, m.migrations[i]); err != nil {
			return fmt.Errorf("db: migrating %s: %w", m.name, err)
		}
	}
	return nil
}

func (m *migrator) applied() (int, error) {
	if _, err := m.db.Tx.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INT8 NOT NULL PRIMARY KEY,
		version VARCHAR(255) NOT NULL
	)`, m.table)); err != nil {
		return 0, err
	}
	var count int
	if err := m.db.Tx.Get(&count, fmt.Sprintf("SELECT count(*) FROM %s", m.table)); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *migrator) apply(id int, mig *migration.Migration) error {
	return m.db.Run(mig.String(), func() error {
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return fmt.Errorf("migration %q: %w", mig.Name, err)
		}
		if _, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES (?, ?)", m.table), id, mig.String()); err != nil {
			return fmt.Errorf("recording migration %q: %w", mig.Name, err)
		}
		m.log.Debugf("applied %q", mig.Name)
		return nil
	})
}
