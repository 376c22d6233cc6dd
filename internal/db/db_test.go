package db_test

import (
	"bytes"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/internal/test"
	"github.com/meow-io/go-e2ee/migration"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var testMigrations = []*migration.Migration{
	{
		Name: "create things",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE things (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`)
			return err
		},
	},
}

func TestRunCommitsAndRollsBack(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(config.NewConfig(config.WithLoggingPrefix("db")))
	defer func() { require.Nil(d.Shutdown()) }()
	require.Nil(d.Migrate("test", testMigrations))

	committed := make(chan struct{})
	require.Nil(d.Run("insert", func() error {
		d.AfterCommit(func() { close(committed) })
		_, err := d.Tx.Exec("INSERT INTO things (id, name) VALUES (1, 'one')")
		return err
	}))
	<-committed

	boom := errors.New("boom")
	err := d.Run("insert then fail", func() error {
		if _, err := d.Tx.Exec("INSERT INTO things (id, name) VALUES (2, 'two')"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(err, boom)

	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM things")
	}))
	require.Equal(1, count)
}

func TestBeforeCommitFailureRollsBack(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(config.NewConfig(config.WithLoggingPrefix("db")))
	defer func() { require.Nil(d.Shutdown()) }()
	require.Nil(d.Migrate("test", testMigrations))

	err := d.Run("before commit", func() error {
		d.BeforeCommit(func() error { return errors.New("veto") })
		_, err := d.Tx.Exec("INSERT INTO things (id, name) VALUES (1, 'one')")
		return err
	})
	require.Error(err)

	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM things")
	}))
	require.Equal(0, count)
}

func TestMigrateIsIdempotent(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(config.NewConfig(config.WithLoggingPrefix("db")))
	defer func() { require.Nil(d.Shutdown()) }()
	require.Nil(d.Migrate("test", testMigrations))
	require.Nil(d.Migrate("test", testMigrations))
	require.Error(d.Migrate("test", nil))
}

func TestStateTransitions(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithLoggingPrefix("db"))
	path := filepath.Join(t.TempDir(), "keystore")
	d, err := db.NewDatabase(c, path)
	require.Nil(err)
	require.Equal(db.StateNew, d.State())

	require.ErrorIs(d.Open(test.Key), db.ErrWrongState)
	require.ErrorIs(d.Initialize(test.Key[:16]), db.ErrKeyLength)
	require.Nil(d.Initialize(test.Key))
	require.True(d.Initialized())
	require.ErrorIs(d.Initialize(test.Key), db.ErrWrongState)

	err = d.Run("before open", func() error { return nil })
	require.ErrorIs(err, db.ErrWrongState)

	require.Nil(d.Open(test.Key))
	require.Equal(db.StateRunning, d.State())
	require.Nil(d.Migrate("test", testMigrations))
	require.Nil(d.Shutdown())
	require.Equal(db.StateInitialized, d.State())

	reopened, err := db.NewDatabase(c, path)
	require.Nil(err)
	require.True(reopened.Initialized())
	wrong := bytes.Repeat([]byte{0xff}, 32)
	require.Error(reopened.Open(wrong))
	require.Equal(db.StateInitialized, reopened.State())
	require.Nil(reopened.Open(test.Key))
	defer func() { require.Nil(reopened.Shutdown()) }()

	var count int
	require.Nil(reopened.RunReadOnly("count", func() error {
		return reopened.Tx.Get(&count, "SELECT count(*) FROM things")
	}))
	require.Equal(0, count)
}
