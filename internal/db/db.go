// Package db wraps the SQLCipher database that backs the key store.
//
// All access goes through a single connection guarded by a mutex. Work runs inside a transaction opened by
// Run or RunReadOnly, and callers may hook functions that run just before commit or after a successful one.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/migration"
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"go.uber.org/zap"
)

const (
	driverName = "sqlite3_e2ee"
	keyLength  = 32
)

// Pragmas applied to every connection once the key has been set.
var connectionPragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA temp_store = 2",
}

var (
	ErrWrongState = errors.New("db: wrong state")
	ErrKeyLength  = fmt.Errorf("db: key must be %d bytes", keyLength)

	registerOnce sync.Once
)

type State int

const (
	StateNew State = iota
	StateInitialized
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type RunnerFunc func() error

type Database struct {
	Log  *zap.SugaredLogger
	Conn *sqlx.DB
	Tx   *sqlx.Tx

	config       *config.Config
	state        State
	lock         sync.Mutex
	path         string
	afterCommit  []func()
	beforeCommit []RunnerFunc
	ctx          context.Context
	cancelFn     context.CancelFunc
}

// NewDatabase returns a database for the file at path. Nothing is opened until Initialize or Open.
func NewDatabase(c *config.Config, path string) (*Database, error) {
	log := c.Logger("db")
	state := StateInitialized
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		state = StateNew
	} else if err != nil {
		return nil, err
	}
	log.Debugf("using key store database at %s (%s)", path, state)

	db := &Database{
		Log:    log,
		config: c,
		path:   path,
		state:  state,
	}
	db.resetContext()
	return db, nil
}

func (db *Database) State() State {
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.state
}

func (db *Database) Initialized() bool {
	return db.State() == StateInitialized
}

// Initialize creates the encrypted file. The database must then be opened with the same key.
func (db *Database) Initialize(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.expect(StateNew, key); err != nil {
		return err
	}
	conn, err := db.connect(key)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("db: error closing %s after creation: %w", db.path, err)
	}
	db.state = StateInitialized
	return nil
}

func (db *Database) Open(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	if err := db.expect(StateInitialized, key); err != nil {
		return err
	}
	conn, err := db.connect(key)
	if err != nil {
		return err
	}
	db.Conn = conn
	db.state = StateRunning
	return nil
}

// Shutdown closes the connection. The database can be opened again afterwards.
func (db *Database) Shutdown() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.cancelFn()
	db.resetContext()
	if db.Conn == nil {
		return nil
	}
	conn := db.Conn
	db.Conn = nil
	db.state = StateInitialized
	if err := conn.Close(); err != nil {
		return fmt.Errorf("db: error closing %s: %w", db.path, err)
	}
	return nil
}

func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	return newMigrator(db.config, db, name, migrations).migrate()
}

// AfterCommit queues f to run in its own goroutine once the current transaction commits.
func (db *Database) AfterCommit(f func()) {
	db.mustBeInTx()
	db.afterCommit = append(db.afterCommit, f)
}

// BeforeCommit queues f to run before the current transaction commits. An error rolls the transaction back.
func (db *Database) BeforeCommit(f RunnerFunc) {
	db.mustBeInTx()
	db.beforeCommit = append(db.beforeCommit, f)
}

// Lock runs runner while holding the connection lock, logging how long it waited and ran.
func (db *Database) Lock(label string, runner RunnerFunc) error {
	start := time.Now()
	db.lock.Lock()
	obtained := time.Now()
	defer func() {
		db.Log.Debugf("%s wait=%s exec=%s", label, obtained.Sub(start), time.Since(obtained))
		db.lock.Unlock()
	}()
	return runner()
}

func (db *Database) Run(label string, runner RunnerFunc) error {
	return db.Lock(label, func() error {
		return db.runTx(label, &sql.TxOptions{}, runner)
	})
}

func (db *Database) RunReadOnly(label string, runner RunnerFunc) error {
	return db.Lock(label, func() error {
		return db.runTx(label, &sql.TxOptions{ReadOnly: true}, runner)
	})
}

// runTx runs runner inside a transaction. The caller must already hold the lock.
func (db *Database) runTx(label string, opts *sql.TxOptions, runner RunnerFunc) error {
	if db.Tx != nil {
		panic("db: nested transaction in " + label)
	}
	if db.state != StateRunning {
		return fmt.Errorf("%w: %s needs %s, database is %s", ErrWrongState, label, StateRunning, db.state)
	}
	if err := db.begin(opts); err != nil {
		return fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}
	defer func() {
		db.Tx = nil
		db.beforeCommit = nil
		db.afterCommit = nil
	}()

	if err := db.runWithHooks(runner); err != nil {
		db.Log.Warnf("rolling back %s: %v", label, err)
		if rerr := db.Tx.Rollback(); rerr != nil {
			db.Log.Debugf("error rolling back %s: %v", label, rerr)
		}
		return fmt.Errorf("error during %s: %w", label, err)
	}
	if err := db.Tx.Commit(); err != nil {
		db.Log.Warnf("error committing %s: %v", label, err)
		return fmt.Errorf("db: error committing %s: %w", label, err)
	}
	for _, f := range db.afterCommit {
		go f()
	}
	return nil
}

func (db *Database) begin(opts *sql.TxOptions) error {
	tx, err := db.Conn.BeginTxx(db.ctx, opts)
	if err != nil {
		return err
	}
	if _, err := tx.Exec("PRAGMA defer_foreign_keys = ON"); err != nil {
		_ = tx.Rollback()
		return err
	}
	db.Tx = tx
	return nil
}

func (db *Database) runWithHooks(runner RunnerFunc) error {
	if err := runner(); err != nil {
		return err
	}
	for _, f := range db.beforeCommit {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) mustBeInTx() {
	if db.Tx == nil {
		panic("db: no transaction in progress")
	}
}

func (db *Database) expect(state State, key []byte) error {
	if db.state != state {
		return fmt.Errorf("%w: expected %s, got %s", ErrWrongState, state, db.state)
	}
	if len(key) != keyLength {
		return fmt.Errorf("%w, got %d", ErrKeyLength, len(key))
	}
	return nil
}

func (db *Database) resetContext() {
	db.ctx, db.cancelFn = context.WithCancel(context.Background())
}

// connect opens the file with the given key. A wrong key surfaces here as a failed read of sqlite_master.
func (db *Database) connect(key []byte) (*sqlx.DB, error) {
	registerOnce.Do(registerDriver)

	params := url.Values{}
	params.Set("_locking_mode", "EXCLUSIVE")
	params.Set("_busy_timeout", "100")
	params.Set("_secure_delete", "on")
	params.Set("_journal_mode", "WAL")
	params.Set("_auto_vacuum", "2")
	params.Set("_synchronous", "3")
	params.Set("cache", "private")
	params.Set("mode", "rwc")
	params.Set("_pragma_key", fmt.Sprintf("x'%x'", key))
	dsn := fmt.Sprintf("file:%s?%s", url.PathEscape(db.path), params.Encode())

	conn, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s: %w", db.path, err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("SELECT name FROM sqlite_master LIMIT 1"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: unable to read %s, wrong key?: %w", db.path, err)
	}
	return conn, nil
}

func registerDriver() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, p := range connectionPragmas {
				if _, err := conn.Exec(p, nil); err != nil {
					return fmt.Errorf("db: %s: %w", p, err)
				}
			}
			return nil
		},
	})
}
