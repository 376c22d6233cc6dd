// Package test holds helpers shared by tests that need a real key store database.
package test

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/internal/db"
)

const prefix = "test-keystore-"

// Key opens every test database.
var Key = []byte("0123456789abcdef0123456789abcdef")

// DBCleanup runs the tests and removes the database files they left in the working directory.
// Use it from TestMain.
func DBCleanup(run func() int) int {
	code := run()
	for _, glob := range []string{prefix + "*", "*-journal"} {
		matches, err := filepath.Glob(glob)
		if err != nil {
			panic(err)
		}
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				panic(err)
			}
		}
	}
	return code
}

// NewTestDatabase creates and opens a fresh database keyed with Key.
func NewTestDatabase(c *config.Config) *db.Database {
	var id [8]byte
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	d, err := db.NewDatabase(c, fmt.Sprintf("%s%x", prefix, id))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(Key); err != nil {
		panic(err)
	}
	if err := d.Open(Key); err != nil {
		panic(err)
	}
	return d
}
