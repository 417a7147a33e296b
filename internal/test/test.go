package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/river-build/go-keyshare/config"
	db "github.com/river-build/go-keyshare/internal/db"
)

var Key = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

type ID [8]byte

func newID() ID {
	var id [8]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	testCleanup()
	return c
}

func testCleanup() {
	DeleteAll("*-journal")
	DeleteAll("*-wal")
	DeleteAll("*-shm")
	DeleteAll("test-*")
}

func NewConfig(prefix string) *config.Config {
	return config.NewConfig(
		config.WithoutLogFile(),
		config.WithLoggingPrefix(prefix),
	)
}

// Path of a fresh database file in the working directory, removed by DBCleanup.
func NewDatabasePath() string {
	id := newID()
	return fmt.Sprintf("test-%x", id[:])
}

func NewTestDatabase(c *config.Config) *db.Database {
	db, err := db.NewDatabase(c, NewDatabasePath())
	if err != nil {
		panic(err)
	}
	if err := db.Initialize(Key); err != nil {
		panic(err)
	}
	if err := db.Open(Key); err != nil {
		panic(err)
	}
	return db
}
