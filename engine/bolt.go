package engine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/getlantern/errors"
	"github.com/getlantern/regiondb/common"
)

func init() {
	Register(Bolt())
	Register(Sharded())
}

type boltEngine struct{}

// Bolt returns a persistent, non-partitioned engine storing each table in
// its own bolt database under the table's Dir.
func Bolt() Engine {
	return &boltEngine{}
}

func (e *boltEngine) Name() string {
	return "bolt"
}

func (e *boltEngine) CreateTable(spec *TableSpec) (Table, error) {
	db, err := openBolt(spec)
	if err != nil {
		return nil, err
	}
	s, err := newBoltStore(db, "rows")
	if err != nil {
		db.Close()
		return nil, err
	}
	return newTable(spec, Capabilities{}, func(p common.Partition) (store, error) {
		return s, nil
	}, db.Close), nil
}

func openBolt(spec *TableSpec) (*bolt.DB, error) {
	if spec.Dir == "" {
		return nil, errors.New("Table %v needs a directory for persistent storage", spec.Name)
	}
	err := os.MkdirAll(spec.Dir, 0700)
	if err != nil {
		return nil, errors.New("Unable to create dir at %v: %v", spec.Dir, err)
	}
	db, err := bolt.Open(filepath.Join(spec.Dir, spec.Name+".db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.New("Unable to open database for %v: %v", spec.Name, err)
	}
	return db, nil
}
