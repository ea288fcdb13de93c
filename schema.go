package regiondb

import (
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/engine"
	"github.com/getlantern/regiondb/partition"
	"github.com/getlantern/yaml"
)

// Schema maps table names to their options.
type Schema map[string]*TableOpts

// TableOpts configures a table in a schema file.
type TableOpts struct {
	Name         string            `yaml:"-"`
	Engine       string            `yaml:"engine"`
	ShardKey     []string          `yaml:"shardkey"`
	Partitioning *Partitioning     `yaml:"partitioning"`
	MemoryOnly   bool              `yaml:"memoryonly"`
	Options      map[string]string `yaml:"options"`
}

// Partitioning configures the partition scheme of a table. Type is one of
// hash, range or list.
type Partitioning struct {
	Type       string                             `yaml:"type"`
	Partitions []common.Partition                 `yaml:"partitions"`
	Ranges     []*RangeOpts                       `yaml:"ranges"`
	Lists      map[common.Partition][]interface{} `yaml:"lists"`
	Default    common.Partition                   `yaml:"default"`
}

// RangeOpts is one partition of a range scheme. The last range may omit
// Upper.
type RangeOpts struct {
	Partition common.Partition `yaml:"partition"`
	Upper     interface{}      `yaml:"upper"`
}

func (p *Partitioning) scheme() (partition.Scheme, error) {
	switch strings.ToLower(p.Type) {
	case "", "hash":
		return partition.NewHash(p.Partitions...)
	case "range":
		ranges := make([]partition.RangePartition, 0, len(p.Ranges))
		for _, r := range p.Ranges {
			ranges = append(ranges, partition.RangePartition{Partition: r.Partition, Upper: common.Normalize(r.Upper)})
		}
		return partition.NewRange(ranges...)
	case "list":
		lists := make(map[common.Partition][]interface{}, len(p.Lists))
		for part, values := range p.Lists {
			normalized := make([]interface{}, 0, len(values))
			for _, value := range values {
				normalized = append(normalized, common.Normalize(value))
			}
			lists[part] = normalized
		}
		return partition.NewList(lists, p.Default)
	default:
		return nil, errors.New("Unknown partitioning type %v", p.Type)
	}
}

// Spec builds the engine.TableSpec for these options.
func (opts *TableOpts) Spec() (*engine.TableSpec, error) {
	spec := &engine.TableSpec{
		Name:       opts.Name,
		Engine:     opts.Engine,
		MemoryOnly: opts.MemoryOnly,
		Options:    opts.Options,
	}
	for _, column := range opts.ShardKey {
		spec.ShardKey = append(spec.ShardKey, strings.ToLower(column))
	}
	if opts.Partitioning != nil {
		scheme, err := opts.Partitioning.scheme()
		if err != nil {
			return nil, errors.New("Invalid partitioning for %v: %v", opts.Name, err)
		}
		spec.Scheme = scheme
	}
	return spec, nil
}

func (db *DB) pollForSchema(filename string) error {
	stat, err := os.Stat(filename)
	if err != nil {
		return err
	}

	err = db.ApplySchemaFromFile(filename)
	if err != nil {
		log.Error(err)
		return err
	}

	db.Go(func(stop <-chan interface{}) {
		log.Debug("Polling for schema changes")

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				newStat, err := os.Stat(filename)
				if err != nil {
					log.Errorf("Unable to stat schema: %v", err)
				} else if newStat.ModTime().After(stat.ModTime()) || newStat.Size() != stat.Size() {
					log.Debug("Schema file changed, applying")
					applyErr := db.ApplySchemaFromFile(filename)
					if applyErr != nil {
						log.Error(applyErr)
					}
					stat = newStat
				}
			}
		}
	})

	return nil
}

func (db *DB) ApplySchemaFromFile(filename string) error {
	b, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	var schema Schema
	err = yaml.Unmarshal(b, &schema)
	if err != nil {
		log.Errorf("Error applying schema: %v", err)
		log.Debug(string(b))
		return err
	}
	return db.ApplySchema(schema)
}

// ApplySchema creates the tables in schema that don't exist yet. Existing
// tables are left as they are.
func (db *DB) ApplySchema(schema Schema) error {
	for name, opts := range schema {
		opts.Name = strings.ToLower(name)
		if _, err := db.Table(opts.Name); err == nil {
			log.Debugf("Table %v already exists, leaving unchanged", opts.Name)
			continue
		}
		spec, err := opts.Spec()
		if err != nil {
			return err
		}
		log.Debugf("Creating table '%v' with engine '%v' sharded by %v", opts.Name, spec.Engine, spec.ShardKey)
		err = db.CreateTable(spec)
		if err != nil {
			return errors.New("Error creating table %v: %v", opts.Name, err)
		}
		log.Debugf("Created table %v", opts.Name)
	}
	return nil
}
