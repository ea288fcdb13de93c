package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/getlantern/regiondb"
	"github.com/getlantern/regiondb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedQuery(t *testing.T) {
	exec, err := connect(map[string]string{"embedded": "true"})
	require.NoError(t, err)
	defer exec.close()

	db := exec.(*embedded).db
	require.NoError(t, db.ApplySchema(regiondb.Schema{"people": &regiondb.TableOpts{}}))
	_, err = db.Insert(context.Background(), "people",
		core.Row{"name": "ann", "age": 31},
		core.Row{"name": "bob", "age": 4.5})
	require.NoError(t, err)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	require.NoError(t, query(stdout, stderr, exec, "select name, age from people order by name", true))
	assert.Equal(t, "name,age\nann,31\nbob,4.5000\n", stdout.String())

	stdout.Reset()
	require.NoError(t, query(stdout, stderr, exec, "select name from people where age > 10", false))
	assert.Equal(t, "# name    \n  ann     \n(1 rows)\n", stdout.String())

	stdout.Reset()
	require.NoError(t, query(stdout, stderr, exec, "delete from people", false))
	assert.Equal(t, "2 rows affected\n", stdout.String())

	assert.Error(t, query(stdout, stderr, exec, "select * from nowhere", false))
}

func TestConnectRequiresAddr(t *testing.T) {
	_, err := connect(map[string]string{})
	assert.Error(t, err)

	exec, err := connect(map[string]string{"addr": "localhost:1", "tls": "false"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:1/query", exec.(*remote).url)
}
