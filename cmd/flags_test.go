package cmd

import (
	"testing"

	"github.com/getlantern/regiondb/common"
	"github.com/stretchr/testify/assert"
)

func TestParseConfig(t *testing.T) {
	config := ParseConfig("Embedded; dbdir = /tmp/data ;schema=schema.yaml;;")
	assert.Equal(t, map[string]string{
		"embedded": "true",
		"dbdir":    "/tmp/data",
		"schema":   "schema.yaml",
	}, config)
	assert.True(t, common.IsEmbedded(config))

	config = ParseConfig("addr=localhost:17713;embedded=false")
	assert.False(t, common.IsEmbedded(config))
	assert.Equal(t, "localhost:17713", config["addr"])
	assert.Empty(t, ParseConfig(""))
}
