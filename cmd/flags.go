// Package cmd holds flags and helpers shared by regiondb's executables.
package cmd

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"strings"

	"github.com/getlantern/golog"
)

var (
	log = golog.LoggerFor("regiondb.cmd")
)

var (
	PprofAddr = flag.String("pprofaddr", "localhost:4000", "if specified, will listen for pprof connections at the specified tcp address")
)

func StartPprof() {
	if *PprofAddr != "" {
		go func() {
			log.Debugf("Starting pprof page at http://%s/debug/pprof", *PprofAddr)
			if err := http.ListenAndServe(*PprofAddr, nil); err != nil {
				log.Errorf("Unable to start PPROF HTTP interface: %v", err)
			}
		}()
	}
}

// ParseConfig parses a connection string of the form
// "key1=value1;key2=value2" into a map with lowercase keys. Keys without a
// value map to "true".
func ParseConfig(conn string) map[string]string {
	config := make(map[string]string)
	for _, part := range strings.Split(conn, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		if len(kv) == 1 {
			config[key] = "true"
			continue
		}
		config[key] = strings.TrimSpace(kv[1])
	}
	return config
}
