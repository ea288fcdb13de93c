// regiondb is the executable for the regiondb database. It runs a single node
// that, depending on -runmode, either serves its own tables or routes
// statements across the partitions of a cluster.
package main

import (
	"github.com/getlantern/golog"
	"github.com/getlantern/regiondb/cmd"
	"github.com/getlantern/regiondb/server"
	"github.com/vharitonsky/iniflags"
)

var (
	log = golog.LoggerFor("regiondb")
)

func main() {
	srv := &server.Server{}
	srv.ConfigureFlags()
	iniflags.Parse()

	cmd.StartPprof()

	srv.HandleSignals()
	if err := srv.Serve(); err != nil {
		log.Fatal(err)
	}
	log.Debug("Done")
}
