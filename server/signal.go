package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	topologyReloadTimeout = 30 * time.Second
)

// HandleSignals closes the server on SIGINT, SIGTERM and SIGQUIT. SIGHUP
// reloads the topology file in place.
func (s *Server) HandleSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go s.handleSignals(c)
}

func (s *Server) handleSignals(c <-chan os.Signal) {
	for sig := range c {
		if sig == syscall.SIGHUP {
			s.reloadTopology()
			continue
		}
		log.Debugf("Got signal \"%s\", closing %v node and exiting...", sig, s.RunMode)
		s.Close()
		return
	}
}

func (s *Server) reloadTopology() {
	s.runningMx.Lock()
	db := s.db
	s.runningMx.Unlock()
	if db == nil || db.Locator() == nil {
		log.Debug("No topology to reload")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), topologyReloadTimeout)
	defer cancel()
	if err := db.Locator().Refresh(ctx); err != nil {
		log.Errorf("Unable to reload topology from %v: %v", s.Topology, err)
		return
	}
	log.Debugf("Reloaded topology from %v, this node is %v", s.Topology, db.Locator().Snapshot().Self)
}
