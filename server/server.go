package server

import (
	"crypto/tls"
	serrors "errors"
	"flag"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"
	"github.com/getlantern/regiondb"
	"github.com/getlantern/regiondb/common"
	rpcserver "github.com/getlantern/regiondb/rpc/server"
	"github.com/getlantern/regiondb/web"
	"github.com/getlantern/tlsdefaults"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

var (
	log = golog.LoggerFor("regiondb.server")

	ErrAlreadyRunning = serrors.New("already running")
)

// Server is a regiondb node: a database served over gRPC to peers and over
// HTTP(S) to users.
type Server struct {
	DBDir                   string
	Schema                  string
	RunMode                 string
	Topology                string
	TopologyRefreshInterval time.Duration
	PoolSize                int
	Addr                    string
	Listener                net.Listener
	HTTPAddr                string
	HTTPListener            net.Listener
	HTTPSAddr               string
	HTTPSListener           net.Listener
	Router                  *mux.Router
	Password                string
	PKFile                  string
	CertFile                string
	Insecure                bool
	WebQueryTimeout         time.Duration
	WebQueryConcurrency     int
	WebMaxRows              int
	ListenTimeout           time.Duration

	db      *regiondb.DB
	stopRPC func()
	stopWeb func()
	hs      *http.Server

	running   bool
	runningMx sync.Mutex
}

// Prepare prepares the server to run, returning a reference to the underlying
// db and a blocking function for actually running.
func (s *Server) Prepare() (*regiondb.DB, func() error, error) {
	s.runningMx.Lock()
	if s.running {
		s.runningMx.Unlock()
		return nil, nil, ErrAlreadyRunning
	}

	log.Debug("Starting")

	runMode, err := common.ParseRunMode(s.RunMode)
	if err != nil {
		s.runningMx.Unlock()
		return nil, nil, err
	}

	clientSessionCache := tls.NewLRUClientSessionCache(10000)
	s.db, err = regiondb.NewDB(&regiondb.DBOpts{
		Dir:                     s.DBDir,
		SchemaFile:              s.Schema,
		RunMode:                 runMode,
		TopologyFile:            s.Topology,
		TopologyRefreshInterval: s.TopologyRefreshInterval,
		PoolSize:                s.PoolSize,
		Password:                s.Password,
		Dialer: func(addr string, timeout time.Duration) (net.Conn, error) {
			return s.dialPeer(addr, timeout, clientSessionCache)
		},
	})
	if err != nil {
		s.runningMx.Unlock()
		return nil, nil, log.Errorf("Unable to open database at %v: %v", s.DBDir, err)
	}
	log.Debugf("Opened database at %v in %v mode", s.DBDir, runMode)

	run := func() error {
		defer s.closeListeners()

		if s.Listener == nil {
			log.Debugf("Starting listener for %v", s.Addr)
			err := s.listen(func() (err error) {
				s.Listener, err = tlsdefaults.Listen(s.Addr, s.PKFile, s.CertFile)
				return
			})
			if err != nil {
				s.runningMx.Unlock()
				return log.Errorf("Unable to listen for gRPC over TLS connections at %v: %v", s.Addr, err)
			}
		}
		log.Debugf("Listening for gRPC connections at %v", s.Listener.Addr())

		if s.HTTPListener == nil && s.HTTPAddr != "" {
			err := s.listen(func() (err error) {
				s.HTTPListener, err = net.Listen("tcp", s.HTTPAddr)
				return
			})
			if err != nil {
				s.runningMx.Unlock()
				return log.Errorf("Unable to listen HTTP: %v", err)
			}
		}
		if s.HTTPSListener == nil && s.HTTPSAddr != "" {
			err := s.listen(func() (err error) {
				s.HTTPSListener, err = tlsdefaults.Listen(s.HTTPSAddr, s.PKFile, s.CertFile)
				return
			})
			if err != nil {
				s.runningMx.Unlock()
				return log.Errorf("Unable to listen for HTTPS connections at %v: %v", s.HTTPSAddr, err)
			}
		}

		var g errgroup.Group
		serveRPC := s.prepareRPC()
		g.Go(serveRPC)
		serveHTTP, err := s.prepareHTTP()
		if err != nil {
			s.stopRPC()
			s.runningMx.Unlock()
			return log.Errorf("Unable to serve HTTP: %v", err)
		}
		for _, l := range []net.Listener{s.HTTPListener, s.HTTPSListener} {
			if l != nil {
				log.Debugf("Listening for HTTP connections at %v", l.Addr())
				l := l
				g.Go(func() error {
					return serveHTTP(l)
				})
			}
		}

		s.running = true
		log.Debug("Started")
		s.runningMx.Unlock()

		return g.Wait()
	}

	return s.db, run, nil
}

// Serve prepares and runs the server, blocking until it stops.
func (s *Server) Serve() error {
	_, run, err := s.Prepare()
	if err != nil {
		return err
	}
	return run()
}

func (s *Server) listen(fn func() error) error {
	start := time.Now()
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if s.ListenTimeout <= 0 || time.Since(start) > s.ListenTimeout {
			return err
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// dialPeer dials another node's gRPC listener over TLS.
func (s *Server) dialPeer(addr string, timeout time.Duration, cache tls.ClientSessionCache) (net.Conn, error) {
	host, _, _ := net.SplitHostPort(addr)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: s.Insecure,
		ClientSessionCache: cache,
	})
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, errors.New("TLS handshake with %v failed: %v", addr, err)
	}
	return tlsConn, nil
}

func (s *Server) prepareRPC() func() error {
	serve, stop := rpcserver.PrepareServer(s.db, s.Listener, &rpcserver.Opts{
		Password: s.Password,
	})
	s.stopRPC = stop
	return func() error {
		if err := serve(); err != nil {
			return errors.New("Error serving gRPC: %v", err)
		}
		return nil
	}
}

func (s *Server) prepareHTTP() (func(l net.Listener) error, error) {
	if s.Router == nil {
		s.Router = mux.NewRouter()
	}
	stop, err := web.Configure(s.db, s.Router, &web.Opts{
		Password:              s.Password,
		QueryTimeout:          s.WebQueryTimeout,
		QueryConcurrencyLimit: s.WebQueryConcurrency,
		MaxRows:               s.WebMaxRows,
	})
	if err != nil {
		return nil, err
	}
	s.stopWeb = stop
	s.hs = &http.Server{
		Handler:        s.Router,
		MaxHeaderBytes: 1 << 19,
	}
	return func(l net.Listener) error {
		err := s.hs.Serve(l)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}, nil
}

func (s *Server) closeListeners() {
	for _, l := range []*net.Listener{&s.Listener, &s.HTTPListener, &s.HTTPSListener} {
		if *l != nil {
			(*l).Close()
			*l = nil
		}
	}
}

func (s *Server) Close() {
	log.Debug("Close requested")
	s.runningMx.Lock()
	defer s.runningMx.Unlock()
	if !s.running {
		log.Debug("Not running, don't bother closing")
		if s.db != nil {
			s.db.Close()
		}
		return
	}

	log.Debug("Closing")
	s.stopWeb()
	s.stopRPC()
	if err := s.hs.Close(); err != nil {
		log.Errorf("Error closing HTTP server: %v", err)
	}
	s.db.Close()
	s.running = false
	log.Debug("Closed")
}

func (s *Server) ConfigureFlags() {
	flag.StringVar(&s.DBDir, "dbdir", "regiondata", "The directory in which to store the database files, defaults to ./regiondata")
	flag.StringVar(&s.Schema, "schema", "schema.yaml", "Location of schema file, defaults to ./schema.yaml")
	flag.StringVar(&s.RunMode, "runmode", "embedded", "One of embedded, clientserver, replication or sharding. Replication and sharding route statements across partitions and require -topology")
	flag.StringVar(&s.Topology, "topology", "", "Location of the YAML topology file mapping partitions to nodes")
	flag.DurationVar(&s.TopologyRefreshInterval, "topologyrefresh", 30*time.Second, "How frequently to reload the topology file, 0 to only reload after routing failures")
	flag.IntVar(&s.PoolSize, "poolsize", 0, "Size of the worker pool executing partition sub-commands, defaults to 8 x number of CPUs")
	flag.StringVar(&s.Addr, "addr", "localhost:17712", "The address at which to listen for gRPC over TLS connections, defaults to localhost:17712")
	flag.StringVar(&s.HTTPSAddr, "httpsaddr", "localhost:17713", "The address at which to listen for JSON over HTTPS connections, defaults to localhost:17713")
	flag.StringVar(&s.HTTPAddr, "httpaddr", "", "The address at which to listen for JSON over HTTP connections")
	flag.StringVar(&s.Password, "password", "", "if specified, will authenticate clients and peers using this password")
	flag.StringVar(&s.PKFile, "pkfile", "pk.pem", "path to the private key PEM file")
	flag.StringVar(&s.CertFile, "certfile", "cert.pem", "path to the certificate PEM file")
	flag.BoolVar(&s.Insecure, "insecure", false, "set to true to disable TLS certificate verification when connecting to other nodes (don't use this in production!)")
	flag.DurationVar(&s.WebQueryTimeout, "webquerytimeout", 30*time.Minute, "time out web queries after this duration")
	flag.IntVar(&s.WebQueryConcurrency, "webqueryconcurrency", 2, "limit concurrent web queries to this (subsequent queries will be queued)")
	flag.IntVar(&s.WebMaxRows, "webmaxrows", 100000, "limit the number of rows returned through the web API")
	flag.DurationVar(&s.ListenTimeout, "listentimeout", 0, "keep retrying to listen for this long, useful when restarting in place")
}
