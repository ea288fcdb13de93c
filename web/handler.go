// Package web exposes a regiondb database over HTTP.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/getlantern/golog"
	"github.com/getlantern/regiondb"
	"github.com/gorilla/mux"
)

var (
	log = golog.LoggerFor("regiondb.web")
)

const (
	// PasswordHeader carries the password when the server requires one.
	PasswordHeader = "X-Regiondb-Password"
)

type Opts struct {
	// Password, if specified, must be presented in PasswordHeader or as the
	// basic auth password.
	Password string
	// QueryTimeout bounds how long a single statement may run.
	QueryTimeout time.Duration
	// QueryConcurrencyLimit caps the number of concurrently executing
	// statements. Further statements wait for a slot.
	QueryConcurrencyLimit int
	// MaxRows caps the number of rows returned by a query.
	MaxRows int
}

type handler struct {
	Opts
	db        *regiondb.DB
	semaphore chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// Configure registers the HTTP API for db on router. Call the returned stop
// function to abort in-flight statements.
func Configure(db *regiondb.DB, router *mux.Router, opts *Opts) (func(), error) {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Minute
	}
	if opts.QueryConcurrencyLimit <= 0 {
		opts.QueryConcurrencyLimit = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handler{
		Opts:      *opts,
		db:        db,
		semaphore: make(chan struct{}, opts.QueryConcurrencyLimit),
		ctx:       ctx,
		cancel:    cancel,
	}

	router.StrictSlash(true)
	router.HandleFunc("/query", h.query).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/insert/{table}", h.insert).Methods(http.MethodPost)
	router.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	router.HandleFunc("/tables", h.tables).Methods(http.MethodGet)
	router.PathPrefix("/favicon").Handler(http.NotFoundHandler())

	return cancel, nil
}

func (h *handler) authenticate(resp http.ResponseWriter, req *http.Request) bool {
	if h.Password == "" {
		return true
	}
	password := req.Header.Get(PasswordHeader)
	if password == "" {
		_, password, _ = req.BasicAuth()
	}
	if password != h.Password {
		log.Debugf("Rejecting unauthenticated request from %v", req.RemoteAddr)
		resp.WriteHeader(http.StatusForbidden)
		return false
	}
	return true
}

// acquire waits for a free execution slot. It returns false if the request
// went away or the handler stopped first.
func (h *handler) acquire(ctx context.Context) bool {
	select {
	case h.semaphore <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-h.ctx.Done():
		return false
	}
}

func (h *handler) release() {
	<-h.semaphore
}

// requestContext is canceled when the request goes away, the query times out
// or the handler stops.
func (h *handler) requestContext(req *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(req.Context(), h.QueryTimeout)
	stop := make(chan struct{})
	go func() {
		select {
		case <-h.ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}
