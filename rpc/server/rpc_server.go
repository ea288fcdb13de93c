package rpcserver

import (
	"context"
	"net"

	"github.com/getlantern/golog"
	"github.com/getlantern/mtime"
	"github.com/getlantern/regiondb/command"
	"github.com/getlantern/regiondb/core"
	"github.com/getlantern/regiondb/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

var (
	log = golog.LoggerFor("regiondb.rpc")
)

type Opts struct {
	// Password, if specified, is the password that clients must present in order
	// to access the server.
	Password string
}

// DB is an interface for database-like things (implemented by regiondb.DB).
type DB interface {
	// ExecuteRequest executes a forwarded request against the partition it is
	// bound to, which must be hosted locally.
	ExecuteRequest(ctx context.Context, req *command.Request) (*core.Result, error)
}

// PrepareServer prepares a server that serves db on l. Call start to serve and
// stop to stop serving.
func PrepareServer(db DB, l net.Listener, opts *Opts) (start func() error, stop func()) {
	l = &rpc.SnappyListener{Listener: l}
	gs := grpc.NewServer(grpc.CustomCodec(rpc.Codec))
	gs.RegisterService(&rpc.ServiceDesc, &server{db, opts.Password})
	return func() error {
		return gs.Serve(l)
	}, gs.Stop
}

func Serve(db DB, l net.Listener, opts *Opts) error {
	start, _ := PrepareServer(db, l, opts)
	return start()
}

type server struct {
	db       DB
	password string
}

func (s *server) Execute(req *command.Request, stream grpc.ServerStream) error {
	authorizeErr := s.authorize(stream)
	if authorizeErr != nil {
		return authorizeErr
	}

	elapsed := mtime.Stopwatch()
	result, err := s.db.ExecuteRequest(stream.Context(), req)
	if err != nil {
		log.Debugf("Unable to execute %v on %v: %v", req.ID, req.Partition, err)
		// errors travel in band so that the client sees the original message
		if sendErr := stream.SendMsg(&rpc.Header{}); sendErr != nil {
			return sendErr
		}
		return stream.SendMsg(&rpc.RemoteResult{Error: err.Error(), EndOfResults: true})
	}
	defer func() {
		log.Debugf("Executed %v on %v in %v: %v", req.ID, req.Partition, elapsed(), result)
	}()

	err = stream.SendMsg(&rpc.Header{Fields: result.Fields, IsQuery: result.IsQuery})
	if err != nil {
		return err
	}

	rr := &rpc.RemoteResult{}
	for _, row := range result.Rows {
		rr.Row = row
		err = stream.SendMsg(rr)
		if err != nil {
			return err
		}
	}

	// Send end of results
	rr.Row = nil
	rr.RowCount = result.RowCount
	rr.EndOfResults = true
	return stream.SendMsg(rr)
}

func (s *server) authorize(stream grpc.ServerStream) error {
	if s.password == "" {
		log.Debug("No password specified, allowing access to world")
		return nil
	}
	md, ok := metadata.FromIncomingContext(stream.Context())
	if !ok {
		return log.Error("No metadata provided, unable to authenticate")
	}
	passwords := md[rpc.PasswordKey]
	for _, password := range passwords {
		if password == s.password {
			// authorized
			return nil
		}
	}
	return log.Error("None of the provided passwords matched, not authorized!")
}
