// Package rpc provides the wire protocol used to forward commands to the
// nodes hosting remote partitions.
package rpc

import (
	"github.com/getlantern/golog"
	"github.com/getlantern/regiondb/command"
	"google.golang.org/grpc"
)

const (
	PasswordKey = "pwd"
)

var (
	log = golog.LoggerFor("regiondb.rpc")

	Codec = &MsgPackCodec{}
)

// Header starts the response to a forwarded request.
type Header struct {
	Fields  []string
	IsQuery bool
}

// RemoteResult carries one row of a response, or its end.
type RemoteResult struct {
	Row          map[string]interface{}
	RowCount     int
	Error        string
	EndOfResults bool
}

type Server interface {
	Execute(*command.Request, grpc.ServerStream) error
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "regiondb",
	HandlerType: (*Server)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "execute",
			Handler:       executeHandler,
			ServerStreams: true,
		},
	},
}

func executeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(command.Request)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(Server).Execute(req, stream)
}
