package rpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/getlantern/errors"
	"github.com/getlantern/regiondb/command"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/core"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type ClientOpts struct {
	// Password, if specified, is the password that client will present to server
	// in order to gain access.
	Password string

	Dialer func(addr string, timeout time.Duration) (net.Conn, error)
}

type Client interface {
	Execute(ctx context.Context, req *command.Request, opts ...grpc.CallOption) (*core.Result, error)

	Close() error
}

func Dial(addr string, opts *ClientOpts) (Client, error) {
	if opts.Dialer == nil {
		opts.Dialer = func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		}
	}

	conn, err := grpc.Dial(addr,
		grpc.WithInsecure(),
		grpc.WithDialer(snappyDialer(opts.Dialer)),
		grpc.WithCodec(Codec),
		grpc.WithBackoffMaxDelay(1*time.Minute))
	if err != nil {
		return nil, err
	}
	return &client{conn, opts.Password}, nil
}

type client struct {
	cc       *grpc.ClientConn
	password string
}

func (c *client) Execute(ctx context.Context, req *command.Request, opts ...grpc.CallOption) (*core.Result, error) {
	stream, err := grpc.NewClientStream(c.authenticated(ctx), &ServiceDesc.Streams[0], c.cc, "/regiondb/execute", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	header := &Header{}
	if err := stream.RecvMsg(header); err != nil {
		return nil, err
	}
	result := &core.Result{Fields: header.Fields, IsQuery: header.IsQuery}
	for {
		rr := &RemoteResult{}
		if err := stream.RecvMsg(rr); err != nil {
			return nil, errors.New("Unable to read result: %v", err)
		}
		if rr.Error != "" {
			return nil, errors.New("%v", rr.Error)
		}
		if rr.EndOfResults {
			if !result.IsQuery {
				result.RowCount = rr.RowCount
			}
			return result, nil
		}
		row := make(core.Row, len(rr.Row))
		for k, v := range rr.Row {
			row[k] = common.Normalize(v)
		}
		result.AddRow(row)
	}
}

func (c *client) Close() error {
	return c.cc.Close()
}

func (c *client) authenticated(ctx context.Context) context.Context {
	if c.password == "" {
		return ctx
	}
	md := metadata.New(map[string]string{PasswordKey: c.password})
	return metadata.NewOutgoingContext(ctx, md)
}

// Forwarder implements command.Forwarder over a pool of clients, one per node.
type Forwarder struct {
	address func(common.NodeID) (string, error)
	opts    *ClientOpts
	clients map[common.NodeID]Client
	mx      sync.Mutex
}

// NewForwarder creates a Forwarder that resolves node addresses with address.
func NewForwarder(address func(common.NodeID) (string, error), opts *ClientOpts) *Forwarder {
	return &Forwarder{
		address: address,
		opts:    opts,
		clients: make(map[common.NodeID]Client),
	}
}

func (f *Forwarder) clientFor(node common.NodeID) (Client, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	c, found := f.clients[node]
	if found {
		return c, nil
	}
	addr, err := f.address(node)
	if err != nil {
		return nil, err
	}
	c, err = Dial(addr, f.opts)
	if err != nil {
		return nil, errors.New("Unable to dial %v at %v: %v", node, addr, err)
	}
	log.Debugf("Connected to %v at %v", node, addr)
	f.clients[node] = c
	return c, nil
}

func (f *Forwarder) Forward(ctx context.Context, node common.NodeID, req *command.Request) (*core.Result, error) {
	c, err := f.clientFor(node)
	if err != nil {
		return nil, &common.RemoteDispatchError{Node: node, Partition: req.Partition, Err: err}
	}
	result, err := c.Execute(ctx, req)
	if err != nil {
		return nil, &common.RemoteDispatchError{Node: node, Partition: req.Partition, Err: err}
	}
	return result, nil
}

// Close closes all clients.
func (f *Forwarder) Close() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	for node, c := range f.clients {
		if err := c.Close(); err != nil {
			log.Errorf("Error closing client for %v: %v", node, err)
		}
		delete(f.clients, node)
	}
	return nil
}
