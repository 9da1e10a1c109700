package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/cenkalti/rpc2"
	"github.com/cenkalti/rpc2/jsonrpc"
	pkgerrors "github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InboundHandler serves a request or notification sent by the server. The
// returned value is the reply for requests and is ignored for notifications.
type InboundHandler func(params []json.RawMessage) (interface{}, error)

// Transport is a JSON-RPC channel to one server
type Transport interface {
	// Handle registers the handler for an inbound method. It must be called
	// before Start.
	Handle(method string, handler InboundHandler)
	// Start begins reading from the connection
	Start()
	// Call sends a request and decodes its result into reply
	Call(ctx context.Context, method string, args interface{}, reply interface{}) error
	// Notify sends a request that expects no reply
	Notify(method string, args interface{}) error
	// DisconnectNotify is closed once the connection is gone
	DisconnectNotify() <-chan struct{}
	Close() error
}

type rpc2Transport struct {
	rpc  *rpc2.Client
	info ConnectionInfo
}

// NewTransport returns a Transport speaking JSON-RPC 1.0 over conn
func NewTransport(conn net.Conn) Transport {
	c := rpc2.NewClientWithCodec(jsonrpc.NewJSONCodec(conn))
	// inbound messages are handled in the order they are read
	c.SetBlocking(true)
	t := &rpc2Transport{rpc: c}
	if conn.LocalAddr() != nil {
		t.info.LocalAddress = conn.LocalAddr().String()
	}
	if conn.RemoteAddr() != nil {
		t.info.RemoteAddress = conn.RemoteAddr().String()
	}
	return t
}

func (t *rpc2Transport) Handle(method string, handler InboundHandler) {
	t.rpc.Handle(method, func(_ *rpc2.Client, args []json.RawMessage, reply *interface{}) error {
		klog.V(5).Infof("Received %s from server: %d params", method, len(args))
		r, err := handler(args)
		if err != nil {
			return err
		}
		*reply = r
		return nil
	})
}

func (t *rpc2Transport) Start() {
	go t.rpc.Run()
}

func (t *rpc2Transport) Call(ctx context.Context, method string, args interface{}, reply interface{}) error {
	klog.V(5).Infof("Sending %s request", method)
	err := t.rpc.CallWithContext(ctx, method, args, reply)
	if err == nil {
		return nil
	}
	var serverErr rpc2.ServerError
	switch {
	case errors.As(err, &serverErr):
		return &RPCError{Method: method, Message: string(serverErr)}
	case errors.Is(err, rpc2.ErrShutdown), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return pkgerrors.Wrapf(ErrNotConnected, "%s: %v", method, err)
	}
	return err
}

func (t *rpc2Transport) Notify(method string, args interface{}) error {
	err := t.rpc.Notify(method, args)
	if errors.Is(err, rpc2.ErrShutdown) {
		return pkgerrors.Wrapf(ErrNotConnected, "%s: %v", method, err)
	}
	return err
}

func (t *rpc2Transport) DisconnectNotify() <-chan struct{} {
	return t.rpc.DisconnectNotify()
}

func (t *rpc2Transport) Close() error {
	return t.rpc.Close()
}

// ConnectionInfo returns the addresses of the underlying connection
func (t *rpc2Transport) ConnectionInfo() ConnectionInfo {
	return t.info
}
