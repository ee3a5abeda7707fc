// Package transport defines the ordered, acknowledged, bidirectional
// connections that transfer packets travel over, plus the framing used by
// the network implementations.
package transport

import (
	"context"
	"errors"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrAddressInUse     = errors.New("port address already bound")
	ErrNoListener       = errors.New("no listener on port address")
	ErrRejected         = errors.New("connection rejected")
	ErrRemote           = errors.New("remote handler failed")
)

// Connection is one end of an established channel between two ports.
// Send delivers a packet and blocks until the remote handler acknowledges
// it; the returned bytes are the remote's acknowledgement.
type Connection interface {
	LocalAddress() string
	RemoteAddress() string
	Send(ctx context.Context, packet []byte) ([]byte, error)
	Close() error
}

// ConnectionHandler observes the lifecycle of one connection. OnReceive
// returns the acknowledgement bytes for the packet it was given.
type ConnectionHandler interface {
	OnOpen(ctx context.Context, c Connection) error
	OnReceive(ctx context.Context, c Connection, packet []byte) ([]byte, error)
	OnClose(ctx context.Context, c Connection, reason error) error
}

// ListenHandler decides how to serve an inbound connection attempt.
type ListenHandler interface {
	OnAccept(ctx context.Context, localAddr, remoteAddr string) (ConnectionHandler, error)
}

// ListenHandlerFunc adapts a function to a ListenHandler.
type ListenHandlerFunc func(ctx context.Context, localAddr, remoteAddr string) (ConnectionHandler, error)

func (f ListenHandlerFunc) OnAccept(ctx context.Context, localAddr, remoteAddr string) (ConnectionHandler, error) {
	return f(ctx, localAddr, remoteAddr)
}

// Accept returns a ListenHandler that serves every inbound connection with h.
func Accept(h ConnectionHandler) ListenHandler {
	return ListenHandlerFunc(func(context.Context, string, string) (ConnectionHandler, error) {
		return h, nil
	})
}
