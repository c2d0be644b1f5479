// Package transport wraps the message-queue sockets used by the two core
// endpoints. The underlying library (go-zeromq/zmq4) is assumed to
// provide DEALER and SUB sockets with identity, linger, subscribe, and
// framed multipart send/receive, and nothing else here depends on ZeroMQ
// specifics beyond that surface.
package transport

import "context"

// Socket is the minimal surface RpcEndpoint and SubEndpoint need from a
// message-queue socket.
type Socket interface {
	// Connect dials the given URI. Implementations must be safe to call
	// exactly once per socket instance.
	Connect(uri string) error

	// Send transmits frames as a single multipart message.
	Send(frames [][]byte) error

	// Recv blocks until the next multipart message arrives or ctx is
	// cancelled.
	Recv(ctx context.Context) ([][]byte, error)

	// Close releases the socket and its context. Safe to call multiple
	// times.
	Close() error
}

// Subscriber is the additional surface a SUB socket exposes.
type Subscriber interface {
	Socket
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}
