package pool

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Channel is a broker channel: a NATS connection paired with a JetStream
// context for stream-backed publishing and consuming. NATS connections are
// safe for concurrent use, so multiple channels may multiplex one
// connection, the way AMQP channels share a connection.
type Channel struct {
	Conn *nats.Conn
	JS   jetstream.JetStream
}

// NewConnPool builds a bounded pool of broker connections. Dial failures
// surface to the Acquire caller; retry policy belongs to the caller.
func NewConnPool(url string, size int, opts ...nats.Option) *Pool[*nats.Conn] {
	factory := func(_ context.Context) (*nats.Conn, error) {
		nc, err := nats.Connect(url, opts...)
		if err != nil {
			return nil, fmt.Errorf("connect broker %s: %w", url, err)
		}
		return nc, nil
	}
	return New(size, factory, func(nc *nats.Conn) { nc.Close() })
}

// NewChannelPool builds a bounded pool of channels drawn from conns. The
// connection is checked out only for the duration of channel creation; the
// resulting channel keeps a shared reference to it.
func NewChannelPool(conns *Pool[*nats.Conn], size int) *Pool[*Channel] {
	factory := func(ctx context.Context) (*Channel, error) {
		nc, err := conns.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer conns.Release(nc)

		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("create jetstream context: %w", err)
		}
		return &Channel{Conn: nc, JS: js}, nil
	}
	return New(size, factory, nil)
}
