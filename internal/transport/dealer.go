package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// optionLinger is the socket-option key used to request zero linger on
// close. zmq4 v0.17.0 does not export a named constant for it.
const optionLinger = "LINGER"

// DealerSocket is a zmq4-backed DEALER socket used by RpcEndpoint.
type DealerSocket struct {
	mu   sync.Mutex
	ctx  context.Context
	cncl context.CancelFunc
	sck  zmq4.Socket
}

// NewDealerSocket creates an unconnected DEALER socket with the given
// routing identity and zero linger (Connect dials it).
func NewDealerSocket(identity string) *DealerSocket {
	ctx, cancel := context.WithCancel(context.Background())
	sck := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(identity)))
	return &DealerSocket{ctx: ctx, cncl: cancel, sck: sck}
}

func (d *DealerSocket) Connect(uri string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_ = d.sck.SetOption(optionLinger, 0)
	if err := d.sck.Dial(uri); err != nil {
		return fmt.Errorf("dealer dial %s: %w", uri, err)
	}
	return nil
}

func (d *DealerSocket) Send(frames [][]byte) error {
	d.mu.Lock()
	sck := d.sck
	d.mu.Unlock()

	if sck == nil {
		return fmt.Errorf("dealer socket closed")
	}
	return sck.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (d *DealerSocket) Recv(ctx context.Context) ([][]byte, error) {
	d.mu.Lock()
	sck := d.sck
	d.mu.Unlock()

	if sck == nil {
		return nil, fmt.Errorf("dealer socket closed")
	}

	type result struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := sck.Recv()
		done <- result{msg: msg, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.msg.Frames, nil
	}
}

func (d *DealerSocket) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sck == nil {
		return nil
	}
	err := d.sck.Close()
	d.sck = nil
	d.cncl()
	return err
}
