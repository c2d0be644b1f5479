package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// SubSocket is a zmq4-backed SUB socket used by SubEndpoint.
type SubSocket struct {
	mu   sync.Mutex
	ctx  context.Context
	cncl context.CancelFunc
	sck  zmq4.Socket
}

func NewSubSocket() *SubSocket {
	ctx, cancel := context.WithCancel(context.Background())
	sck := zmq4.NewSub(ctx)
	return &SubSocket{ctx: ctx, cncl: cancel, sck: sck}
}

func (s *SubSocket) Connect(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.sck.SetOption(optionLinger, 0)
	if err := s.sck.Dial(uri); err != nil {
		return fmt.Errorf("sub dial %s: %w", uri, err)
	}
	return nil
}

func (s *SubSocket) Subscribe(topic string) error {
	s.mu.Lock()
	sck := s.sck
	s.mu.Unlock()

	if sck == nil {
		return fmt.Errorf("sub socket closed")
	}
	return sck.SetOption(zmq4.OptionSubscribe, topic)
}

func (s *SubSocket) Unsubscribe(topic string) error {
	s.mu.Lock()
	sck := s.sck
	s.mu.Unlock()

	if sck == nil {
		return fmt.Errorf("sub socket closed")
	}
	return sck.SetOption(zmq4.OptionUnsubscribe, topic)
}

func (s *SubSocket) Send(frames [][]byte) error {
	return fmt.Errorf("sub socket does not send")
}

func (s *SubSocket) Recv(ctx context.Context) ([][]byte, error) {
	s.mu.Lock()
	sck := s.sck
	s.mu.Unlock()

	if sck == nil {
		return nil, fmt.Errorf("sub socket closed")
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

func (s *SubSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sck == nil {
		return nil
	}
	err := s.sck.Close()
	s.sck = nil
	s.cncl()
	return err
}
