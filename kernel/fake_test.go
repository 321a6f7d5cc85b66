package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/encodeous/fibd/wire"
	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/require"
)

// fakeSocket replays canned datagrams. reply, when set, produces the
// datagrams queued in response to each Send.
type fakeSocket struct {
	pid    uint32
	sent   [][]byte
	queue  [][]byte
	reply  func(b []byte) [][]byte
	sendFn func(b []byte) error
	recvFn func() error
	closed int
}

func (s *fakeSocket) Send(b []byte) error {
	s.sent = append(s.sent, append([]byte(nil), b...))
	if s.sendFn != nil {
		if err := s.sendFn(b); err != nil {
			return err
		}
	}
	if s.reply != nil {
		s.queue = append(s.queue, s.reply(b)...)
	}
	return nil
}

func (s *fakeSocket) Recv(b []byte) (int, error) {
	if s.recvFn != nil {
		if err := s.recvFn(); err != nil {
			return 0, err
		}
	}
	if len(s.queue) == 0 {
		return 0, ErrWouldBlock
	}
	n := copy(b, s.queue[0])
	s.queue = s.queue[1:]
	return n, nil
}

func (s *fakeSocket) Wait(ctx context.Context) error {
	if len(s.queue) > 0 {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeSocket) PortID() uint32 { return s.pid }

func (s *fakeSocket) Close() error {
	s.closed++
	return nil
}

var errBroken = errors.New("socket broken")

// sentHeader returns the header of the single netlink message in b.
func sentHeader(t *testing.T, b []byte) netlink.Header {
	t.Helper()
	for msg, err := range wire.Split(b) {
		require.NoError(t, err)
		return msg.Header
	}
	t.Fatal("empty datagram")
	return netlink.Header{}
}

func ackWith(t *testing.T, pid uint32, errno int32) func([]byte) [][]byte {
	return func(b []byte) [][]byte {
		ack, err := wire.EncodeAck(sentHeader(t, b), pid, errno)
		require.NoError(t, err)
		return [][]byte{ack}
	}
}

func concat(bs ...[]byte) []byte {
	var out []byte
	for _, b := range bs {
		out = append(out, b...)
	}
	return out
}
