package kernel

import (
	"fmt"

	"github.com/encodeous/fibd/wire"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

type requestState uint8

const (
	stateSent requestState = iota
	stateAck
	stateError
	stateDone
)

func (s requestState) String() string {
	switch s {
	case stateSent:
		return "sent"
	case stateAck:
		return "ack"
	case stateError:
		return "error"
	case stateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// request tracks one outstanding netlink request. Replies are accumulated
// until the kernel acknowledges, reports an error, or ends a multipart dump.
type request struct {
	seq     uint32
	pid     uint32
	typ     netlink.HeaderType
	state   requestState
	errno   unix.Errno
	replies []netlink.Message
}

func (r *request) finished() bool {
	return r.state != stateSent
}

// handle feeds one reply into the state machine. It returns false when the
// message belongs to some other request.
func (r *request) handle(msg netlink.Message) (bool, error) {
	if msg.Header.Sequence != r.seq || (msg.Header.PID != 0 && msg.Header.PID != r.pid) {
		return false, nil
	}
	switch msg.Header.Type {
	case netlink.Error:
		ack, err := wire.DecodeAck(msg.Data)
		if err != nil {
			return true, err
		}
		if ack.Errno == 0 {
			r.state = stateAck
		} else {
			r.state = stateError
			r.errno = unix.Errno(ack.Errno)
		}
	case netlink.Done:
		r.state = stateDone
	case netlink.Noop:
	case netlink.Overrun:
		r.state = stateError
		r.errno = unix.ENOBUFS
	default:
		r.replies = append(r.replies, msg)
		if msg.Header.Flags&netlink.Multi == 0 && r.typ != wire.MsgNewRoute && r.typ != wire.MsgDelRoute {
			r.state = stateDone
		}
	}
	return true, nil
}
