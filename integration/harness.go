//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/fibd/core"
	"github.com/encodeous/fibd/kernel"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/state"
	"github.com/encodeous/fibd/wire"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

type Signal chan bool

func NewSignal() Signal {
	return make(chan bool)
}
func (s Signal) Trigger() {
	select {
	case <-s:
	default:
		close(s)
	}
}
func (s Signal) Triggered() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}
func (s Signal) Wait() {
	<-s
}

const virtualPID = 4242

// VirtualKernel is an in-memory NETLINK_ROUTE peer. It keeps one routing
// table, answers requests and dumps like the kernel does, and multicasts every
// change to the listeners of the channels opened on it.
type VirtualKernel struct {
	sync.Mutex
	links     map[uint32]*wire.LinkMsg
	addrs     []*wire.AddrMsg
	routes    map[netip.Prefix]*wire.RouteMsg
	listeners []*listenSocket
	// Reject makes requests for a prefix fail with the given errno.
	Reject map[netip.Prefix]unix.Errno
	opens  int
}

func NewVirtualKernel() *VirtualKernel {
	return &VirtualKernel{
		links:  make(map[uint32]*wire.LinkMsg),
		routes: make(map[netip.Prefix]*wire.RouteMsg),
		Reject: make(map[netip.Prefix]unix.Errno),
	}
}

// Open is a drop-in for kernel.Open.
func (k *VirtualKernel) Open(cfg kernel.Config) (kernel.Channel, error) {
	k.Lock()
	defer k.Unlock()
	k.opens++
	l := &listenSocket{k: k, ready: make(chan struct{}, 1), closed: make(chan struct{})}
	k.listeners = append(k.listeners, l)
	return kernel.NewNetlink(&cmdSocket{k: k}, l, cfg), nil
}

func (k *VirtualKernel) Opens() int {
	k.Lock()
	defer k.Unlock()
	return k.opens
}

// publish queues b on every open listener. Callers hold the lock.
func (k *VirtualKernel) publish(b []byte) {
	for _, l := range k.listeners {
		l.push(b)
	}
}

func (k *VirtualKernel) publishMsg(m interface{ Marshal() ([]byte, error) }) {
	b, err := m.Marshal()
	if err != nil {
		panic(err)
	}
	k.publish(b)
}

func (k *VirtualKernel) AddLink(index uint32, name string, up bool) {
	k.Lock()
	defer k.Unlock()
	m := &wire.LinkMsg{Header: netlink.Header{Type: wire.MsgNewLink}, Index: index, Name: name}
	if up {
		m.Flags = wire.IffUp | wire.IffRunning
	}
	k.links[index] = m
	k.publishMsg(m)
}

func (k *VirtualKernel) SetLink(index uint32, up bool) {
	k.Lock()
	defer k.Unlock()
	m, ok := k.links[index]
	if !ok {
		panic(fmt.Sprintf("no link %d", index))
	}
	m.Flags = 0
	if up {
		m.Flags = wire.IffUp | wire.IffRunning
	}
	k.publishMsg(m)
}

func (k *VirtualKernel) AddAddr(index uint32, prefix netip.Prefix) {
	k.Lock()
	defer k.Unlock()
	m := wire.NewAddrMsg(wire.MsgNewAddr, index, prefix)
	k.addrs = append(k.addrs, m)
	k.publishMsg(m)
}

func (k *VirtualKernel) DelAddr(index uint32, prefix netip.Prefix) {
	k.Lock()
	defer k.Unlock()
	k.addrs = slices.DeleteFunc(k.addrs, func(m *wire.AddrMsg) bool {
		return m.Index == index && m.Address == prefix.Addr()
	})
	k.publishMsg(wire.NewAddrMsg(wire.MsgDelAddr, index, prefix))
}

// AddRoute installs a route as another actor would, tagged with proto.
func (k *VirtualKernel) AddRoute(prefix netip.Prefix, e *route.Entry, proto uint8) {
	k.Lock()
	defer k.Unlock()
	m := wire.BuildRoute(wire.CmdAdd, prefix, e, e.Nexthops, wire.RouteOptions{Protocol: proto})
	m.Header = netlink.Header{Type: wire.MsgNewRoute}
	k.routes[prefix.Masked()] = m
	k.publishMsg(m)
}

// RemoveRoute deletes a route without going through the daemon.
func (k *VirtualKernel) RemoveRoute(prefix netip.Prefix) {
	k.Lock()
	defer k.Unlock()
	m, ok := k.routes[prefix.Masked()]
	if !ok {
		return
	}
	delete(k.routes, prefix.Masked())
	del := *m
	del.Header = netlink.Header{Type: wire.MsgDelRoute}
	k.publishMsg(&del)
}

// Route returns the kernel's copy of the route for prefix.
func (k *VirtualKernel) Route(prefix netip.Prefix) (*wire.RouteMsg, bool) {
	k.Lock()
	defer k.Unlock()
	m, ok := k.routes[prefix.Masked()]
	return m, ok
}

func (k *VirtualKernel) Routes() []netip.Prefix {
	k.Lock()
	defer k.Unlock()
	out := make([]netip.Prefix, 0, len(k.routes))
	for p := range k.routes {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b netip.Prefix) int {
		return a.Addr().Compare(b.Addr())
	})
	return out
}

// Overrun fails every open listener the way a full socket buffer does.
func (k *VirtualKernel) Overrun() {
	k.Lock()
	defer k.Unlock()
	for _, l := range k.listeners {
		l.fail(unix.ENOBUFS)
	}
}

func (k *VirtualKernel) handle(b []byte) [][]byte {
	k.Lock()
	defer k.Unlock()
	var out [][]byte
	for msg, err := range wire.Split(b) {
		if err != nil {
			panic(err)
		}
		switch msg.Header.Type {
		case wire.MsgNewRoute, wire.MsgDelRoute:
			out = append(out, k.routeRequest(msg))
		case wire.MsgGetLink, wire.MsgGetAddr, wire.MsgGetRoute:
			out = append(out, k.dump(msg.Header))
		default:
			out = append(out, ack(msg.Header, unix.EOPNOTSUPP))
		}
	}
	return out
}

func (k *VirtualKernel) routeRequest(msg netlink.Message) []byte {
	m, err := wire.DecodeRoute(msg)
	if err != nil {
		return ack(msg.Header, unix.EINVAL)
	}
	prefix := m.Prefix()
	if errno, ok := k.Reject[prefix]; ok {
		return ack(msg.Header, errno)
	}
	_, exists := k.routes[prefix]
	switch {
	case msg.Header.Type == wire.MsgDelRoute && !exists:
		return ack(msg.Header, unix.ESRCH)
	case msg.Header.Type == wire.MsgDelRoute:
		delete(k.routes, prefix)
	case exists && msg.Header.Flags&netlink.Replace == 0:
		return ack(msg.Header, unix.EEXIST)
	default:
		k.routes[prefix] = m
	}
	note := *m
	note.Header = netlink.Header{Type: msg.Header.Type, PID: virtualPID}
	k.publishMsg(&note)
	return ack(msg.Header, 0)
}

func (k *VirtualKernel) dump(h netlink.Header) []byte {
	var msgs []interface{ Marshal() ([]byte, error) }
	reply := netlink.Header{Flags: netlink.Multi, Sequence: h.Sequence, PID: virtualPID}
	switch h.Type {
	case wire.MsgGetLink:
		for _, m := range k.links {
			c := *m
			c.Header = reply
			c.Header.Type = wire.MsgNewLink
			msgs = append(msgs, &c)
		}
	case wire.MsgGetAddr:
		for _, m := range k.addrs {
			c := *m
			c.Header = reply
			c.Header.Type = wire.MsgNewAddr
			msgs = append(msgs, &c)
		}
	case wire.MsgGetRoute:
		for _, m := range k.routes {
			c := *m
			c.Header = reply
			c.Header.Type = wire.MsgNewRoute
			msgs = append(msgs, &c)
		}
	}
	var out []byte
	for _, m := range msgs {
		b, err := m.Marshal()
		if err != nil {
			panic(err)
		}
		out = append(out, b...)
	}
	done, err := wire.EncodeDone(h.Sequence, virtualPID)
	if err != nil {
		panic(err)
	}
	return append(out, done...)
}

func ack(h netlink.Header, errno unix.Errno) []byte {
	b, err := wire.EncodeAck(h, virtualPID, int32(errno))
	if err != nil {
		panic(err)
	}
	return b
}

// cmdSocket answers synchronously; only the main loop touches it.
type cmdSocket struct {
	k      *VirtualKernel
	queue  [][]byte
	closed bool
}

func (s *cmdSocket) Send(b []byte) error {
	if s.closed {
		return net.ErrClosed
	}
	s.queue = append(s.queue, s.k.handle(b)...)
	return nil
}

func (s *cmdSocket) Recv(b []byte) (int, error) {
	if len(s.queue) == 0 {
		return 0, kernel.ErrWouldBlock
	}
	n := copy(b, s.queue[0])
	s.queue = s.queue[1:]
	return n, nil
}

func (s *cmdSocket) Wait(ctx context.Context) error { return nil }
func (s *cmdSocket) PortID() uint32                 { return virtualPID }
func (s *cmdSocket) Close() error {
	s.closed = true
	return nil
}

type listenSocket struct {
	k      *VirtualKernel
	mu     sync.Mutex
	queue  [][]byte
	err    error
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (s *listenSocket) push(b []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, b)
	s.mu.Unlock()
	s.wake()
}

func (s *listenSocket) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.wake()
}

func (s *listenSocket) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *listenSocket) Send(b []byte) error { return unix.EOPNOTSUPP }

func (s *listenSocket) Recv(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if len(s.queue) == 0 {
		return 0, kernel.ErrWouldBlock
	}
	n := copy(b, s.queue[0])
	s.queue = s.queue[1:]
	return n, nil
}

func (s *listenSocket) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		pending := len(s.queue) > 0 || s.err != nil
		s.mu.Unlock()
		if pending {
			return nil
		}
		select {
		case <-s.ready:
		case <-s.closed:
			return net.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *listenSocket) PortID() uint32 { return 0 }

func (s *listenSocket) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.k.Lock()
		s.k.listeners = slices.DeleteFunc(s.k.listeners, func(l *listenSocket) bool { return l == s })
		s.k.Unlock()
	})
	return nil
}

// VirtualHarness runs one daemon against a VirtualKernel.
type VirtualHarness struct {
	Config state.Config
	Kernel *VirtualKernel
	// Open replaces the virtual kernel, e.g. with a real one in a namespace.
	Open    func(kernel.Config) (kernel.Channel, error)
	Context context.Context
	Cancel  context.CancelCauseFunc
	State   *state.State
	done    chan struct{}
}

func NewVirtualHarness() *VirtualHarness {
	vk := NewVirtualKernel()
	vk.AddLink(1, "lo", true)
	vk.AddLink(2, "eth0", true)
	vk.AddAddr(2, netip.MustParsePrefix("10.0.0.10/24"))
	vk.AddAddr(2, netip.MustParsePrefix("2001:db8::10/64"))
	return &VirtualHarness{
		Config: state.Config{SweepDelay: 200 * time.Millisecond},
		Kernel: vk,
	}
}

// Start runs the daemon and waits until its main loop is running. Errors
// from the daemon are sent on the returned channel.
func (v *VirtualHarness) Start() chan error {
	errChan := make(chan error, 2)
	v.Context, v.Cancel = context.WithCancelCause(context.Background())
	v.done = make(chan struct{})
	state.ExpandConfig(&v.Config)

	open := v.Open
	if open == nil {
		open = v.Kernel.Open
	}
	ready := make(chan *state.State, 1)
	go func() {
		defer close(v.done)
		err := core.Start(v.Config, core.Options{
			Level:   slog.LevelDebug,
			Trace:   true,
			Open:    open,
			Context: v.Context,
			Ready: func(s *state.State) {
				ready <- s
			},
		})
		if err != nil {
			errChan <- err
		}
	}()
	select {
	case v.State = <-ready:
	case <-v.done:
		errChan <- errors.New("daemon exited before it was ready")
	}
	return errChan
}

func (v *VirtualHarness) Stop() {
	println("Stopping VirtualHarness")
	v.Cancel(fmt.Errorf("stopping harness"))
	<-v.done
	println("Stopped VirtualHarness")
}

// Do runs fn on the daemon's main loop.
func Do[T any](v *VirtualHarness, fn func(s *state.State) T) T {
	out, err := state.DispatchWait(v.State.Env, func(s *state.State) (T, error) {
		return fn(s), nil
	})
	if err != nil {
		panic(err)
	}
	return out
}

// Eventually polls cond on the main loop until it holds or timeout passes.
func (v *VirtualHarness) Eventually(cond func(s *state.State) bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if Do(v, cond) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// Installed waits until the kernel holds a route for prefix and reports whether it does.
func (v *VirtualHarness) Installed(prefix netip.Prefix, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok := v.Kernel.Route(prefix); ok {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// Withdrawn waits until the kernel holds no route for prefix.
func (v *VirtualHarness) Withdrawn(prefix netip.Prefix, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok := v.Kernel.Route(prefix); !ok {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
