// File: server/listen.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listen and connect entry points. Listeners are plain connection-table
// slots with an internal accept protocol attached; each worker binds its
// own socket with SO_REUSEPORT so every process accepts independently.

package server

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/api"
)

// ErrNoCallback is returned when a listen/connect call lacks its callback.
var ErrNoCallback = errors.New("server: missing callback")

// ListenArgs parameterizes Listen.
type ListenArgs struct {
	// Address restricts the bind ("" binds every interface).
	Address string
	// Port is the service port, e.g. "3000".
	Port string
	// UData is handed to every callback untouched.
	UData any
	// OnOpen runs for every accepted connection; it should attach a
	// protocol or close the uuid.
	OnOpen func(uuid api.UUID, udata any)
	// OnStart runs once the listening socket is open in this process.
	OnStart func(uuid api.UUID, udata any)
	// OnFinish runs when the listening socket closes.
	OnFinish func(uuid api.UUID, udata any)
}

// ConnectArgs parameterizes Connect.
type ConnectArgs struct {
	Address string
	Port    string
	UData   any
	// OnConnect runs once the connection is established; it should attach
	// a protocol or close the uuid.
	OnConnect func(uuid api.UUID, udata any)
	// OnFail runs when the connection cannot be established.
	OnFail func(uuid api.UUID, udata any)
	// Timeout bounds connection establishment, in seconds (0 = none).
	Timeout uint8
}

// Listen opens a listening socket and returns its server UUID. In the
// cluster root the socket is not opened (workers bind their own copies
// with SO_REUSEPORT when they re-execute this call); InvalidUUID with a
// nil error is returned there.
func (rt *Runtime) Listen(args ListenArgs) (api.UUID, error) {
	if args.OnOpen == nil {
		return api.InvalidUUID, ErrNoCallback
	}
	la := args
	if !rt.IsWorker() {
		return api.InvalidUUID, nil
	}
	return rt.openListener(&la)
}

func (rt *Runtime) openListener(la *ListenArgs) (api.UUID, error) {
	sa, family, err := tcpSockaddr(la.Address, la.Port)
	if err != nil {
		return api.InvalidUUID, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return api.InvalidUUID, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return api.InvalidUUID, fmt.Errorf("server: bind %s:%s: %w", la.Address, la.Port, err)
	}
	if err = unix.Listen(fd, rt.cfg.ListenBacklog); err != nil {
		_ = unix.Close(fd)
		return api.InvalidUUID, fmt.Errorf("server: listen %s:%s: %w", la.Address, la.Port, err)
	}
	u, err := rt.table.Open(fd)
	if err != nil {
		_ = unix.Close(fd)
		return api.InvalidUUID, err
	}
	if err = rt.table.Attach(u, &acceptProtocol{rt: rt, args: la}); err != nil {
		return api.InvalidUUID, err
	}
	rt.mu.Lock()
	rt.listenerIDs = append(rt.listenerIDs, u)
	rt.mu.Unlock()
	if la.OnStart != nil {
		la.OnStart(u, la.UData)
	}
	return u, nil
}

func (rt *Runtime) closeListeners() {
	rt.mu.Lock()
	ids := append([]api.UUID(nil), rt.listenerIDs...)
	rt.mu.Unlock()
	for _, u := range ids {
		if rt.table.IsValid(u) {
			_ = rt.table.ForceClose(u)
		}
	}
}

// acceptProtocol drains the accept queue whenever the listener polls
// readable.
type acceptProtocol struct {
	api.ProtocolBase
	rt   *Runtime
	args *ListenArgs
}

func (p *acceptProtocol) OnData(u api.UUID) {
	for {
		fd, sa, err := unix.Accept4(u.FD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		cu, err := p.rt.table.Open(fd)
		if err != nil {
			_ = unix.Close(fd)
			continue
		}
		_ = p.rt.table.SetPeer(cu, sockaddrString(sa))
		p.args.OnOpen(cu, p.args.UData)
	}
}

func (p *acceptProtocol) OnClose(u api.UUID) {
	if p.args.OnFinish != nil {
		p.args.OnFinish(u, p.args.UData)
	}
}

// Connect opens a non-blocking client connection. The returned UUID is
// live once OnConnect fires; OnFail reports a failed or timed-out attempt.
func (rt *Runtime) Connect(args ConnectArgs) (api.UUID, error) {
	if args.OnConnect == nil {
		return api.InvalidUUID, ErrNoCallback
	}
	sa, family, err := tcpSockaddr(args.Address, args.Port)
	if err != nil {
		return api.InvalidUUID, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return api.InvalidUUID, err
	}
	if err = unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return api.InvalidUUID, err
	}
	u, err := rt.table.Open(fd)
	if err != nil {
		_ = unix.Close(fd)
		return api.InvalidUUID, err
	}
	cp := &connectProtocol{rt: rt, args: args}
	if err = rt.table.Attach(u, cp); err != nil {
		return api.InvalidUUID, err
	}
	if args.Timeout > 0 {
		_ = rt.timers.RunEvery(int64(args.Timeout)*1000, 1, func(arg any) error {
			if atomic.LoadInt32(&cp.settled) == 0 {
				_ = rt.table.ForceClose(arg.(api.UUID))
			}
			return nil
		}, u, nil)
	}
	return u, nil
}

// connectProtocol waits for the first writability event, which settles a
// non-blocking connect.
type connectProtocol struct {
	api.ProtocolBase
	rt      *Runtime
	args    ConnectArgs
	settled int32
}

func (p *connectProtocol) OnReady(u api.UUID) {
	if !atomic.CompareAndSwapInt32(&p.settled, 0, 1) {
		return
	}
	soErr, err := unix.GetsockoptInt(u.FD(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soErr != 0 {
		if p.args.OnFail != nil {
			p.args.OnFail(u, p.args.UData)
		}
		_ = p.rt.table.ForceClose(u)
		return
	}
	if sa, err := unix.Getpeername(u.FD()); err == nil {
		_ = p.rt.table.SetPeer(u, sockaddrString(sa))
	}
	p.args.OnConnect(u, p.args.UData)
}

func (p *connectProtocol) OnClose(u api.UUID) {
	if atomic.CompareAndSwapInt32(&p.settled, 0, 1) && p.args.OnFail != nil {
		p.args.OnFail(u, p.args.UData)
	}
}

// tcpSockaddr resolves host/port into a bindable or connectable sockaddr.
func tcpSockaddr(address, port string) (unix.Sockaddr, int, error) {
	host := address
	if host == "" {
		host = "0.0.0.0"
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, 0, err
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprint(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprint(a.Port))
	default:
		return ""
	}
}
