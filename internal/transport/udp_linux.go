//go:build linux

package transport

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xtxerr/feedrec/internal/errors"
)

type socket struct {
	fd    int
	name  string
	local netip.AddrPort
}

// Group is a set of UDP sockets watched by one epoll instance.
type Group struct {
	name   string
	opts   Options
	epfd   int
	socks  []socket
	events []unix.EpollEvent
	buf    []byte
	closed bool

	readErrors atomic.Int64
}

// NewGroup creates an empty group.
func NewGroup(name string, opts Options) (*Group, error) {
	opts.applyDefaults()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Mark(errors.ErrPollerCreate, fmt.Errorf("epoll_create1: %w", err))
	}

	return &Group{
		name:   name,
		opts:   opts,
		epfd:   epfd,
		events: make([]unix.EpollEvent, opts.MaxEvents),
		buf:    make([]byte, opts.MaxDatagram),
	}, nil
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Len returns the number of bound channels.
func (g *Group) Len() int { return len(g.socks) }

// Bind opens, binds and registers a channel. It returns the channel index
// passed to Poll handlers. A failure leaves the group unchanged.
func (g *Group) Bind(ch ChannelConfig) (int, error) {
	if g.closed {
		return -1, errors.ErrInvalidState
	}

	fd, local, err := openSocket(ch)
	if err != nil {
		return -1, errors.Mark(errors.ErrBind,
			fmt.Errorf("channel %s %s: %w", ch.Name, net.JoinHostPort(ch.Address, strconv.Itoa(ch.Port)), err))
	}

	idx := len(g.socks)
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(idx)}
	if err := unix.EpollCtl(g.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(fd)
		return -1, errors.Mark(errors.ErrBind, fmt.Errorf("channel %s: epoll_ctl: %w", ch.Name, err))
	}

	g.socks = append(g.socks, socket{fd: fd, name: ch.Name, local: local})
	log.Info("channel bound", "group", g.name, "channel", ch.Name, "local", local.String())
	return idx, nil
}

func openSocket(ch ChannelConfig) (int, netip.AddrPort, error) {
	ip, err := resolveIPv4(ch.Address)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	if ch.Port < 0 || ch.Port > 65535 {
		return -1, netip.AddrPort{}, fmt.Errorf("port %d out of range", ch.Port)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("socket: %w", err)
	}
	fail := func(op string, err error) (int, netip.AddrPort, error) {
		unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("SO_REUSEADDR", err)
	}
	if ch.RecvBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, ch.RecvBuffer); err != nil {
			return fail("SO_RCVBUF", err)
		}
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: ch.Port, Addr: ip.As4()}); err != nil {
		return fail("bind", err)
	}

	if ip.IsMulticast() {
		mreq := &unix.IPMreq{Multiaddr: ip.As4()}
		if ch.Interface != "" {
			ifip, err := resolveIPv4(ch.Interface)
			if err != nil {
				return fail("interface", err)
			}
			mreq.Interface = ifip.As4()
		}
		if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
			return fail("IP_ADD_MEMBERSHIP", err)
		}
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	local := netip.AddrPortFrom(ip, uint16(ch.Port))
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		local = netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port))
	}
	return fd, local, nil
}

func resolveIPv4(host string) (netip.Addr, error) {
	if host == "" {
		return netip.IPv4Unspecified(), nil
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		if !ip.Is4() {
			return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", host)
		}
		return ip, nil
	}
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	ip, ok := netip.AddrFromSlice(addr.IP.To4())
	if !ok {
		return netip.Addr{}, fmt.Errorf("%s did not resolve to IPv4", host)
	}
	return ip, nil
}

// LocalAddr returns the bound address of channel ch.
func (g *Group) LocalAddr(ch int) netip.AddrPort {
	if ch < 0 || ch >= len(g.socks) {
		return netip.AddrPort{}
	}
	return g.socks[ch].local
}

// ChannelName returns the configured name of channel ch.
func (g *Group) ChannelName(ch int) string {
	if ch < 0 || ch >= len(g.socks) {
		return ""
	}
	return g.socks[ch].name
}

// Poll waits up to timeout for readable channels and hands every datagram
// read to fn in arrival order per channel. A negative timeout blocks. It
// returns the number of datagrams delivered. An interrupted wait returns
// zero and no error.
func (g *Group) Poll(timeout time.Duration, fn Handler) (int, error) {
	if g.closed {
		return 0, errors.ErrInvalidState
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(g.epfd, g.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	delivered := 0
	for i := 0; i < n; i++ {
		idx := int(g.events[i].Fd)
		if idx < 0 || idx >= len(g.socks) {
			continue
		}
		delivered += g.drain(idx, fn)
	}
	return delivered, nil
}

// drain reads channel idx until it would block or the burst is used up.
// epoll is level-triggered, so leftover datagrams wake the next Poll.
func (g *Group) drain(idx int, fn Handler) int {
	fd := g.socks[idx].fd
	count := 0
	for count < g.opts.Burst {
		m, err := unix.Read(fd, g.buf)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return count
			case unix.EINTR:
				continue
			}
			g.readErrors.Add(1)
			log.Warn("channel read failed", "group", g.name, "channel", g.socks[idx].name, "error", err)
			return count
		}
		fn(idx, g.buf[:m])
		count++
	}
	return count
}

// ReadErrors returns the number of failed socket reads.
func (g *Group) ReadErrors() int64 { return g.readErrors.Load() }

// Close releases every socket and the poller. It is safe to call more
// than once.
func (g *Group) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true

	var errs []error
	for _, s := range g.socks {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.name, err))
		}
	}
	if err := unix.Close(g.epfd); err != nil {
		errs = append(errs, fmt.Errorf("close epoll: %w", err))
	}
	g.socks = nil
	return errors.Join(errs...)
}
