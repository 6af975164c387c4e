//go:build !linux

package transport

import (
	"net/netip"
	"time"

	"github.com/xtxerr/feedrec/internal/errors"
)

// Group is unavailable on this platform.
type Group struct{}

// NewGroup reports ErrUnsupported: channel groups need epoll.
func NewGroup(name string, opts Options) (*Group, error) {
	return nil, errors.Mark(errors.ErrPollerCreate, errors.ErrUnsupported)
}

func (g *Group) Name() string                       { return "" }
func (g *Group) Len() int                           { return 0 }
func (g *Group) LocalAddr(ch int) netip.AddrPort    { return netip.AddrPort{} }
func (g *Group) ChannelName(ch int) string          { return "" }
func (g *Group) ReadErrors() int64                  { return 0 }
func (g *Group) Close() error                       { return nil }
func (g *Group) Bind(ch ChannelConfig) (int, error) { return -1, errors.ErrUnsupported }

func (g *Group) Poll(timeout time.Duration, fn Handler) (int, error) {
	return 0, errors.ErrUnsupported
}
