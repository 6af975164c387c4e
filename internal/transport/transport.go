// Package transport receives UDP datagrams on groups of channels.
//
// A Group owns one readiness poller and any number of non-blocking
// datagram sockets. It is serviced by exactly one goroutine: Bind, Poll and
// Close must not be called concurrently.
package transport

import (
	"github.com/xtxerr/feedrec/config"
	"github.com/xtxerr/feedrec/internal/logging"
)

var log = logging.Component("transport")

// ChannelConfig describes one datagram channel.
type ChannelConfig struct {
	// Name identifies the channel in logs and stats.
	Name string

	// Address is the local IPv4 address or host name to bind. A multicast
	// address joins that group.
	Address string

	// Port is the local UDP port. Zero picks an ephemeral port.
	Port int

	// Interface is the local address used for multicast membership.
	// Empty lets the kernel choose.
	Interface string

	// RecvBuffer is the requested SO_RCVBUF in bytes. Zero keeps the
	// kernel default.
	RecvBuffer int
}

// Options configures a Group.
type Options struct {
	// MaxDatagram is the receive buffer size. Longer datagrams are
	// truncated by the kernel.
	MaxDatagram int

	// MaxEvents is the readiness batch size per wait.
	MaxEvents int

	// Burst bounds the datagrams read from one channel per wakeup so a
	// busy channel cannot starve the others in its group.
	Burst int
}

// DefaultOptions returns default group options.
func DefaultOptions() Options {
	return Options{
		MaxDatagram: config.DefaultMaxDatagram,
		MaxEvents:   config.DefaultMaxEvents,
		Burst:       config.DefaultBurst,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.MaxDatagram <= 0 {
		o.MaxDatagram = def.MaxDatagram
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = def.MaxEvents
	}
	if o.Burst <= 0 {
		o.Burst = def.Burst
	}
}

// Handler receives one datagram read from channel ch. The slice is only
// valid until the handler returns.
type Handler func(ch int, datagram []byte)
