// feedsend sends synthetic framed records to a feedrecd channel. It is
// used for soak tests and receive latency measurements.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/xtxerr/feedrec/config"
	"github.com/xtxerr/feedrec/internal/clock"
	"github.com/xtxerr/feedrec/internal/codec"
	"github.com/xtxerr/feedrec/internal/logging"
	"github.com/xtxerr/feedrec/internal/record"
	"github.com/xtxerr/feedrec/internal/synth"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("feedsend")

type options struct {
	target string
	rate   int
	count  int64
	depth  bool
	trades bool
	report int64
	seed   uint64
	warmup time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.target, "target", "127.0.0.1:9001", "destination host:port")
	flag.IntVar(&o.rate, "rate", 1000, "datagrams per second, 0 sends as fast as possible")
	flag.Int64Var(&o.count, "count", 0, "datagrams to send, 0 runs until interrupted")
	flag.BoolVar(&o.depth, "depth", false, "append a synthetic depth frame to every datagram")
	flag.BoolVar(&o.trades, "trades", false, "append a synthetic trade frame to every datagram")
	flag.Int64Var(&o.report, "report", 100000, "log the mean send time every N datagrams")
	flag.Uint64Var(&o.seed, "seed", 1, "random seed")
	flag.DurationVar(&o.warmup, "warmup", config.DefaultClockWarmup, "clock warmup")
	logLevel := flag.String("log-level", "info", "log level")
	logJSON := flag.Bool("log-json", !term.IsTerminal(int(os.Stderr.Fd())), "log as JSON (default when stderr is not a terminal)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("feedsend", Version)
		return
	}

	logging.Init(logging.ParseLevel(*logLevel), *logJSON)

	if err := run(o); err != nil {
		log.Error("feedsend failed", "error", err)
		os.Exit(1)
	}
}

func run(o options) error {
	gen, err := synth.New(synth.Options{
		Instruments: synth.DefaultOptions().Instruments,
		Seed:        o.seed,
	})
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}

	raddr, err := net.ResolveUDPAddr("udp4", o.target)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", o.target, err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", o.target, err)
	}
	defer conn.Close()

	clk := clock.New(clock.DefaultOptions())
	if err := clk.Init(o.warmup, config.DefaultCalibrationInterval); err != nil {
		return fmt.Errorf("init clock: %w", err)
	}
	if err := clk.Start(); err != nil {
		return fmt.Errorf("start clock: %w", err)
	}
	defer clk.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("sending", "target", raddr.String(), "rate", o.rate, "depth", o.depth, "trades", o.trades)

	var (
		buf      []byte
		probe    record.Generic
		depth    record.Depth
		trade    record.Trade
		sendNs   int64
		sent     int64
		failures int64
		interval time.Duration
	)
	if o.rate > 0 {
		interval = time.Second / time.Duration(o.rate)
	}
	start := time.Now()

	for ; o.count == 0 || sent < o.count; sent++ {
		if ctx.Err() != nil {
			break
		}

		nowMs := clk.Now() / int64(time.Millisecond)
		buf = buf[:0]

		gen.Probe(nowMs, &probe)
		if buf, err = codec.AppendRecord[record.Generic](buf, record.KindGeneric.Tag(), codec.GenericCodec{}, &probe); err != nil {
			return err
		}
		if o.depth {
			gen.Depth(nowMs, &depth)
			if buf, err = codec.AppendRecord[record.Depth](buf, record.KindDepth.Tag(), codec.DepthCodec{}, &depth); err != nil {
				return err
			}
		}
		if o.trades {
			gen.Trade(nowMs, &trade)
			if buf, err = codec.AppendRecord[record.Trade](buf, record.KindTrade.Tag(), codec.TradeCodec{}, &trade); err != nil {
				return err
			}
		}
		gen.NextCycle()

		before := clk.Now()
		if _, err := conn.Write(buf); err != nil {
			if failures++; failures&(failures-1) == 0 {
				log.Warn("send failed", "count", failures, "error", err)
			}
		}
		sendNs += clk.Now() - before

		if o.report > 0 && (sent+1)%o.report == 0 {
			log.Info("send time", "datagrams", sent+1, "mean_ns", sendNs/o.report)
			sendNs = 0
		}

		if interval > 0 {
			if d := time.Until(start.Add(time.Duration(sent+1) * interval)); d > 0 {
				time.Sleep(d)
			}
		}
	}

	total, data := gen.Sequence()
	log.Info("done", "datagrams", sent, "failures", failures, "total_id", total, "data_id", data,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
