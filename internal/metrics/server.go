package metrics

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/feedrec/config"
	"github.com/xtxerr/feedrec/internal/logging"
)

var log = logging.Component("metrics")

// Config configures the exposition endpoint.
type Config struct {
	// Listen is the TCP address. Empty disables the endpoint.
	Listen string `yaml:"listen"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// DefaultConfig returns the default endpoint configuration.
func DefaultConfig() Config {
	return Config{Listen: config.DefaultMetricsListen}
}

// Server serves /metrics from its own registry.
type Server struct {
	cfg      Config
	registry *prometheus.Registry
	http     *http.Server
	listener net.Listener

	wg       sync.WaitGroup
	shutdown sync.Once
}

// NewServer creates a server exposing c plus the Go runtime collectors.
func NewServer(cfg Config, c prometheus.Collector) (*Server, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	if c != nil {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register recorder collector: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &Server{
		cfg:      cfg,
		registry: reg,
		http: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Registry returns the server's registry.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Start listens and serves in the background.
func (s *Server) Start() error {
	var ln net.Listener
	var err error

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	s.listener = ln
	log.Info("metrics listening", "address", ln.Addr().String(), "tls", s.cfg.TLSCertFile != "")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the server, waiting up to the default shutdown timeout
// for in-flight scrapes. It is safe to call more than once.
func (s *Server) Shutdown() error {
	var err error
	s.shutdown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
		defer cancel()
		err = s.http.Shutdown(ctx)
		s.wg.Wait()
	})
	return err
}
