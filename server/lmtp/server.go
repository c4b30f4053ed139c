// Package lmtp accepts messages over LMTP and runs the sieve delivery flow
// for every recipient, answering with one status per recipient.
package lmtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/sievevm/config"
	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/metrics"
	"github.com/migadu/sievevm/server/delivery"
)

// connectionLimitingListener wraps a net.Listener to enforce the total
// connection limit at the TCP level.
type connectionLimitingListener struct {
	net.Listener
	backend *LMTPServerBackend
}

// Accept accepts connections and closes those above the limit
func (l *connectionLimitingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		limit := int64(l.backend.maxConnections)
		if n := l.backend.openConnections.Add(1); limit > 0 && n > limit {
			l.backend.openConnections.Add(-1)
			logger.Debug("LMTP: Connection rejected - limit reached", "name", l.backend.name, "remote", conn.RemoteAddr(), "max", limit)
			conn.Close()
			continue
		}
		return &connectionLimitingConn{Conn: conn, release: func() { l.backend.openConnections.Add(-1) }}, nil
	}
}

// connectionLimitingConn releases its slot when closed
type connectionLimitingConn struct {
	net.Conn
	release func()
	once    sync.Once
}

func (c *connectionLimitingConn) Close() error {
	c.once.Do(c.release)
	return c.Conn.Close()
}

func (c *connectionLimitingConn) Unwrap() net.Conn {
	return c.Conn
}

type LMTPServerBackend struct {
	addr     string
	name     string
	hostname string
	appCtx   context.Context

	delivery  *delivery.DeliveryContext
	directory Directory
	programs  *ProgramCache

	server          *smtp.Server
	tlsConfig       *tls.Config
	trustedNetworks []*net.IPNet
	maxConnections  int
	maxRecipients   int

	openConnections   atomic.Int64
	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

type LMTPServerOptions struct {
	Debug           bool
	TLS             bool
	TLSUseStartTLS  bool
	TLSCertFile     string
	TLSKeyFile      string
	MaxConnections  int
	MaxRecipients   int
	MaxMessageSize  int64    // Maximum size for incoming messages in bytes
	TrustedNetworks []string // CIDR blocks allowed to connect
}

// OptionsFromConfig maps the lmtp configuration section to server options.
func OptionsFromConfig(cfg config.LMTPConfig) LMTPServerOptions {
	return LMTPServerOptions{
		Debug:           cfg.Debug,
		TLS:             cfg.TLS,
		TLSUseStartTLS:  cfg.TLSUseStartTLS,
		TLSCertFile:     cfg.TLSCertFile,
		TLSKeyFile:      cfg.TLSKeyFile,
		MaxConnections:  cfg.MaxConnections,
		MaxRecipients:   cfg.MaxRecipients,
		MaxMessageSize:  cfg.MaxMessageSize,
		TrustedNetworks: cfg.GetTrustedNetworks(),
	}
}

func New(appCtx context.Context, name, hostname, addr string, d *delivery.DeliveryContext, dir Directory, options LMTPServerOptions) (*LMTPServerBackend, error) {
	// tls_use_starttls only makes sense when tls = true
	if !options.TLS && options.TLSUseStartTLS {
		logger.Debug("LMTP: WARNING - tls_use_starttls ignored", "name", name)
		options.TLSUseStartTLS = false
	}

	trustedNets, err := parseTrustedNetworks(options.TrustedNetworks)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted networks: %w", err)
	}

	backend := &LMTPServerBackend{
		addr:            addr,
		name:            name,
		hostname:        hostname,
		appCtx:          appCtx,
		delivery:        d,
		directory:       dir,
		programs:        NewProgramCache(1000, 5*time.Minute),
		trustedNetworks: trustedNets,
		maxConnections:  options.MaxConnections,
		maxRecipients:   options.MaxRecipients,
	}

	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS enabled for LMTP [%s] but no tls_cert_file/tls_key_file provided", name)
		}
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		backend.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ClientAuth:    tls.NoClientCert,
			ServerName:    hostname,
			NextProtos:    []string{"lmtp"},
			Renegotiation: tls.RenegotiateNever,
		}
	}

	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = hostname
	s.AllowInsecureAuth = true
	s.LMTP = true
	s.Network = "tcp"
	s.MaxMessageBytes = options.MaxMessageSize
	s.MaxRecipients = options.MaxRecipients
	s.ReadTimeout = 5 * time.Minute
	s.WriteTimeout = time.Minute

	// We only use a TLS listener for implicit TLS, not for StartTLS
	if options.TLSUseStartTLS && backend.tlsConfig != nil {
		s.TLSConfig = backend.tlsConfig
		logger.Debug("LMTP: StartTLS is enabled", "name", name)
	}
	if options.Debug {
		var debugWriter io.Writer = os.Stdout
		s.Debug = debugWriter
	}
	backend.server = s

	return backend, nil
}

func parseTrustedNetworks(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// isFromTrustedNetwork checks if an IP address is from a trusted network
func (b *LMTPServerBackend) isFromTrustedNetwork(ip net.IP) bool {
	for _, network := range b.trustedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func (b *LMTPServerBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := c.Conn().RemoteAddr()
	ip := remoteIP(remoteAddr)
	if ip == nil {
		logger.Debug("LMTP: Connection rejected - could not parse IP", "name", b.name, "remote", remoteAddr)
		return nil, fmt.Errorf("could not parse remote IP address")
	}
	if !b.isFromTrustedNetwork(ip) {
		logger.Warn("LMTP: Connection rejected - not from trusted network", "name", b.name, "ip", ip, "remote", remoteAddr)
		return nil, fmt.Errorf("LMTP connections only allowed from trusted networks")
	}

	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)
	b.totalConnections.Add(1)
	active := b.activeConnections.Add(1)
	metrics.LMTPConnectionsTotal.Inc()
	metrics.LMTPConnectionsCurrent.Inc()

	s := &LMTPSession{
		backend:   b,
		conn:      c,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		id:        newSessionID(),
		remoteIP:  ip.String(),
		startTime: time.Now(),
	}
	s.Log("new session remote=%s (connections: active=%d)", s.remoteIP, active)
	return s, nil
}

// Serve accepts connections on l until the server is closed.
func (b *LMTPServerBackend) Serve(l net.Listener) error {
	return b.server.Serve(&connectionLimitingListener{Listener: l, backend: b})
}

func (b *LMTPServerBackend) Start(errChan chan error) {
	var listener net.Listener
	tcpListener, err := net.Listen("tcp", b.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}

	// Only use a TLS listener if we're not using StartTLS and TLS is enabled
	if b.tlsConfig != nil && b.server.TLSConfig == nil {
		listener = tls.NewListener(tcpListener, b.tlsConfig)
		logger.Info("LMTP server listening with TLS", "name", b.name, "addr", b.addr)
	} else {
		listener = tcpListener
		logger.Info("LMTP server listening", "name", b.name, "addr", b.addr, "tls", false)
	}
	defer listener.Close()

	go b.cleanProgramCache()

	if err := b.Serve(listener); err != nil && b.appCtx.Err() == nil {
		errChan <- fmt.Errorf("LMTP server error: %w", err)
		return
	}
	logger.Info("LMTP server stopped gracefully", "name", b.name)
}

// cleanProgramCache drops expired programs until the application stops.
func (b *LMTPServerBackend) cleanProgramCache() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.programs.CleanExpired()
			logger.Debug("LMTP: program cache cleaned", "name", b.name, "entries", b.programs.Size(), "active_connections", b.activeConnections.Load())
		case <-b.appCtx.Done():
			return
		}
	}
}

func (b *LMTPServerBackend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative total of all connections ever made
func (b *LMTPServerBackend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current number of active sessions
func (b *LMTPServerBackend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}
