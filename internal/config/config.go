// Package config defines the client and server configuration shapes and
// their urfave/cli/v2 flag sets, following the teacher's
// cmd/cloudflared/cliutil flag-grouping convention.
package config

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/duskwire/duskwire/internal/duskwirelog"
)

// Client is the fully parsed, validated configuration for the client
// binary.
type Client struct {
	Domain             string
	Resolvers          []string
	ListenAddr         string
	MaxQueuedBytes      uint64
	AcceptorMax        uint64
	IdlePollIntervalMS uint64
	CongestionControl  string
	PinnedCertPath     string
	ServerName         string
	MetricsAddr        string
	Log                duskwirelog.Config
}

// Server is the fully parsed, validated configuration for the server
// binary.
type Server struct {
	Domain            string
	ListenAddr        string
	TargetAddr        string
	MaxQueuedBytes     uint64
	DialTimeout       time.Duration
	CongestionControl string
	CertPath          string
	KeyPath           string
	MetricsAddr       string
	Log               duskwirelog.Config
}

const (
	flagDomain            = "domain"
	flagResolvers         = "resolver"
	flagListen            = "listen"
	flagTarget            = "target"
	flagMaxQueuedBytes    = "max-queued-bytes"
	flagAcceptorMax       = "acceptor-max"
	flagIdlePollInterval  = "idle-poll-interval-ms"
	flagCongestionControl = "congestion-control"
	flagPinnedCert        = "pinned-cert"
	flagServerName        = "server-name"
	flagCertPath          = "cert"
	flagKeyPath           = "key"
	flagDialTimeout       = "dial-timeout"
	flagLogLevel          = "loglevel"
	flagLogFile           = "logfile"
	flagMetrics           = "metrics"
)

// ClientFlags returns the cli.Flag set for the client binary.
func ClientFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{Name: flagDomain, Required: true, Usage: "Tunnel domain under which DNS queries are framed.", EnvVars: []string{"DUSKWIRE_DOMAIN"}},
		&cli.StringSliceFlag{Name: flagResolvers, Usage: "DNS resolver host:port to send queries to; repeatable for multiple paths.", EnvVars: []string{"DUSKWIRE_RESOLVERS"}},
		&cli.StringFlag{Name: flagListen, Value: "127.0.0.1:7000", Usage: "Local TCP address to accept connections on.", EnvVars: []string{"DUSKWIRE_LISTEN"}},
		&cli.Uint64Flag{Name: flagMaxQueuedBytes, Usage: "Per-stream receive back-pressure ceiling, in bytes (0 = default).", EnvVars: []string{"DUSKWIRE_MAX_QUEUED_BYTES"}},
		&cli.Uint64Flag{Name: flagAcceptorMax, Value: 64, Usage: "Maximum concurrent local-to-tunnel streams the Acceptor Gate admits.", EnvVars: []string{"DUSKWIRE_ACCEPTOR_MAX"}},
		&cli.Uint64Flag{Name: flagIdlePollInterval, Value: 500, Usage: "Poll interval, in milliseconds, applied once a path has been idle past IDLE_THRESHOLD.", EnvVars: []string{"DUSKWIRE_IDLE_POLL_INTERVAL_MS"}},
		&cli.StringFlag{Name: flagCongestionControl, Usage: "Requested congestion control algorithm; accepted and logged, not enforced (quic-go has no public pluggable CC API).", EnvVars: []string{"DUSKWIRE_CONGESTION_CONTROL"}},
		&cli.StringFlag{Name: flagPinnedCert, Usage: "Path to a PEM certificate the client pins instead of validating against system roots.", EnvVars: []string{"DUSKWIRE_PINNED_CERT"}},
		&cli.StringFlag{Name: flagServerName, Usage: "TLS server name (SNI) to present; defaults to the tunnel domain.", EnvVars: []string{"DUSKWIRE_SERVER_NAME"}},
		&cli.StringFlag{Name: flagMetrics, Value: "127.0.0.1:0", Usage: "Address to serve Prometheus metrics on; empty disables.", EnvVars: []string{"DUSKWIRE_METRICS"}},
	}, logFlags()...)
}

// ServerFlags returns the cli.Flag set for the server binary.
func ServerFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{Name: flagDomain, Required: true, Usage: "Tunnel domain this authoritative server answers for.", EnvVars: []string{"DUSKWIRE_DOMAIN"}},
		&cli.StringFlag{Name: flagListen, Value: "0.0.0.0:53", Usage: "UDP address to receive DNS queries on.", EnvVars: []string{"DUSKWIRE_LISTEN"}},
		&cli.StringFlag{Name: flagTarget, Required: true, Usage: "TCP host:port each stream is relayed to.", EnvVars: []string{"DUSKWIRE_TARGET"}},
		&cli.Uint64Flag{Name: flagMaxQueuedBytes, Usage: "Per-stream receive back-pressure ceiling, in bytes (0 = default).", EnvVars: []string{"DUSKWIRE_MAX_QUEUED_BYTES"}},
		&cli.DurationFlag{Name: flagDialTimeout, Value: 10 * time.Second, Usage: "Per-attempt timeout dialing target_addr.", EnvVars: []string{"DUSKWIRE_DIAL_TIMEOUT"}},
		&cli.StringFlag{Name: flagCongestionControl, Usage: "Requested congestion control algorithm; accepted and logged, not enforced.", EnvVars: []string{"DUSKWIRE_CONGESTION_CONTROL"}},
		&cli.StringFlag{Name: flagCertPath, Required: true, Usage: "Path to the server's TLS certificate.", EnvVars: []string{"DUSKWIRE_CERT"}},
		&cli.StringFlag{Name: flagKeyPath, Required: true, Usage: "Path to the server's TLS private key.", EnvVars: []string{"DUSKWIRE_KEY"}},
		&cli.StringFlag{Name: flagMetrics, Value: "127.0.0.1:0", Usage: "Address to serve Prometheus metrics on; empty disables.", EnvVars: []string{"DUSKWIRE_METRICS"}},
	}, logFlags()...)
}

func logFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: flagLogLevel, Value: "info", Usage: "Application logging level {debug, info, warn, error}.", EnvVars: []string{duskwirelog.EnvLevelVar}},
		&cli.StringFlag{Name: flagLogFile, Usage: "Additionally write rotated JSON logs to this file."},
	}
}

// FromClientContext validates and builds a Client from parsed cli flags.
func FromClientContext(c *cli.Context) (*Client, error) {
	domain := c.String(flagDomain)
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	resolvers := c.StringSlice(flagResolvers)
	if len(resolvers) == 0 {
		resolvers = []string{"127.0.0.1:53"}
	}
	if err := ValidateResolvers(resolvers); err != nil {
		return nil, err
	}
	serverName := c.String(flagServerName)
	if serverName == "" {
		serverName = domain
	}
	return &Client{
		Domain:             domain,
		Resolvers:          resolvers,
		ListenAddr:         c.String(flagListen),
		MaxQueuedBytes:     c.Uint64(flagMaxQueuedBytes),
		AcceptorMax:        c.Uint64(flagAcceptorMax),
		IdlePollIntervalMS: c.Uint64(flagIdlePollInterval),
		CongestionControl:  c.String(flagCongestionControl),
		PinnedCertPath:     c.String(flagPinnedCert),
		ServerName:         serverName,
		MetricsAddr:        c.String(flagMetrics),
		Log: duskwirelog.Config{
			Level: c.String(flagLogLevel),
			File:  c.String(flagLogFile),
		},
	}, nil
}

// FromServerContext validates and builds a Server from parsed cli flags.
func FromServerContext(c *cli.Context) (*Server, error) {
	domain := c.String(flagDomain)
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	target := c.String(flagTarget)
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, errors.Wrapf(err, "config: invalid target address %q", target)
	}
	return &Server{
		Domain:            domain,
		ListenAddr:        c.String(flagListen),
		TargetAddr:        target,
		MaxQueuedBytes:    c.Uint64(flagMaxQueuedBytes),
		DialTimeout:       c.Duration(flagDialTimeout),
		CongestionControl: c.String(flagCongestionControl),
		CertPath:          c.String(flagCertPath),
		KeyPath:           c.String(flagKeyPath),
		MetricsAddr:       c.String(flagMetrics),
		Log: duskwirelog.Config{
			Level: c.String(flagLogLevel),
			File:  c.String(flagLogFile),
		},
	}, nil
}
