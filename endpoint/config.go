package endpoint

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables fixed at Endpoint construction.
type Config struct {
	// IdleTimeout ends a connection that received no datagram for this
	// long. It also bounds the handshake and the Ending state.
	IdleTimeout time.Duration
	// KeepAliveInterval is the default ping period of new connections.
	// It must be shorter than IdleTimeout.
	KeepAliveInterval time.Duration

	// InitialMainRecvSize and InitialBackgroundRecvSize preallocate the
	// per-connection receive buffers.
	InitialMainRecvSize       int
	InitialBackgroundRecvSize int
	// MainRecvFirstBytes and BackgroundRecvFirstBytes are the bytes that
	// must accumulate before the first delivery on each stream.
	MainRecvFirstBytes       int
	BackgroundRecvFirstBytes int

	// ReliableStreamBuffer caps outstanding main stream sends and buffered
	// main stream receives.
	ReliableStreamBuffer int
	// UnreliableStreamBuffer caps outstanding background sends and
	// buffered background receives.
	UnreliableStreamBuffer int

	// MaxConnections caps connections on a server Endpoint.
	MaxConnections int
	// NewConnectionRate caps new server connections per second.
	NewConnectionRate float64

	// IPv6 makes a client Endpoint bind an IPv6 socket.
	IPv6 bool
	// TrafficClass is the IP TOS / traffic class byte for the socket. Zero
	// leaves the system default.
	TrafficClass int

	// TLS configures the QUIC handshake. NextProtos must not be empty.
	// Set KeyLogWriter to export session secrets for packet captures.
	TLS *tls.Config
}

// DefaultConfig returns the defaults for real-time audio sessions. TLS is
// left nil and must be supplied.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:               5000 * time.Millisecond,
		KeepAliveInterval:         2000 * time.Millisecond,
		InitialMainRecvSize:       65536,
		InitialBackgroundRecvSize: 65536,
		MainRecvFirstBytes:        1,
		BackgroundRecvFirstBytes:  1,
		ReliableStreamBuffer:      65536,
		UnreliableStreamBuffer:    65536,
		MaxConnections:            1024,
		NewConnectionRate:         64,
	}
}

// Validate checks the invariants between fields.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("IdleTimeout must be positive, got %s", c.IdleTimeout))
	}
	if c.KeepAliveInterval <= 0 {
		errs = append(errs, fmt.Errorf("KeepAliveInterval must be positive, got %s", c.KeepAliveInterval))
	} else if c.KeepAliveInterval >= c.IdleTimeout {
		errs = append(errs, fmt.Errorf("KeepAliveInterval %s must be below IdleTimeout %s", c.KeepAliveInterval, c.IdleTimeout))
	}
	positive("InitialMainRecvSize", c.InitialMainRecvSize)
	positive("InitialBackgroundRecvSize", c.InitialBackgroundRecvSize)
	positive("MainRecvFirstBytes", c.MainRecvFirstBytes)
	positive("BackgroundRecvFirstBytes", c.BackgroundRecvFirstBytes)
	positive("ReliableStreamBuffer", c.ReliableStreamBuffer)
	positive("UnreliableStreamBuffer", c.UnreliableStreamBuffer)
	positive("MaxConnections", c.MaxConnections)
	if r := c.NewConnectionRate; r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		errs = append(errs, fmt.Errorf("NewConnectionRate must be positive and finite, got %g", r))
	}
	if c.MainRecvFirstBytes > c.ReliableStreamBuffer {
		errs = append(errs, fmt.Errorf("MainRecvFirstBytes %d exceeds ReliableStreamBuffer %d", c.MainRecvFirstBytes, c.ReliableStreamBuffer))
	}
	if c.BackgroundRecvFirstBytes > c.UnreliableStreamBuffer {
		errs = append(errs, fmt.Errorf("BackgroundRecvFirstBytes %d exceeds UnreliableStreamBuffer %d", c.BackgroundRecvFirstBytes, c.UnreliableStreamBuffer))
	}
	if c.TrafficClass < 0 || c.TrafficClass > 0xff {
		errs = append(errs, fmt.Errorf("TrafficClass %d out of range", c.TrafficClass))
	}
	if c.TLS == nil {
		errs = append(errs, errors.New("TLS config required"))
	} else if len(c.TLS.NextProtos) == 0 {
		errs = append(errs, errors.New("TLS config must list at least one ALPN protocol"))
	}

	return errors.Join(errs...)
}

// fileConfig is the YAML form of the numeric Config fields. Durations are
// whole milliseconds.
type fileConfig struct {
	IdleTimeoutMs             *int64   `yaml:"idle_timeout_ms"`
	KeepAliveMs               *int64   `yaml:"keep_alive_ms"`
	InitialMainRecvSize       *int     `yaml:"initial_main_recv_size"`
	InitialBackgroundRecvSize *int     `yaml:"initial_background_recv_size"`
	MainRecvFirstBytes        *int     `yaml:"main_recv_first_bytes"`
	BackgroundRecvFirstBytes  *int     `yaml:"background_recv_first_bytes"`
	ReliableStreamBuffer      *int     `yaml:"reliable_stream_buffer"`
	UnreliableStreamBuffer    *int     `yaml:"unreliable_stream_buffer"`
	MaxConnections            *int     `yaml:"max_connections"`
	NewConnectionRate         *float64 `yaml:"new_connection_rate"`
	IPv6                      *bool    `yaml:"ipv6"`
	TrafficClass              *int     `yaml:"traffic_class"`
}

// LoadConfig reads a YAML file over DefaultConfig. Keys absent from the
// file keep their defaults; unknown keys are an error. TLS is not read from
// the file. The result is not validated until an Endpoint is created.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for in-memory YAML.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes to io.EOF and means all defaults.
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if fc.IdleTimeoutMs != nil {
		cfg.IdleTimeout = time.Duration(*fc.IdleTimeoutMs) * time.Millisecond
	}
	if fc.KeepAliveMs != nil {
		cfg.KeepAliveInterval = time.Duration(*fc.KeepAliveMs) * time.Millisecond
	}
	setInt(&cfg.InitialMainRecvSize, fc.InitialMainRecvSize)
	setInt(&cfg.InitialBackgroundRecvSize, fc.InitialBackgroundRecvSize)
	setInt(&cfg.MainRecvFirstBytes, fc.MainRecvFirstBytes)
	setInt(&cfg.BackgroundRecvFirstBytes, fc.BackgroundRecvFirstBytes)
	setInt(&cfg.ReliableStreamBuffer, fc.ReliableStreamBuffer)
	setInt(&cfg.UnreliableStreamBuffer, fc.UnreliableStreamBuffer)
	setInt(&cfg.MaxConnections, fc.MaxConnections)
	setInt(&cfg.TrafficClass, fc.TrafficClass)
	if fc.NewConnectionRate != nil {
		cfg.NewConnectionRate = *fc.NewConnectionRate
	}
	if fc.IPv6 != nil {
		cfg.IPv6 = *fc.IPv6
	}
	return cfg, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
