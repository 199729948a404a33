// Package config loads a Config from file/env via viper and turns it into
// a running client.Client, wiring the right transport/tcp or transport/ws
// Dial function into client.Start without client/ ever importing either.
package config

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/sbergen/gomqtt/channel"
	"github.com/sbergen/gomqtt/client"
	"github.com/sbergen/gomqtt/internal/telemetry"
	"github.com/sbergen/gomqtt/transport/tcp"
	"github.com/sbergen/gomqtt/transport/ws"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TCPOptions configures a plain or TLS TCP transport.
type TCPOptions struct {
	Host           string
	Port           uint16
	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
}

// WSOptions configures a WebSocket transport.
type WSOptions struct {
	URL            string
	ConnectTimeout time.Duration
}

// TransportOptions selects exactly one concrete transport. Exactly one of
// Tcp or Ws must be non-nil.
type TransportOptions struct {
	Tcp *TCPOptions
	Ws  *WSOptions
}

var errNoTransportSelected = errors.New("config: exactly one of TransportOptions.Tcp or TransportOptions.Ws must be set")

// Config aggregates everything needed to start a Client, loadable from
// file/env via viper.
type Config struct {
	ClientID         string
	KeepAliveSeconds uint16
	ServerTimeout    time.Duration
	Transport        TransportOptions
	MetricsNamespace string
}

// Load reads configuration from path (YAML/TOML/JSON, detected by
// extension) overlaid with GOMQTT_-prefixed environment variables. path
// may be empty, in which case only env vars and defaults apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOMQTT")
	v.AutomaticEnv()
	v.SetDefault("keepaliveseconds", 30)
	v.SetDefault("servertimeout", 10*time.Second)
	v.SetDefault("transport.tcp.port", 1883)
	v.SetDefault("transport.tcp.connecttimeout", 10*time.Second)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		ClientID:         v.GetString("clientid"),
		KeepAliveSeconds: uint16(v.GetUint32("keepaliveseconds")),
		ServerTimeout:    v.GetDuration("servertimeout"),
		MetricsNamespace: v.GetString("metricsnamespace"),
	}
	if host := v.GetString("transport.tcp.host"); host != "" {
		cfg.Transport.Tcp = &TCPOptions{
			Host:           host,
			Port:           uint16(v.GetUint32("transport.tcp.port")),
			ConnectTimeout: v.GetDuration("transport.tcp.connecttimeout"),
		}
	}
	if url := v.GetString("transport.ws.url"); url != "" {
		cfg.Transport.Ws = &WSOptions{
			URL:            url,
			ConnectTimeout: v.GetDuration("transport.ws.connecttimeout"),
		}
	}
	return cfg, nil
}

// Dial returns a client.DialFunc that opens whichever transport t
// selects. Exactly one of t.Tcp/t.Ws must be set.
func Dial(t TransportOptions) (client.DialFunc, error) {
	switch {
	case t.Tcp != nil && t.Ws == nil:
		opts := tcp.Options{
			Host:           t.Tcp.Host,
			Port:           t.Tcp.Port,
			ConnectTimeout: t.Tcp.ConnectTimeout,
			TLSConfig:      t.Tcp.TLSConfig,
		}
		return func(ctx context.Context) (channel.Channel, error) {
			return tcp.Dial(ctx, opts)
		}, nil
	case t.Ws != nil && t.Tcp == nil:
		opts := ws.Options{URL: t.Ws.URL, ConnectTimeout: t.Ws.ConnectTimeout}
		return func(ctx context.Context) (channel.Channel, error) {
			return ws.Dial(ctx, opts)
		}, nil
	default:
		return nil, errNoTransportSelected
	}
}

// Start loads Config's transport and keep-alive settings into a
// client.ConnectOptions/DialFunc pair and starts a Client.
func Start(cfg Config, updates chan<- client.Update, metrics *telemetry.Metrics, log *zap.Logger) (*client.Client, error) {
	dial, err := Dial(cfg.Transport)
	if err != nil {
		return nil, err
	}
	opts := client.ConnectOptions{
		ClientID:         cfg.ClientID,
		KeepAliveSeconds: cfg.KeepAliveSeconds,
		ServerTimeout:    cfg.ServerTimeout,
	}
	return client.Start(opts, dial, updates, metrics, log), nil
}
