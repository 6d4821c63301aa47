// Package config holds node settings. Values come from defaults, then the
// environment, then command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrcoin/pkg/coin"
	"github.com/ryandielhenn/zephyrcoin/pkg/ring"
)

const (
	NameKey              = "name"
	AdvertiseKey         = "advertise"
	CoinAddrKey          = "coin-addr"
	HTTPAddrKey          = "http-addr"
	EtcdEndpointsKey     = "etcd-endpoints"
	PeersKey             = "peers"
	ReplicationFactorKey = "replication-factor"
	MessageTimeoutKey    = "message-timeout"
	RingHashKey          = "ring-hash"
	VirtualNodesKey      = "virtual-nodes"
	LogLevelKey          = "log-level"
	DevLogKey            = "dev-log"
)

type Config struct {
	// Name identifies the node; its overlay id is derived from it.
	Name string
	// Advertise is the host (optionally host:port) peers use to reach
	// this node. Ports default to those of CoinAddr and HTTPAddr.
	Advertise string
	CoinAddr  string
	HTTPAddr  string

	// EtcdEndpoints enables etcd membership. Without it the node runs
	// with the static Peers list only.
	EtcdEndpoints []string
	// Peers are static name=host:port entries.
	Peers []string

	ReplicationFactor int
	MessageTimeout    time.Duration
	RingHash          string
	VirtualNodes      int

	LogLevel string
	DevLog   bool
}

func Default() Config {
	return Config{
		Advertise:         "localhost",
		CoinAddr:          ":7000",
		HTTPAddr:          ":8080",
		ReplicationFactor: 10,
		MessageTimeout:    coin.DefaultMessageTimeout,
		RingHash:          "fnv32a",
		VirtualNodes:      ring.DefaultVirtualNodes,
		LogLevel:          "info",
	}
}

// FromEnv overlays environment variables on Default.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SELF_ID", &c.Name)
	str("SELF_ADDR", &c.Advertise)
	str("COIN_ADDR", &c.CoinAddr)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("RING_HASH", &c.RingHash)
	str("LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("ETCD_ENDPOINTS"); ok {
		c.EtcdEndpoints = splitList(v)
	}
	if v, ok := lookup("PEERS"); ok {
		c.Peers = splitList(v)
	}
	if v, ok := lookup("REPLICATION_FACTOR"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("REPLICATION_FACTOR: %w", err))
		} else {
			c.ReplicationFactor = n
		}
	}
	if v, ok := lookup("MESSAGE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MESSAGE_TIMEOUT: %w", err))
		} else {
			c.MessageTimeout = d
		}
	}
	return c, errors.Join(errs...)
}

// BindFlags registers flags defaulting to the current values of c. Parsed
// flags write straight into c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Name, NameKey, c.Name, "node name (default: random)")
	fs.StringVar(&c.Advertise, AdvertiseKey, c.Advertise, "host peers use to reach this node")
	fs.StringVar(&c.CoinAddr, CoinAddrKey, c.CoinAddr, "listen address of the coin protocol")
	fs.StringVar(&c.HTTPAddr, HTTPAddrKey, c.HTTPAddr, "listen address of the HTTP API")
	fs.StringSliceVar(&c.EtcdEndpoints, EtcdEndpointsKey, c.EtcdEndpoints, "etcd endpoints for membership")
	fs.StringSliceVar(&c.Peers, PeersKey, c.Peers, "static peers as name=host:port")
	fs.IntVar(&c.ReplicationFactor, ReplicationFactorKey, c.ReplicationFactor, "replicas per account beyond its root")
	fs.DurationVar(&c.MessageTimeout, MessageTimeoutKey, c.MessageTimeout, "time to wait for a response")
	fs.StringVar(&c.RingHash, RingHashKey, c.RingHash, "ring hash function (fnv32a|murmur3)")
	fs.IntVar(&c.VirtualNodes, VirtualNodesKey, c.VirtualNodes, "ring points per node")
	fs.StringVar(&c.LogLevel, LogLevelKey, c.LogLevel, "log level (debug|info|warn|error)")
	fs.BoolVar(&c.DevLog, DevLogKey, c.DevLog, "human readable development logging")
}

func (c Config) Validate() error {
	var errs []error
	if c.ReplicationFactor < 0 {
		errs = append(errs, fmt.Errorf("%s must be >= 0, got %d", ReplicationFactorKey, c.ReplicationFactor))
	}
	if c.MessageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %s", MessageTimeoutKey, c.MessageTimeout))
	}
	if c.VirtualNodes <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", VirtualNodesKey, c.VirtualNodes))
	}
	if _, err := ring.HasherByName(c.RingHash); err != nil {
		errs = append(errs, err)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", LogLevelKey, err))
	}
	if c.CoinAddr == "" || c.HTTPAddr == "" {
		errs = append(errs, errors.New("listen addresses must be set"))
	}
	for _, p := range c.Peers {
		if _, _, err := ParsePeer(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ParsePeer splits a name=host:port entry.
func ParsePeer(s string) (name, addr string, err error) {
	name, addr, ok := strings.Cut(s, "=")
	if !ok || name == "" || addr == "" {
		return "", "", fmt.Errorf("peer %q: want name=host:port", s)
	}
	return name, addr, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
