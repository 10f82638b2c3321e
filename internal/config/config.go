// Package config loads node configuration. Sources are applied in order,
// later ones winning: built-in defaults, a YAML file, ZEPHYRSYNC_*
// environment variables, then command line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/multierr"

	"github.com/ryandielhenn/zephyrsync/internal/logging"
)

const EnvPrefix = "ZEPHYRSYNC_"

const (
	ModeEtcd       = "etcd"
	ModeMemberlist = "memberlist"
	ModeStatic     = "static"
)

type Config struct {
	Node      NodeConfig      `koanf:"node"`
	HTTP      HTTPConfig      `koanf:"http"`
	Sync      SyncConfig      `koanf:"sync"`
	View      ViewConfig      `koanf:"view"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	Log       logging.Config  `koanf:"log"`
}

type NodeConfig struct {
	ID       string `koanf:"id"`
	SyncAddr string `koanf:"sync_addr"`
	// Advertise is the sync address published to discovery.
	Advertise string `koanf:"advertise"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

type SyncConfig struct {
	TickInterval      time.Duration `koanf:"tick_interval"`
	Fanout            int           `koanf:"fanout"`
	MaxFrame          int           `koanf:"max_frame"`
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
	DialInterval      time.Duration `koanf:"dial_interval"`
}

type ViewConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	Capacity      int           `koanf:"capacity"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	// HeartbeatInterval republishes unchanged local state. It must be
	// shorter than TTL or idle nodes expire from their peers' views.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

type DiscoveryConfig struct {
	Mode       string           `koanf:"mode"`
	Etcd       EtcdConfig       `koanf:"etcd"`
	Memberlist MemberlistConfig `koanf:"memberlist"`
	Static     StaticConfig     `koanf:"static"`
}

type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	Prefix      string        `koanf:"prefix"`
	LeaseTTL    int64         `koanf:"lease_ttl"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

type MemberlistConfig struct {
	BindAddr string   `koanf:"bind_addr"`
	BindPort int      `koanf:"bind_port"`
	Seeds    []string `koanf:"seeds"`
}

type StaticConfig struct {
	// Peers are id=addr pairs.
	Peers []string `koanf:"peers"`
}

// Defaults returns every known key with its default value.
func Defaults() map[string]any {
	return map[string]any{
		"node.id":                        "",
		"node.sync_addr":                 ":7946",
		"node.advertise":                 "",
		"http.addr":                      ":8080",
		"sync.tick_interval":             "100ms",
		"sync.fanout":                    2,
		"sync.max_frame":                 4 << 20,
		"sync.reconcile_interval":        "2s",
		"sync.dial_interval":             "1s",
		"view.ttl":                       "30s",
		"view.capacity":                  64 << 20,
		"view.sweep_interval":            "5s",
		"view.heartbeat_interval":        "10s",
		"discovery.mode":                 ModeEtcd,
		"discovery.etcd.endpoints":       []string{"http://etcd:2379"},
		"discovery.etcd.prefix":          "/zephyrsync/nodes/",
		"discovery.etcd.lease_ttl":       10,
		"discovery.etcd.dial_timeout":    "5s",
		"discovery.memberlist.bind_addr": "0.0.0.0",
		"discovery.memberlist.bind_port": 7947,
		"discovery.memberlist.seeds":     []string{},
		"discovery.static.peers":         []string{},
		"log.level":                      "info",
		"log.format":                     "console",
	}
}

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"discovery.etcd.endpoints":   true,
	"discovery.memberlist.seeds": true,
	"discovery.static.peers":     true,
}

// mapProvider loads a map whose keys may be dotted paths.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return maps.Unflatten(m, "."), nil
}

// envKey maps ZEPHYRSYNC_SYNC_TICK_INTERVAL to sync.tick_interval. Known
// keys are matched whole so underscores inside a key survive.
func envKey(known map[string]string, name string) string {
	s := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	if k, ok := known[s]; ok {
		return k
	}
	return strings.ReplaceAll(s, "_", ".")
}

// Load reads configuration. path may be empty. flags holds only the values
// set on the command line, keyed like Defaults.
func Load(path string, flags map[string]any) (*Config, error) {
	k := koanf.New(".")
	defaults := Defaults()
	if err := k.Load(mapProvider(defaults), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	known := make(map[string]string, len(defaults))
	for key := range defaults {
		known[strings.ReplaceAll(key, ".", "_")] = key
	}
	envProvider := env.ProviderWithValue(EnvPrefix, ".", func(name, value string) (string, any) {
		key := envKey(known, name)
		if listKeys[key] {
			return key, splitList(value)
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if len(flags) > 0 {
		if err := k.Load(mapProvider(flags), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fill derives values left empty.
func (c *Config) fill() {
	if c.Node.ID == "" {
		c.Node.ID = uuid.NewString()
	}
	if c.Node.Advertise == "" {
		c.Node.Advertise = c.Node.SyncAddr
		if host, port, err := net.SplitHostPort(c.Node.SyncAddr); err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
			if h, err := os.Hostname(); err == nil {
				c.Node.Advertise = net.JoinHostPort(h, port)
			}
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Node.ID) == "" {
		errs = append(errs, errors.New("node.id must not be empty"))
	}
	if _, _, err := net.SplitHostPort(c.Node.SyncAddr); err != nil {
		errs = append(errs, fmt.Errorf("node.sync_addr: %w", err))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must not be empty"))
	}
	if c.Sync.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync.tick_interval must be positive, got %s", c.Sync.TickInterval))
	}
	if c.Sync.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync.reconcile_interval must be positive, got %s", c.Sync.ReconcileInterval))
	}
	if c.Sync.Fanout <= 0 {
		errs = append(errs, fmt.Errorf("sync.fanout must be positive, got %d", c.Sync.Fanout))
	}
	if c.Sync.MaxFrame < 1024 {
		errs = append(errs, fmt.Errorf("sync.max_frame must be at least 1024, got %d", c.Sync.MaxFrame))
	}
	if c.View.TTL < 0 || c.View.Capacity < 0 {
		errs = append(errs, errors.New("view.ttl and view.capacity must not be negative"))
	}
	if c.View.TTL > 0 && (c.View.HeartbeatInterval <= 0 || c.View.HeartbeatInterval >= c.View.TTL) {
		errs = append(errs, fmt.Errorf("view.heartbeat_interval must be positive and below view.ttl (%s), got %s",
			c.View.TTL, c.View.HeartbeatInterval))
	}

	switch c.Discovery.Mode {
	case ModeEtcd:
		if len(c.Discovery.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("discovery.etcd.endpoints must not be empty"))
		}
		if c.Discovery.Etcd.LeaseTTL <= 0 {
			errs = append(errs, errors.New("discovery.etcd.lease_ttl must be positive"))
		}
	case ModeMemberlist:
		if c.Discovery.Memberlist.BindPort < 0 {
			errs = append(errs, errors.New("discovery.memberlist.bind_port must not be negative"))
		}
	case ModeStatic:
		if _, err := c.StaticPeers(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("discovery.mode %q is not one of etcd, memberlist, static", c.Discovery.Mode))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return multierr.Combine(errs...)
}

// StaticPeers parses discovery.static.peers. This node is always included.
func (c *Config) StaticPeers() (map[string]string, error) {
	peers := map[string]string{c.Node.ID: c.Node.Advertise}
	for _, p := range c.Discovery.Static.Peers {
		id, addr, ok := strings.Cut(p, "=")
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("discovery.static.peers: %q is not id=addr", p)
		}
		peers[id] = addr
	}
	return peers, nil
}
