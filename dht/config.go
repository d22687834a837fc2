package dht

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/dhtnode/internal/addrfilter"
	"github.com/cenkalti/dhtnode/internal/peerstore"
	"github.com/cenkalti/dhtnode/internal/routingtable"
	"github.com/cenkalti/dhtnode/internal/rpc"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// DefaultPort is used when the configured port is out of range.
const DefaultPort = 49001

// Config for DHT.
type Config struct {
	// UDP port that DHT endpoints bind to. Values out of 1-65535 are replaced with DefaultPort.
	Port int `yaml:"port"`
	// One endpoint is bound for each address. Empty list binds to the wildcard address of the family.
	BindAddressesIPv4 []string `yaml:"bind-addresses-ipv4"`
	BindAddressesIPv6 []string `yaml:"bind-addresses-ipv6"`
	// Do not start the IPv6 instance.
	DisableIPv6 bool `yaml:"disable-ipv6"`
	// Do not contact bootstrap routers. A node with an empty table never bootstraps when this is set.
	NoRouterBootstrap bool `yaml:"no-router-bootstrap"`
	// Routing table is saved to this file. ".ipv4" or ".ipv6" is appended for each instance.
	// Empty string disables persistence.
	RoutingTablePath string `yaml:"routing-table-path"`
	// Bootstrap routers in host:port form.
	Routers []string `yaml:"routers"`
	// Router hostnames are resolved again after this duration.
	RouterRefreshInterval time.Duration `yaml:"router-refresh-interval"`
	// Time to wait for resolving a single hostname.
	ResolveTimeout time.Duration `yaml:"resolve-timeout"`
	// File of IPv4 CIDR rules, one per line. Blocked addresses are never stored, pinged or added to replies.
	Blocklist string `yaml:"blocklist"`

	// Pre-bootstrap and update ticks.
	PreBootstrapDelay time.Duration `yaml:"pre-bootstrap-delay"`
	UpdateInterval    time.Duration `yaml:"update-interval"`
	// Expiry tick.
	ExpiryDelay    time.Duration `yaml:"expiry-delay"`
	ExpiryInterval time.Duration `yaml:"expiry-interval"`
	// A random lookup is made on each endpoint in this interval.
	RandomLookupInterval time.Duration `yaml:"random-lookup-interval"`
	// Minimum duration between two bootstrap attempts.
	BootstrapMinInterval time.Duration `yaml:"bootstrap-min-interval"`
	// Bootstrap is repeated after this duration even if the table is populated.
	SelfLookupInterval time.Duration `yaml:"self-lookup-interval"`

	// Active tasks are limited to MaxActiveTasks times the number of active endpoints.
	MaxActiveTasks int `yaml:"max-active-tasks"`
	// Max number of in-flight calls per endpoint. Last 16 slots are reserved for replies and pings.
	MaxActiveCalls int `yaml:"max-active-calls"`
	// Bucket capacity, also the number of nodes in replies.
	BucketSize int `yaml:"bucket-size"`
	// Bootstrap is triggered when the table has fewer entries than this.
	BootstrapIfLessThan int `yaml:"bootstrap-if-less-than"`
	// Routers are used when the table has fewer entries than this.
	UseRoutersIfLessThan int `yaml:"use-routers-if-less-than"`
	// Time to wait for a response to a query.
	RPCCallTimeout time.Duration `yaml:"rpc-call-timeout"`
	// Outgoing packets per second per endpoint.
	SendRate float64 `yaml:"send-rate"`
	SendBurst int64 `yaml:"send-burst"`

	// Peer store limits.
	MaxPeersPerKey int           `yaml:"max-peers-per-key"`
	MaxKeys        int           `yaml:"max-keys"`
	PeerTTL        time.Duration `yaml:"peer-ttl"`
	TokenTimeout   time.Duration `yaml:"token-timeout"`

	// Closest nodes found by lookups are cached for this many targets.
	AnnounceCacheSize   int           `yaml:"announce-cache-size"`
	AnnounceCacheMaxAge time.Duration `yaml:"announce-cache-max-age"`

	// Number of goroutines running timer callbacks and background work. 0 means number of CPUs, at least 2.
	Workers int `yaml:"workers"`

	// Control API.
	RPCEnabled         bool          `yaml:"rpc-enabled"`
	RPCHost            string        `yaml:"rpc-host"`
	RPCPort            int           `yaml:"rpc-port"`
	RPCShutdownTimeout time.Duration `yaml:"rpc-shutdown-timeout"`
}

// DefaultConfig for DHT.
var DefaultConfig = Config{
	Port:             DefaultPort,
	RoutingTablePath: "~/.dhtnode/table.db",
	Routers: []string{
		"router.bittorrent.com:6881",
		"dht.transmissionbt.com:6881",
		"router.utorrent.com:6881",
	},
	RouterRefreshInterval: 30 * time.Minute,
	ResolveTimeout:        10 * time.Second,

	PreBootstrapDelay:    5 * time.Second,
	UpdateInterval:       time.Second,
	ExpiryDelay:          time.Second,
	ExpiryInterval:       5 * time.Minute,
	RandomLookupInterval: 10 * time.Minute,
	BootstrapMinInterval: 4 * time.Minute,
	SelfLookupInterval:   30 * time.Minute,

	MaxActiveTasks:       7,
	MaxActiveCalls:       256,
	BucketSize:           8,
	BootstrapIfLessThan:  30,
	UseRoutersIfLessThan: 10,
	RPCCallTimeout:       10 * time.Second,
	SendRate:             1000,
	SendBurst:            100,

	MaxPeersPerKey: peerstore.DefaultConfig.MaxPeersPerKey,
	MaxKeys:        peerstore.DefaultConfig.MaxKeys,
	PeerTTL:        peerstore.DefaultConfig.PeerTTL,
	TokenTimeout:   peerstore.DefaultConfig.TokenTimeout,

	AnnounceCacheSize:   1000,
	AnnounceCacheMaxAge: 15 * time.Minute,

	RPCEnabled:         true,
	RPCHost:            "127.0.0.1",
	RPCPort:            7247,
	RPCShutdownTimeout: 5 * time.Second,
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
// Missing file is not an error.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// loadBlocklist replaces the rules of f with the contents of the Blocklist file.
func (c *Config) loadBlocklist(f *addrfilter.Filter) (int, error) {
	if c.Blocklist == "" {
		return 0, nil
	}
	p, err := homedir.Expand(c.Blocklist)
	if err != nil {
		return 0, err
	}
	file, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	return f.Reload(file)
}

func (c *Config) port() int {
	if c.Port < 1 || c.Port > 65535 {
		return DefaultPort
	}
	return c.Port
}

// tablePath returns the expanded routing table path of the instance and creates its directory.
func (c *Config) tablePath(t Type) (string, error) {
	if c.RoutingTablePath == "" {
		return "", nil
	}
	p, err := homedir.Expand(c.RoutingTablePath)
	if err != nil {
		return "", err
	}
	if t == IPv6 {
		p += ".ipv6"
	} else {
		p += ".ipv4"
	}
	return p, os.MkdirAll(filepath.Dir(p), os.ModeDir|0o750)
}

func (c *Config) tableConfig(f *addrfilter.Filter) routingtable.Config {
	cfg := routingtable.DefaultConfig
	cfg.K = c.BucketSize
	cfg.Filter = f
	return cfg
}

func (c *Config) managerConfig(t Type) rpc.ManagerConfig {
	addrs := c.BindAddressesIPv4
	if t == IPv6 {
		addrs = c.BindAddressesIPv6
	}
	return rpc.ManagerConfig{
		BindAddresses: addrs,
		Port:          c.port(),
		IPv6:          t.IPv6(),
		Server: rpc.ServerConfig{
			CallTimeout:    c.RPCCallTimeout,
			MaxActiveCalls: c.MaxActiveCalls,
			SendRate:       c.SendRate,
			SendBurst:      c.SendBurst,
		},
	}
}

func (c *Config) storeConfig() peerstore.Config {
	return peerstore.Config{
		MaxPeersPerKey: c.MaxPeersPerKey,
		MaxKeys:        c.MaxKeys,
		PeerTTL:        c.PeerTTL,
		TokenTimeout:   c.TokenTimeout,
	}
}
