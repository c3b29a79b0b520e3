// Package config loads node and bulk client settings from a YAML file and
// INGEST_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"ingest/internal/bulk"
	"ingest/internal/quorum"
	"ingest/internal/ring"
)

// Peer represents a peer node in the cluster.
type Peer struct {
	ID   string
	Addr string
}

// Config holds the node configuration.
type Config struct {
	Node  NodeConfig  `yaml:"node"`
	Index IndexConfig `yaml:"index"`
	Bulk  BulkConfig  `yaml:"bulk"`
}

// NodeConfig configures a data node.
type NodeConfig struct {
	ID         string `yaml:"id"`
	ListenAddr string `yaml:"listen"`
	// Peers lists the other nodes as "id=addr,id=addr".
	Peers string `yaml:"peers"`
	// DataDir holds pebble shards. Empty keeps shards in memory.
	DataDir     string `yaml:"data_dir"`
	SyncWrites  bool   `yaml:"sync_writes"`
	MetricsAddr string `yaml:"metrics_addr"`
	VNodes      int    `yaml:"vnodes"`

	ProbeInterval  time.Duration `yaml:"probe_interval"`
	SuspectTimeout time.Duration `yaml:"suspect_timeout"`
	// RefreshTick is how often index refresh intervals are checked.
	RefreshTick time.Duration `yaml:"refresh_tick"`
	// RecoveryInterval is how often failed shard copies are recovered.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	// SingleNodeBypass skips quorum checks on a one-node cluster.
	SingleNodeBypass bool `yaml:"single_node_bypass"`
}

// IndexConfig holds the settings of automatically created indices.
type IndexConfig struct {
	Shards          int           `yaml:"shards"`
	Replicas        int           `yaml:"replicas"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// BulkConfig configures the bulk client.
type BulkConfig struct {
	MaxActions    int           `yaml:"max_actions"`
	MaxVolume     string        `yaml:"max_volume"`
	Concurrency   int           `yaml:"concurrency"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Consistency   string        `yaml:"consistency"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Node: NodeConfig{
			ID:               "n1",
			ListenAddr:       "127.0.0.1:9300",
			VNodes:           128,
			ProbeInterval:    time.Second,
			SuspectTimeout:   3 * time.Second,
			RefreshTick:      100 * time.Millisecond,
			RecoveryInterval: 5 * time.Second,
		},
		Index: IndexConfig{
			Shards:          5,
			Replicas:        1,
			RefreshInterval: time.Second,
		},
		Bulk: BulkConfig{
			MaxActions:    bulk.DefaultMaxActions,
			MaxVolume:     "10MB",
			FlushInterval: bulk.DefaultFlushInterval,
			Consistency:   "default",
		},
	}
}

// Load reads path, when set, over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from INGEST_* variables looked up with
// lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var result *multierror.Error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("INGEST_NODE_ID", &c.Node.ID)
	str("INGEST_LISTEN", &c.Node.ListenAddr)
	str("INGEST_PEERS", &c.Node.Peers)
	str("INGEST_DATA_DIR", &c.Node.DataDir)
	str("INGEST_METRICS_ADDR", &c.Node.MetricsAddr)
	boolean("INGEST_SYNC_WRITES", &c.Node.SyncWrites)
	boolean("INGEST_SINGLE_NODE_BYPASS", &c.Node.SingleNodeBypass)
	integer("INGEST_VNODES", &c.Node.VNodes)
	duration("INGEST_PROBE_INTERVAL", &c.Node.ProbeInterval)
	duration("INGEST_SUSPECT_TIMEOUT", &c.Node.SuspectTimeout)
	duration("INGEST_RECOVERY_INTERVAL", &c.Node.RecoveryInterval)

	integer("INGEST_INDEX_SHARDS", &c.Index.Shards)
	integer("INGEST_INDEX_REPLICAS", &c.Index.Replicas)
	duration("INGEST_INDEX_REFRESH_INTERVAL", &c.Index.RefreshInterval)

	integer("INGEST_BULK_ACTIONS", &c.Bulk.MaxActions)
	str("INGEST_BULK_VOLUME", &c.Bulk.MaxVolume)
	integer("INGEST_BULK_CONCURRENCY", &c.Bulk.Concurrency)
	duration("INGEST_BULK_FLUSH_INTERVAL", &c.Bulk.FlushInterval)
	str("INGEST_BULK_CONSISTENCY", &c.Bulk.Consistency)
	duration("INGEST_BULK_TIMEOUT", &c.Bulk.Timeout)

	return result.ErrorOrNil()
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.Node.ID == "" {
		result = multierror.Append(result, errors.New("node id must be set"))
	}
	if c.Node.ListenAddr == "" {
		result = multierror.Append(result, errors.New("listen address must be set"))
	}
	if _, err := ParsePeers(c.Node.Peers); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Node.VNodes <= 0 {
		result = multierror.Append(result, errors.Errorf("vnodes must be positive, got %d", c.Node.VNodes))
	}
	if c.Index.Shards <= 0 {
		result = multierror.Append(result, errors.Errorf("index shards must be positive, got %d", c.Index.Shards))
	}
	if c.Index.Replicas < 0 {
		result = multierror.Append(result, errors.Errorf("index replicas must not be negative, got %d", c.Index.Replicas))
	}
	if _, err := c.BulkClient(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// PeerList parses the configured peers.
func (c Config) PeerList() ([]Peer, error) {
	return ParsePeers(c.Node.Peers)
}

// BulkClient converts the bulk section into client limits.
func (c Config) BulkClient() (bulk.Config, error) {
	out := bulk.Config{
		MaxActionsPerBatch:   c.Bulk.MaxActions,
		MaxConcurrentBatches: c.Bulk.Concurrency,
		FlushInterval:        c.Bulk.FlushInterval,
		Timeout:              c.Bulk.Timeout,
		BatchesPerSecond:     c.Bulk.RatePerSecond,
	}
	if c.Bulk.MaxVolume != "" {
		volume, err := humanize.ParseBytes(c.Bulk.MaxVolume)
		if err != nil {
			return bulk.Config{}, errors.Wrapf(err, "bulk max volume %q", c.Bulk.MaxVolume)
		}
		out.MaxVolumePerBatch = int64(volume)
	}
	level := quorum.Default
	if c.Bulk.Consistency != "" {
		var err error
		if level, err = quorum.ParseLevel(c.Bulk.Consistency); err != nil {
			return bulk.Config{}, errors.Wrap(err, "bulk consistency")
		}
	}
	out.Consistency = level
	return out, nil
}

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, addr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}
		peers = append(peers, Peer{ID: id, Addr: addr})
	}

	return peers, nil
}

// RingNodes returns the local node followed by every peer other than the
// local node.
func (c Config) RingNodes() ([]ring.Node, error) {
	peers, err := c.PeerList()
	if err != nil {
		return nil, err
	}
	nodes := make([]ring.Node, 0, len(peers)+1)
	nodes = append(nodes, ring.Node{ID: c.Node.ID, Addr: c.Node.ListenAddr})
	for _, peer := range peers {
		if peer.ID != c.Node.ID {
			nodes = append(nodes, ring.Node{ID: peer.ID, Addr: peer.Addr})
		}
	}
	return nodes, nil
}
