package cfg

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/anor-rs/anor-cluster/topology"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// NodeConfiguration is the capacity this node advertises to peers
type NodeConfiguration struct {
	Weight         int    `toml:"weight" yaml:"weight"`
	RAMMax         uint64 `toml:"ram_max" yaml:"ram_max"`
	DiskMax        uint64 `toml:"disk_max" yaml:"disk_max"`
	ConnectionsMax uint32 `toml:"connections_max" yaml:"connections_max"`
	ThreadsMax     uint32 `toml:"threads_max" yaml:"threads_max"`
}

// ClusterConfiguration controls membership, failure detection and gossip
type ClusterConfiguration struct {
	BindAddress      string   `toml:"bind_address" yaml:"bind_address"`
	AdvertiseAddress string   `toml:"advertise_address" yaml:"advertise_address"` // Address other nodes use to connect (defaults to hostname:port)
	Port             int      `toml:"port" yaml:"port"`
	SeedNodes        []string `toml:"seed_nodes" yaml:"seed_nodes"`

	GossipIntervalMS int `toml:"gossip_interval_ms" yaml:"gossip_interval_ms"`
	GossipFanout     int `toml:"gossip_fanout" yaml:"gossip_fanout"`
	GossipTimeoutMS  int `toml:"gossip_timeout_ms" yaml:"gossip_timeout_ms"`

	HeartbeatIntervalMS int     `toml:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int     `toml:"heartbeat_timeout_ms" yaml:"heartbeat_timeout_ms"`
	HeartbeatJitter     float64 `toml:"heartbeat_jitter" yaml:"heartbeat_jitter"` // Fraction of interval/timeout randomized per probe
	SuspectAfterMisses  int     `toml:"suspect_after_misses" yaml:"suspect_after_misses"`
	SuspectTimeoutMS    int     `toml:"suspect_timeout_ms" yaml:"suspect_timeout_ms"`
	DeadRetryIntervalMS int     `toml:"dead_retry_interval_ms" yaml:"dead_retry_interval_ms"`
	DeadRetryMaxMS      int     `toml:"dead_retry_max_ms" yaml:"dead_retry_max_ms"`
	RemoveDeadAfterMS   int     `toml:"remove_dead_after_ms" yaml:"remove_dead_after_ms"` // 0 = never remove automatically

	JoinTimeoutMS   int    `toml:"join_timeout_ms" yaml:"join_timeout_ms"`
	TokensPerWeight int    `toml:"tokens_per_weight" yaml:"tokens_per_weight"`
	Hash            string `toml:"hash" yaml:"hash"` // "xxhash" or "murmur3"
}

// RedundancyConfiguration is the replication policy applied cluster-wide
type RedundancyConfiguration struct {
	Strategy           string `toml:"strategy" yaml:"strategy"` // normal, maximum, paranoid
	ReplicaMin         int    `toml:"replica_min" yaml:"replica_min"`
	ReplicaMax         int    `toml:"replica_max" yaml:"replica_max"`
	SweepIntervalMS    int    `toml:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	MigrationTimeoutMS int    `toml:"migration_timeout_ms" yaml:"migration_timeout_ms"`
	TransferTimeoutMS  int    `toml:"transfer_timeout_ms" yaml:"transfer_timeout_ms"`
}

// GRPCConfiguration controls the peer transport
type GRPCConfiguration struct {
	CompressionLevel        int `toml:"compression_level" yaml:"compression_level"` // 0 = off, 1..4 = zstd fastest..best
	KeepaliveTimeSeconds    int `toml:"keepalive_time_seconds" yaml:"keepalive_time_seconds"`
	KeepaliveTimeoutSeconds int `toml:"keepalive_timeout_seconds" yaml:"keepalive_timeout_seconds"`
	MaxMessageMB            int `toml:"max_message_mb" yaml:"max_message_mb"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose" yaml:"verbose"`
	Format  string `toml:"format" yaml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// PublisherConfiguration controls topology event publishing
type PublisherConfiguration struct {
	Enabled        bool     `toml:"enabled" yaml:"enabled"`
	Sink           string   `toml:"sink" yaml:"sink"` // "nats" or "kafka"
	NatsURL        string   `toml:"nats_url" yaml:"nats_url"`
	Brokers        []string `toml:"brokers" yaml:"brokers"`
	Topic          string   `toml:"topic" yaml:"topic"`   // Subject/topic prefix
	Format         string   `toml:"format" yaml:"format"` // "json" or "msgpack"
	Events         []string `toml:"events" yaml:"events"` // Glob patterns on event type, empty = all
	BufferSize     int      `toml:"buffer_size" yaml:"buffer_size"`
	RetryInitialMS int      `toml:"retry_initial_ms" yaml:"retry_initial_ms"`
	RetryMaxMS     int      `toml:"retry_max_ms" yaml:"retry_max_ms"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id" yaml:"node_id"`
	DataDir string `toml:"data_dir" yaml:"data_dir"`

	Node       NodeConfiguration       `toml:"node" yaml:"node"`
	Cluster    ClusterConfiguration    `toml:"cluster" yaml:"cluster"`
	Redundancy RedundancyConfiguration `toml:"redundancy" yaml:"redundancy"`
	GRPC       GRPCConfiguration       `toml:"grpc" yaml:"grpc"`
	Logging    LoggingConfiguration    `toml:"logging" yaml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus" yaml:"prometheus"`
	Publisher  PublisherConfiguration  `toml:"publisher" yaml:"publisher"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file (.toml, .yaml or .yml)")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=derive from advertise address)")
	PortFlag       = flag.Int("port", 0, "Cluster port (overrides config)")
	SeedFlag       = flag.String("seed", "", "Comma separated seed addresses (overrides config)")
)

// Default returns a configuration populated with defaults
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Derived from advertise address
		DataDir: "./anor-data",

		Node: NodeConfiguration{
			Weight:         1,
			RAMMax:         1 << 30,  // 1 GiB
			DiskMax:        10 << 30, // 10 GiB
			ConnectionsMax: 1024,
			ThreadsMax:     16,
		},

		Cluster: ClusterConfiguration{
			BindAddress:         "0.0.0.0",
			Port:                7311,
			SeedNodes:           []string{},
			GossipIntervalMS:    1000,
			GossipFanout:        3,
			GossipTimeoutMS:     2000,
			HeartbeatIntervalMS: 1000,
			HeartbeatTimeoutMS:  500,
			HeartbeatJitter:     0.2,
			SuspectAfterMisses:  3,
			SuspectTimeoutMS:    5000,
			DeadRetryIntervalMS: 5000,
			DeadRetryMaxMS:      60000,
			RemoveDeadAfterMS:   0,
			JoinTimeoutMS:       5000,
			TokensPerWeight:     100,
			Hash:                "xxhash",
		},

		Redundancy: RedundancyConfiguration{
			Strategy:           "normal",
			ReplicaMin:         2,
			ReplicaMax:         3,
			SweepIntervalMS:    10000,
			MigrationTimeoutMS: 5000,
			TransferTimeoutMS:  2000,
		},

		GRPC: GRPCConfiguration{
			CompressionLevel:        1,
			KeepaliveTimeSeconds:    10,
			KeepaliveTimeoutSeconds: 3,
			MaxMessageMB:            64,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Publisher: PublisherConfiguration{
			Enabled:        false,
			Sink:           "nats",
			Topic:          "anor.topology",
			Format:         "json",
			BufferSize:     1024,
			RetryInitialMS: 100,
			RetryMaxMS:     30000,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if err := decodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *PortFlag != 0 {
		Config.Cluster.Port = *PortFlag
	}
	if *SeedFlag != "" {
		Config.Cluster.SeedNodes = splitList(*SeedFlag)
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// decodeFile expands ${VAR} references from the environment, then decodes
// TOML or YAML depending on the file extension.
func decodeFile(path string, into *Configuration) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	content := os.ExpandEnv(string(raw))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal([]byte(content), into)
	default:
		_, err := toml.Decode(content, into)
		return err
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks configuration for errors and fills derived values
func Validate() error {
	if Config.Cluster.Port < 1 || Config.Cluster.Port > 65535 {
		return fmt.Errorf("invalid cluster port: %d", Config.Cluster.Port)
	}

	// Auto-fill advertise address if not provided
	if Config.Cluster.AdvertiseAddress == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get hostname, using localhost")
			hostname = "localhost"
		}
		Config.Cluster.AdvertiseAddress = fmt.Sprintf("%s:%d", hostname, Config.Cluster.Port)
		log.Info().
			Str("advertise_address", Config.Cluster.AdvertiseAddress).
			Msg("Auto-configured advertise address")
	}

	if Config.NodeID == 0 {
		Config.NodeID = uint64(topology.NodeIDFromAddress(Config.Cluster.AdvertiseAddress))
		log.Info().Uint64("node_id", Config.NodeID).Msg("Derived node ID from advertise address")
	}

	if _, err := Config.RedundancyPolicy(); err != nil {
		return err
	}

	if Config.Cluster.SuspectAfterMisses < 1 {
		return fmt.Errorf("suspect_after_misses must be >= 1")
	}

	if Config.Cluster.HeartbeatIntervalMS < 1 || Config.Cluster.HeartbeatTimeoutMS < 1 {
		return fmt.Errorf("heartbeat interval and timeout must be >= 1ms")
	}

	if Config.Cluster.HeartbeatJitter < 0 || Config.Cluster.HeartbeatJitter >= 1 {
		return fmt.Errorf("heartbeat jitter must be in [0, 1): %v", Config.Cluster.HeartbeatJitter)
	}

	if Config.Cluster.GossipIntervalMS < 1 {
		return fmt.Errorf("gossip interval must be >= 1ms")
	}

	if Config.Cluster.GossipFanout < 1 {
		return fmt.Errorf("gossip fanout must be >= 1")
	}

	if Config.Cluster.TokensPerWeight < 1 {
		return fmt.Errorf("tokens_per_weight must be >= 1")
	}

	switch Config.Cluster.Hash {
	case "", "xxhash", "murmur3":
	default:
		return fmt.Errorf("invalid ring hash: %s", Config.Cluster.Hash)
	}

	if Config.Node.ThreadsMax < 1 {
		return fmt.Errorf("threads_max must be >= 1")
	}

	if Config.Redundancy.MigrationTimeoutMS < 1 {
		return fmt.Errorf("migration timeout must be >= 1ms")
	}

	if Config.Publisher.Enabled {
		switch Config.Publisher.Sink {
		case "nats", "kafka":
		default:
			return fmt.Errorf("invalid publisher sink: %s", Config.Publisher.Sink)
		}
	}

	return nil
}

// RedundancyPolicy converts the [redundancy] section into a validated policy
func (c *Configuration) RedundancyPolicy() (topology.RedundancyPolicy, error) {
	strategy, err := topology.ParseStrategy(c.Redundancy.Strategy)
	if err != nil {
		return topology.RedundancyPolicy{}, err
	}
	policy := topology.RedundancyPolicy{
		Strategy:   strategy,
		ReplicaMin: c.Redundancy.ReplicaMin,
		ReplicaMax: c.Redundancy.ReplicaMax,
	}
	return policy, policy.Validate()
}

// LocalDescriptor is what this node advertises to the cluster
func (c *Configuration) LocalDescriptor() topology.NodeDescriptor {
	return topology.NodeDescriptor{
		ID:             topology.NodeID(c.NodeID),
		Address:        c.Cluster.AdvertiseAddress,
		Weight:         c.Node.Weight,
		RAMMax:         c.Node.RAMMax,
		DiskMax:        c.Node.DiskMax,
		ConnectionsMax: c.Node.ConnectionsMax,
		ThreadsMax:     c.Node.ThreadsMax,
	}
}

// ListenAddress is the bind address for the multiplexed cluster port
func (c *Configuration) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Cluster.BindAddress, c.Cluster.Port)
}

// EpochStorePath returns where the last committed cluster config is kept
func (c *Configuration) EpochStorePath() string {
	return filepath.Join(c.DataDir, "epoch")
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
