package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// CriticalPolicy controls what happens on unrecoverable file system errors
type CriticalPolicy string

const (
	CriticalLogOnly  CriticalPolicy = "log"       // Log and continue
	CriticalLogTrace CriticalPolicy = "log_trace" // Log with stack trace and continue
	CriticalAbort    CriticalPolicy = "abort"     // Log and terminate the process
)

// StorageConfiguration selects and tunes the database
type StorageConfiguration struct {
	Path            string         `toml:"path"`
	Database        string         `toml:"database"`
	Master          bool           `toml:"master"`
	FilenameMask    string         `toml:"filename_mask"`
	XPermission     uint32         `toml:"xpermission"` // Directory mode
	RPermission     uint32         `toml:"rpermission"` // File mode
	OnCriticalError CriticalPolicy `toml:"on_critical_error"`
	ReadFDCacheSize int            `toml:"read_fd_cache_size"`
	CipherKeyFile   string         `toml:"cipher_key_file"` // 32 byte key for sf_cipher_record topics
}

// WatchConfiguration controls the realtime feed used by the watch command
type WatchConfiguration struct {
	RtByMem bool `toml:"rt_by_mem"` // In-process feed (master only) instead of rt_disk
	OnlyMd  bool `toml:"only_md"`   // Deliver metadata without content
}

// SinkConfiguration describes one destination of the publish command
type SinkConfiguration struct {
	Name            string   `toml:"name"`   // Cursor name, unique per sink
	Type            string   `toml:"type"`   // "kafka" or "nats"
	Format          string   `toml:"format"` // "json", "msgpack" or "debezium"
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterTopics    []string `toml:"filter_topics"` // Glob patterns, empty matches all
	FilterKeys      []string `toml:"filter_keys"`   // Glob patterns, empty matches all
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration controls the record relay
type PublisherConfiguration struct {
	DataDir string              `toml:"data_dir"` // Holds the outbox, defaults under the storage path
	Sinks   []SinkConfiguration `toml:"sinks"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID uint64 `toml:"node_id"`

	Storage    StorageConfiguration    `toml:"storage"`
	Watch      WatchConfiguration      `toml:"watch"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "timeranger.toml", "Path to configuration file")
	PathFlag       = flag.String("path", "", "Root directory of the databases (overrides config)")
	DatabaseFlag   = flag.String("database", "", "Database name (overrides config)")
	MasterFlag     = flag.Bool("master", false, "Open as the single writer (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Debug logging (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID: 0, // Auto-generate

	Storage: StorageConfiguration{
		Path:            "./timeranger-data",
		Database:        "tr",
		Master:          false,
		FilenameMask:    "%Y-%m-%d",
		XPermission:     02770,
		RPermission:     0660,
		OnCriticalError: CriticalLogOnly,
		ReadFDCacheSize: 256,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Debug().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *PathFlag != "" {
		Config.Storage.Path = *PathFlag
	}
	if *DatabaseFlag != "" {
		Config.Storage.Database = *DatabaseFlag
	}
	if *MasterFlag {
		Config.Storage.Master = true
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			// Metrics labels only, not fatal
			log.Warn().Err(err).Msg("Failed to derive node ID from machine ID")
			Config.NodeID = 1
		}
	}

	return nil
}

// generateNodeID creates a stable node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("timeranger")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if Config.Storage.Database == "" {
		return fmt.Errorf("storage database name is required")
	}

	if Config.Storage.FilenameMask == "" {
		return fmt.Errorf("filename mask must not be empty")
	}

	if Config.Storage.XPermission == 0 || Config.Storage.XPermission > 07777 {
		return fmt.Errorf("invalid xpermission: %o", Config.Storage.XPermission)
	}

	if Config.Storage.RPermission == 0 || Config.Storage.RPermission > 07777 {
		return fmt.Errorf("invalid rpermission: %o", Config.Storage.RPermission)
	}

	switch Config.Storage.OnCriticalError {
	case CriticalLogOnly, CriticalLogTrace, CriticalAbort:
	default:
		return fmt.Errorf("invalid on_critical_error policy: %s", Config.Storage.OnCriticalError)
	}

	if Config.Storage.ReadFDCacheSize < 1 {
		return fmt.Errorf("read fd cache size must be >= 1")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	seen := make(map[string]bool, len(Config.Publisher.Sinks))
	for _, sink := range Config.Publisher.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("publisher sink name is required")
		}
		if seen[sink.Name] {
			return fmt.Errorf("duplicate publisher sink: %s", sink.Name)
		}
		seen[sink.Name] = true

		switch sink.Type {
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("sink %s: kafka needs brokers", sink.Name)
			}
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("sink %s: nats needs nats_url", sink.Name)
			}
		default:
			return fmt.Errorf("sink %s: invalid type %q", sink.Name, sink.Type)
		}

		switch sink.Format {
		case "", "json", "msgpack", "debezium":
		default:
			return fmt.Errorf("sink %s: invalid format %q", sink.Name, sink.Format)
		}
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// CipherKey reads the record encryption key, if one is configured
func CipherKey() ([]byte, error) {
	if Config.Storage.CipherKeyFile == "" {
		return nil, nil
	}

	key, err := os.ReadFile(Config.Storage.CipherKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read cipher key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("cipher key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
