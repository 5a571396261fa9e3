// Package config loads the engine's process-wide configuration, carrying
// forward the teacher's YAML-over-defaults pattern.
package config

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v1"
)

// DHTParams holds the per-mode (normal/aggressive) Kademlia query shape:
// alpha is parallel outstanding queries, K is bucket size, MaxDepth is the
// iterative-lookup depth cap.
type DHTParams struct {
	Alpha    int `yaml:"alpha"`
	K        int `yaml:"k"`
	MaxDepth int `yaml:"max_depth"`
}

// Config is the engine's top-level configuration.
type Config struct {
	// Network
	ListenPortTCP uint16 `yaml:"listen_port_tcp"`
	ListenPortUDP uint16 `yaml:"listen_port_udp"`
	DHTPort       uint16 `yaml:"dht_port"`
	DHTEnabled    bool   `yaml:"dht_enabled"`
	DHTAddress    string `yaml:"dht_address"`

	MaxPeersPerTorrent int           `yaml:"max_peers_per_torrent"`
	AnnounceInterval   time.Duration `yaml:"announce_interval"`

	// Tracker pool
	TrackerHTTPTimeout        time.Duration `yaml:"tracker_http_timeout"`
	TrackerHTTPUserAgent      string        `yaml:"tracker_http_user_agent"`
	TrackerPoolMaxConnsTotal  int           `yaml:"tracker_pool_max_conns_total"`
	TrackerPoolMaxConnsPerHost int          `yaml:"tracker_pool_max_conns_per_host"`
	TrackerPoolKeepAlive      time.Duration `yaml:"tracker_pool_keepalive"`
	TrackerDNSCacheTTL        time.Duration `yaml:"tracker_dns_cache_ttl"`
	EnableHTTPTrackers        bool          `yaml:"enable_http_trackers"`
	StrictPrivateMode         bool          `yaml:"strict_private_mode"`

	// DHT mode parameters
	DHTNormalParams     DHTParams `yaml:"dht_normal_params"`
	DHTAggressiveParams DHTParams `yaml:"dht_aggressive_params"`

	// Peer ID, version-derived; first 8 bytes are "-BT<major:02>{minor:02}-".
	PeerIDPrefix string `yaml:"peer_id_prefix"`

	// Storage
	Database           string `yaml:"database"`
	DataDir            string `yaml:"data_dir"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CheckpointBatchSize int          `yaml:"checkpoint_batch_size"`

	// Event bus
	EventQueueSize  int           `yaml:"event_queue_size"`
	EventBatchSize  int           `yaml:"event_batch_size"`
	EventAssembly   time.Duration `yaml:"event_assembly_timeout"`
	EventReplaySize int           `yaml:"event_replay_size"`
}

// DefaultConfig mirrors the teacher's DefaultConfig literal, generalized to
// the full set of variables this engine consumes.
var DefaultConfig = Config{
	ListenPortTCP:      6881,
	ListenPortUDP:       6881,
	DHTPort:            6881,
	DHTEnabled:         true,
	DHTAddress:         "0.0.0.0",
	MaxPeersPerTorrent: 200,
	AnnounceInterval:   30 * time.Minute,

	TrackerHTTPTimeout:        30 * time.Second,
	TrackerHTTPUserAgent:      "peerengine/1.0",
	TrackerPoolMaxConnsTotal:   100,
	TrackerPoolMaxConnsPerHost: 4,
	TrackerPoolKeepAlive:       30 * time.Second,
	TrackerDNSCacheTTL:         5 * time.Minute,
	EnableHTTPTrackers:         true,
	StrictPrivateMode:          false,

	DHTNormalParams:     DHTParams{Alpha: 3, K: 8, MaxDepth: 8},
	DHTAggressiveParams: DHTParams{Alpha: 6, K: 16, MaxDepth: 12},

	PeerIDPrefix: "-BT0100-",

	Database:            "~/.peerengine/resume.db",
	DataDir:             "~/.peerengine/data",
	CheckpointInterval:  time.Second,
	CheckpointBatchSize: 20,

	EventQueueSize:  10000,
	EventBatchSize:  50,
	EventAssembly:   50 * time.Millisecond,
	EventReplaySize: 1000,
}

// Load reads a YAML config file over DefaultConfig. A missing file is not
// an error: it simply yields the defaults, matching the teacher's
// LoadConfig.
func Load(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
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
