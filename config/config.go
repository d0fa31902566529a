// Package config loads the YAML configuration of gojowal binaries.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojowal/config/certs"
	"github.com/sushant-115/gojowal/core/coordination"
	"github.com/sushant-115/gojowal/core/partition"
	"github.com/sushant-115/gojowal/pkg/logger"
	"github.com/sushant-115/gojowal/pkg/telemetry"
)

const (
	CoordinationRaft   = "raft"
	CoordinationStatic = "static"
)

// Tunables are the replication and conflict-detection knobs of a log server.
type Tunables struct {
	// QuorumSize of zero means a strict majority of each replica set.
	QuorumSize             int           `yaml:"quorum_size"`
	SubmitTimeout          time.Duration `yaml:"submit_timeout"`
	ReplicaAppendTimeout   time.Duration `yaml:"replica_append_timeout"`
	RetryBackoffMin        time.Duration `yaml:"retry_backoff_min"`
	RetryBackoffMax        time.Duration `yaml:"retry_backoff_max"`
	UnhealthyFlagThreshold int           `yaml:"unhealthy_flag_threshold"`
	ProbeInterval          time.Duration `yaml:"probe_interval"`
	MaxBufferedRecords     int           `yaml:"max_buffered_records"`
	ConflictWindowSize     int           `yaml:"conflict_window_size"`
	RecoveryTimeout        time.Duration `yaml:"recovery_timeout"`
	RecoveryRetryInterval  time.Duration `yaml:"recovery_retry_interval"`
	// CatchUpRate limits records per second read from a peer replica to
	// re-sync a lagging one. Zero means unlimited.
	CatchUpRate  float64 `yaml:"catchup_rate"`
	CatchUpBatch int     `yaml:"catchup_batch"`
}

func (t *Tunables) applyDefaults() {
	if t.SubmitTimeout == 0 {
		t.SubmitTimeout = 10 * time.Second
	}
	if t.ReplicaAppendTimeout == 0 {
		t.ReplicaAppendTimeout = 5 * time.Second
	}
	if t.RetryBackoffMin == 0 {
		t.RetryBackoffMin = 50 * time.Millisecond
	}
	if t.RetryBackoffMax == 0 {
		t.RetryBackoffMax = 5 * time.Second
	}
	if t.UnhealthyFlagThreshold == 0 {
		t.UnhealthyFlagThreshold = 10
	}
	if t.ProbeInterval == 0 {
		t.ProbeInterval = time.Second
	}
	if t.MaxBufferedRecords == 0 {
		t.MaxBufferedRecords = 10000
	}
	if t.ConflictWindowSize == 0 {
		t.ConflictWindowSize = 10000
	}
	if t.RecoveryTimeout == 0 {
		t.RecoveryTimeout = 30 * time.Second
	}
	if t.RecoveryRetryInterval == 0 {
		t.RecoveryRetryInterval = 2 * time.Second
	}
	if t.CatchUpBatch == 0 {
		t.CatchUpBatch = 256
	}
}

func (t *Tunables) validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"submit_timeout":          t.SubmitTimeout,
		"replica_append_timeout":  t.ReplicaAppendTimeout,
		"retry_backoff_min":       t.RetryBackoffMin,
		"retry_backoff_max":       t.RetryBackoffMax,
		"probe_interval":          t.ProbeInterval,
		"recovery_timeout":        t.RecoveryTimeout,
		"recovery_retry_interval": t.RecoveryRetryInterval,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] < 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if t.RetryBackoffMin > t.RetryBackoffMax {
		errs = append(errs, errors.New("retry_backoff_min exceeds retry_backoff_max"))
	}
	if t.QuorumSize < 0 {
		errs = append(errs, errors.New("quorum_size must not be negative"))
	}
	if t.ConflictWindowSize < 0 || t.MaxBufferedRecords < 0 || t.UnhealthyFlagThreshold < 0 || t.CatchUpBatch < 0 {
		errs = append(errs, errors.New("conflict_window_size, max_buffered_records, unhealthy_flag_threshold and catchup_batch must not be negative"))
	}
	if t.CatchUpRate < 0 {
		errs = append(errs, errors.New("catchup_rate must not be negative"))
	}
	return errors.Join(errs...)
}

// PartitionOptions converts the tunables to partition options.
func (t Tunables) PartitionOptions() partition.Options {
	limit := rate.Inf
	if t.CatchUpRate > 0 {
		limit = rate.Limit(t.CatchUpRate)
	}
	return partition.Options{
		QuorumSize:            t.QuorumSize,
		WindowSize:            t.ConflictWindowSize,
		SubmitTimeout:         t.SubmitTimeout,
		RecoveryTimeout:       t.RecoveryTimeout,
		RecoveryRetryInterval: t.RecoveryRetryInterval,
		AppendTimeout:         t.ReplicaAppendTimeout,
		BackoffMin:            t.RetryBackoffMin,
		BackoffMax:            t.RetryBackoffMax,
		FlagThreshold:         t.UnhealthyFlagThreshold,
		ProbeInterval:         t.ProbeInterval,
		MaxBuffered:           t.MaxBufferedRecords,
		CatchUpRate:           limit,
		CatchUpBatch:          t.CatchUpBatch,
	}
}

// CoordinationConfig selects how partition ownership is decided.
type CoordinationConfig struct {
	// Mode is "raft" (default) or "static".
	Mode              string              `yaml:"mode"`
	RaftAddress       string              `yaml:"raft_address"`
	DataDir           string              `yaml:"data_dir"`
	Peers             []coordination.Peer `yaml:"peers"`
	ReconcileInterval time.Duration       `yaml:"reconcile_interval"`
	ApplyTimeout      time.Duration       `yaml:"apply_timeout"`
	HeartbeatTimeout  time.Duration       `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration       `yaml:"election_timeout"`
}

// ServerConfig configures a log server.
type ServerConfig struct {
	ServerID string `yaml:"server_id"`
	// ListenAddr serves the log service. Other servers forward coordination
	// commands to it as well.
	ListenAddr   string             `yaml:"listen_addr"`
	Coordination CoordinationConfig `yaml:"coordination"`
	// Partitions maps each partition to its storage replica addresses.
	Partitions          map[int32][]string `yaml:"partitions"`
	Tunables            Tunables           `yaml:"tunables"`
	ConnectivityTimeout time.Duration      `yaml:"connectivity_timeout"`

	// TLS secures the log service. ClientTLS is presented to storage nodes
	// and to peer log servers.
	TLS       certs.Config     `yaml:"tls"`
	ClientTLS certs.Config     `yaml:"client_tls"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

func (c *ServerConfig) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:7100"
	}
	if c.Coordination.Mode == "" {
		c.Coordination.Mode = CoordinationRaft
	}
	if c.Coordination.ReconcileInterval == 0 {
		c.Coordination.ReconcileInterval = 2 * time.Second
	}
	if c.Coordination.ApplyTimeout == 0 {
		c.Coordination.ApplyTimeout = 5 * time.Second
	}
	if c.ConnectivityTimeout == 0 {
		c.ConnectivityTimeout = 5 * time.Second
	}
	c.Tunables.applyDefaults()
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "gojowal-server"
	}
}

func (c *ServerConfig) Validate() error {
	var errs []error
	if c.ServerID == "" {
		errs = append(errs, errors.New("server_id is required"))
	}
	if len(c.Partitions) == 0 {
		errs = append(errs, errors.New("at least one partition is required"))
	}
	for _, id := range slices.Sorted(maps.Keys(c.Partitions)) {
		if err := validateReplicaSet(id, c.Partitions[id], c.Tunables.QuorumSize); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Coordination.Mode {
	case CoordinationStatic:
	case CoordinationRaft:
		if c.Coordination.RaftAddress == "" {
			errs = append(errs, errors.New("coordination.raft_address is required in raft mode"))
		}
		if c.Coordination.DataDir == "" {
			errs = append(errs, errors.New("coordination.data_dir is required in raft mode"))
		}
		if !slices.ContainsFunc(c.Coordination.Peers, func(p coordination.Peer) bool { return p.ID == c.ServerID }) {
			errs = append(errs, fmt.Errorf("coordination.peers must include server %q", c.ServerID))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown coordination mode %q", c.Coordination.Mode))
	}
	errs = append(errs, c.Tunables.validate(), c.TLS.Validate(), c.ClientTLS.Validate())
	return errors.Join(errs...)
}

func validateReplicaSet(id int32, replicas []string, quorum int) error {
	if id < 0 {
		return fmt.Errorf("partition %d: negative partition id", id)
	}
	if len(replicas) == 0 {
		return fmt.Errorf("partition %d: no replicas", id)
	}
	seen := make(map[string]bool, len(replicas))
	for _, r := range replicas {
		if seen[r] {
			return fmt.Errorf("partition %d: replica %s listed twice", id, r)
		}
		seen[r] = true
	}
	if quorum != 0 && (quorum <= len(replicas)/2 || quorum > len(replicas)) {
		return fmt.Errorf("partition %d: quorum_size %d is not a majority of %d replicas", id, quorum, len(replicas))
	}
	return nil
}

// StorageConfig configures a storage node.
type StorageConfig struct {
	NodeID     string `yaml:"node_id"`
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	// Partitions are created at startup if missing.
	Partitions       []int32 `yaml:"partitions"`
	SegmentSizeLimit int64   `yaml:"segment_size_limit"`
	// ReadBatch is the number of records per Read stream message.
	ReadBatch int `yaml:"read_batch"`

	TLS       certs.Config     `yaml:"tls"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

func (c *StorageConfig) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:7200"
	}
	if c.SegmentSizeLimit == 0 {
		c.SegmentSizeLimit = 64 << 20
	}
	if c.ReadBatch == 0 {
		c.ReadBatch = 256
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "gojowal-storage"
	}
}

func (c *StorageConfig) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.SegmentSizeLimit < 0 || c.ReadBatch < 0 {
		errs = append(errs, errors.New("segment_size_limit and read_batch must not be negative"))
	}
	for _, id := range c.Partitions {
		if id < 0 {
			errs = append(errs, fmt.Errorf("partition %d: negative partition id", id))
		}
	}
	errs = append(errs, c.TLS.Validate())
	return errors.Join(errs...)
}

// LoadServerConfig reads, defaults and validates a log server config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadStorageConfig reads, defaults and validates a storage node config file.
func LoadStorageConfig(path string) (*StorageConfig, error) {
	cfg := &StorageConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}
