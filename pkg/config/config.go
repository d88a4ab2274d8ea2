// Package config loads the YAML configuration shared by the coordinator and
// the user node processes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/collagecommit/pkg/logger"
	"github.com/sushant-115/collagecommit/pkg/telemetry"
)

const (
	DefaultCoordinatorID = "Server"
	DefaultTimeout       = 3 * time.Second

	TransportTCP  = "tcp"
	TransportGRPC = "grpc"
	TransportQUIC = "quic"

	BackendFile = "file"
	BackendBolt = "bolt"
)

// Config is one node's configuration.
type Config struct {
	NodeID        string `yaml:"node_id"`
	DataDir       string `yaml:"data_dir"`
	CoordinatorID string `yaml:"coordinator_id"`
	LogBackend    string `yaml:"log_backend"`
	// ArtifactDir receives committed collages (coordinator). Defaults to
	// DataDir/collages.
	ArtifactDir string `yaml:"artifact_dir"`
	// ResourceDir holds the node's images (user node). Defaults to DataDir.
	ResourceDir string `yaml:"resource_dir"`

	Protocol  ProtocolConfig   `yaml:"protocol"`
	Transport TransportConfig  `yaml:"transport"`
	HTTP      HTTPConfig       `yaml:"http"`
	Approval  ApprovalConfig   `yaml:"approval"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type ProtocolConfig struct {
	VoteTimeout time.Duration `yaml:"vote_timeout"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
}

type TransportConfig struct {
	Kind       string            `yaml:"kind"`
	ListenAddr string            `yaml:"listen_addr"`
	Peers      map[string]string `yaml:"peers"`
	TLS        TLSConfig         `yaml:"tls"`
}

// TLSConfig points at PEM files for the quic transport. When empty, a
// self-signed pair is generated at startup.
type TLSConfig struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

func (t TLSConfig) Empty() bool { return t.CACert == "" && t.Cert == "" && t.Key == "" }

type HTTPConfig struct {
	ListenAddr  string  `yaml:"listen_addr"`
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`
}

type ApprovalConfig struct {
	Mode string   `yaml:"mode"`
	Deny []string `yaml:"deny"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load reads path and applies defaults. It does not validate, so flag
// overrides can be applied first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	c.ApplyDefaults()
	return &c, nil
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.CoordinatorID == "" {
		c.CoordinatorID = DefaultCoordinatorID
	}
	if c.LogBackend == "" {
		c.LogBackend = BackendFile
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = filepath.Join(c.DataDir, "collages")
	}
	if c.ResourceDir == "" {
		c.ResourceDir = c.DataDir
	}
	if c.Protocol.VoteTimeout <= 0 {
		c.Protocol.VoteTimeout = DefaultTimeout
	}
	if c.Protocol.AckTimeout <= 0 {
		c.Protocol.AckTimeout = DefaultTimeout
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportTCP
	}
	if c.Transport.Peers == nil {
		c.Transport.Peers = map[string]string{}
	}
	if c.HTTP.SubmitRate <= 0 {
		c.HTTP.SubmitRate = 10
	}
	if c.HTTP.SubmitBurst <= 0 {
		c.HTTP.SubmitBurst = 20
	}
	if c.Approval.Mode == "" {
		c.Approval.Mode = "always"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "collagecommit"
	}
}

// Validate reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if strings.ContainsAny(c.NodeID, ";\r\n") {
		errs = append(errs, fmt.Errorf("node_id %q contains a reserved character", c.NodeID))
	}
	switch c.LogBackend {
	case BackendFile, BackendBolt:
	default:
		errs = append(errs, fmt.Errorf("unknown log_backend %q", c.LogBackend))
	}
	switch c.Transport.Kind {
	case TransportTCP, TransportGRPC, TransportQUIC:
	default:
		errs = append(errs, fmt.Errorf("unknown transport.kind %q", c.Transport.Kind))
	}
	if c.Transport.ListenAddr == "" {
		errs = append(errs, errors.New("transport.listen_addr is required"))
	}
	if tls := c.Transport.TLS; !tls.Empty() && (tls.CACert == "" || tls.Cert == "" || tls.Key == "") {
		errs = append(errs, errors.New("transport.tls needs ca_cert, cert and key together"))
	}
	return errors.Join(errs...)
}

// LogPath is the node's identity-scoped log file.
func (c *Config) LogPath() string {
	ext := ".log"
	if c.LogBackend == BackendBolt {
		ext = ".db"
	}
	return filepath.Join(c.DataDir, c.NodeID+ext)
}
