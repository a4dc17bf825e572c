// Package config handles configuration loading and validation for bupstash.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sogaiu/bupstash/internal/chunker"
	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/repository"
	"github.com/sogaiu/bupstash/internal/store"
	"github.com/sogaiu/bupstash/internal/transport"
	"github.com/sogaiu/bupstash/pkg/bytesize"
)

// Environment variables overriding the client settings of the file. Empty
// values are ignored.
const (
	EnvRepository = "BUPSTASH_REPOSITORY"
	EnvKey        = "BUPSTASH_KEY"
	EnvSendLog    = "BUPSTASH_SEND_LOG"
	EnvCacheDir   = "BUPSTASH_QUERY_CACHE"
	EnvToken      = "BUPSTASH_TOKEN"
)

// ChunkingConfig selects chunk boundaries for new data.
type ChunkingConfig struct {
	Algorithm string        `yaml:"algorithm"` // buzhash or rabin
	MinSize   bytesize.Size `yaml:"min_size"`
	MaxSize   bytesize.Size `yaml:"max_size"`
	MaskBits  uint          `yaml:"mask_bits"`
}

// SSHConfig holds the client side of the SSH transport.
type SSHConfig struct {
	Identity string `yaml:"identity"` // private key, generated on first use
	HostKey  string `yaml:"host_key"` // expected server key; empty skips verification
}

// ParityConfig adds Reed-Solomon parity shards to stored chunks.
type ParityConfig struct {
	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`
}

// GCSConfig keeps chunks in a Google Cloud Storage bucket instead of the
// repository directory.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// ServerConfig holds configuration for `bupstash serve`.
type ServerConfig struct {
	Repository     string        `yaml:"repository"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	Parity         *ParityConfig `yaml:"parity,omitempty"`
	GCS            *GCSConfig    `yaml:"gcs,omitempty"`
	SSHListen      string        `yaml:"ssh_listen"`
	HostKey        string        `yaml:"host_key"`
	AuthorizedKeys string        `yaml:"authorized_keys"`
	WSListen       string        `yaml:"ws_listen"`
	WSToken        string        `yaml:"ws_token"`
	MetricsListen  string        `yaml:"metrics_listen"`
	// TraceBuffer enables the runtime flight recorder behind
	// /debug/trace on the metrics listener. Zero leaves it off.
	TraceBuffer bytesize.Size `yaml:"trace_buffer"`
	// AuditLog is a file that audit events are appended to, in addition
	// to the main log.
	AuditLog string      `yaml:"audit_log"`
	Loki     *LokiConfig `yaml:"loki,omitempty"`
}

// LokiConfig ships server logs to Grafana Loki.
type LokiConfig struct {
	URL           string            `yaml:"url"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
}

// Config is the bupstash configuration file.
type Config struct {
	LogLevel    string         `yaml:"log_level"`
	Repository  string         `yaml:"repository"` // path, ssh://user@host:port or ws(s)://host/repo
	Key         string         `yaml:"key"`
	SendLog     string         `yaml:"send_log"`
	CacheDir    string         `yaml:"cache_dir"`
	Token       string         `yaml:"token"` // websocket bearer token
	Concurrency int            `yaml:"concurrency"`
	UploadRate  bytesize.Rate  `yaml:"upload_rate"`
	Chunking    ChunkingConfig `yaml:"chunking"`
	SSH         SSHConfig      `yaml:"ssh"`
	Server      ServerConfig   `yaml:"server"`
}

// DefaultPath is where the configuration lives unless --config says
// otherwise.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "bupstash.yaml"
	}
	return filepath.Join(dir, "bupstash", "config.yaml")
}

func defaultDataDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".bupstash"
	}
	return filepath.Join(dir, "bupstash")
}

// Load reads the configuration at path. A missing file is not an error
// when optional is set; the defaults are returned instead.
func Load(path string, optional bool) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	for env, field := range map[string]*string{
		EnvRepository: &c.Repository,
		EnvKey:        &c.Key,
		EnvSendLog:    &c.SendLog,
		EnvCacheDir:   &c.CacheDir,
		EnvToken:      &c.Token,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	data := defaultDataDir()
	if c.SendLog == "" {
		c.SendLog = filepath.Join(data, "send.log")
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(data, "query")
	}
	if c.SSH.Identity == "" {
		c.SSH.Identity = filepath.Join(data, "id_ed25519")
	}

	d := chunker.DefaultParams()
	if c.Chunking.Algorithm == "" {
		c.Chunking.Algorithm = d.Algorithm
	}
	if c.Chunking.MinSize == 0 {
		c.Chunking.MinSize = bytesize.Size(d.MinSize)
	}
	if c.Chunking.MaxSize == 0 {
		c.Chunking.MaxSize = bytesize.Size(d.MaxSize)
	}
	if c.Chunking.MaskBits == 0 {
		c.Chunking.MaskBits = d.MaskBits
	}

	if c.Server.GracePeriod == 0 {
		c.Server.GracePeriod = repository.DefaultGracePeriod
	}
	if c.Server.Repository == "" {
		c.Server.Repository = c.Repository
	}

	for _, p := range []*string{
		&c.Repository, &c.Key, &c.SendLog, &c.CacheDir, &c.SSH.Identity, &c.SSH.HostKey,
		&c.Server.Repository, &c.Server.HostKey, &c.Server.AuthorizedKeys, &c.Server.AuditLog,
	} {
		*p = ExpandHome(*p)
	}
}

// ExpandHome replaces a leading "~/" with the home directory.
func ExpandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// ChunkerParams converts the chunking settings.
func (c *Config) ChunkerParams() chunker.Params {
	return chunker.Params{
		Algorithm: c.Chunking.Algorithm,
		MinSize:   int(c.Chunking.MinSize),
		MaxSize:   int(c.Chunking.MaxSize),
		MaskBits:  c.Chunking.MaskBits,
	}
}

// Location parses the repository setting.
func (c *Config) Location() (transport.Location, error) {
	if c.Repository == "" {
		return transport.Location{}, fmt.Errorf("no repository configured (set repository or %s): %w", EnvRepository, fault.ErrInvalid)
	}
	return transport.ParseLocation(c.Repository)
}

// StoreParity returns the store parity setting, or nil if parity is off.
func (s *ServerConfig) StoreParity() *store.Parity {
	if s.Parity == nil {
		return nil
	}
	return &store.Parity{DataShards: s.Parity.DataShards, ParityShards: s.Parity.ParityShards}
}

// Validate checks the client settings.
func (c *Config) Validate() error {
	if err := c.ChunkerParams().Validate(); err != nil {
		return fmt.Errorf("chunking: %w", err)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative: %w", fault.ErrInvalid)
	}
	if c.UploadRate < 0 {
		return fmt.Errorf("upload_rate must not be negative: %w", fault.ErrInvalid)
	}
	if c.Repository != "" {
		if _, err := c.Location(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the server settings.
func (s *ServerConfig) Validate() error {
	if s.Repository == "" {
		return fmt.Errorf("server.repository is required: %w", fault.ErrInvalid)
	}
	if s.SSHListen == "" && s.WSListen == "" {
		return fmt.Errorf("at least one of ssh_listen and ws_listen is required: %w", fault.ErrInvalid)
	}
	for name, addr := range map[string]string{"ssh_listen": s.SSHListen, "ws_listen": s.WSListen, "metrics_listen": s.MetricsListen} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s %q: %v: %w", name, addr, err, fault.ErrInvalid)
		}
	}
	if s.SSHListen != "" && (s.HostKey == "" || s.AuthorizedKeys == "") {
		return fmt.Errorf("ssh_listen needs host_key and authorized_keys: %w", fault.ErrInvalid)
	}
	if s.WSListen != "" && s.WSToken == "" {
		return fmt.Errorf("ws_listen needs ws_token: %w", fault.ErrInvalid)
	}
	if p := s.StoreParity(); p != nil {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("parity: %v: %w", err, fault.ErrInvalid)
		}
	}
	if s.GCS != nil && s.GCS.Bucket == "" {
		return fmt.Errorf("gcs.bucket is required: %w", fault.ErrInvalid)
	}
	if s.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative: %w", fault.ErrInvalid)
	}
	if s.TraceBuffer != 0 && s.MetricsListen == "" {
		return fmt.Errorf("trace_buffer needs metrics_listen: %w", fault.ErrInvalid)
	}
	if s.Loki != nil {
		u, err := url.Parse(s.Loki.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid loki.url %q: %w", s.Loki.URL, fault.ErrInvalid)
		}
		if s.Loki.BatchSize < 0 || s.Loki.FlushInterval < 0 {
			return fmt.Errorf("loki batch_size and flush_interval must not be negative: %w", fault.ErrInvalid)
		}
	}
	return nil
}
