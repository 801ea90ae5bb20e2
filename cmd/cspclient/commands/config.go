package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/cspcore"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/protocol"
	"github.com/opd-ai/cspcore/transport"
)

// Config is the YAML configuration file.
type Config struct {
	DataDir  string                 `yaml:"data_dir"`
	KeyFile  string                 `yaml:"key_file"`
	LogLevel string                 `yaml:"log_level"`
	Server   ServerConfig           `yaml:"server"`
	Proxy    *transport.ProxyConfig `yaml:"proxy,omitempty"`
	Contacts []ContactConfig        `yaml:"contacts"`

	// AnotherConnectionMatch and AnotherConnectionLimit override the
	// handling of the server's duplicate login error.
	AnotherConnectionMatch string `yaml:"another_connection_match,omitempty"`
	AnotherConnectionLimit *int   `yaml:"another_connection_limit,omitempty"`
}

// ServerConfig describes the chat server.
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Ports        []uint16 `yaml:"ports"`
	PublicKey    string   `yaml:"public_key"`
	AltPublicKey string   `yaml:"alt_public_key,omitempty"`
}

// ContactConfig is a known peer.
type ContactConfig struct {
	Identity        string `yaml:"identity"`
	PublicKey       string `yaml:"public_key"`
	ForwardSecurity bool   `yaml:"forward_security"`
}

// loadConfig reads path. A missing file yields an empty config rooted in
// home.
func loadConfig(path, home string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = home
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = "identity.yaml"
	}
	if !filepath.IsAbs(cfg.KeyFile) {
		cfg.KeyFile = filepath.Join(cfg.DataDir, cfg.KeyFile)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

func parseKey(name, s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(key) {
		return key, fmt.Errorf("%s must be %d hex encoded bytes", name, len(key))
	}
	copy(key[:], raw)
	return key, nil
}

// serverInfo converts the server section.
func (c *Config) serverInfo() (transport.ServerInfo, error) {
	info := transport.ServerInfo{Host: c.Server.Host, Ports: c.Server.Ports}
	if info.Host == "" || len(info.Ports) == 0 {
		return info, fmt.Errorf("server host and ports are required")
	}
	var err error
	if info.PublicKey, err = parseKey("server public_key", c.Server.PublicKey); err != nil {
		return info, err
	}
	if c.Server.AltPublicKey != "" {
		if info.AltPublicKey, err = parseKey("server alt_public_key", c.Server.AltPublicKey); err != nil {
			return info, err
		}
	}
	return info, nil
}

// contacts builds the in-memory contact store.
func (c *Config) contacts() (*identity.MemoryContacts, error) {
	store := identity.NewMemoryContacts()
	for _, cc := range c.Contacts {
		key, err := parseKey("public_key of "+cc.Identity, cc.PublicKey)
		if err != nil {
			return nil, err
		}
		contact := identity.Contact{Identity: protocol.Identity(cc.Identity), PublicKey: key}
		if cc.ForwardSecurity {
			contact.FeatureMask |= identity.FeatureForwardSecurity
		}
		if err := store.Add(contact); err != nil {
			return nil, fmt.Errorf("contact %s: %w", cc.Identity, err)
		}
	}
	return store, nil
}

// clientOptions maps the file onto client options.
func (c *Config) clientOptions() (*cspcore.Options, error) {
	opts := cspcore.NewOptions(c.DataDir)
	server, err := c.serverInfo()
	if err != nil {
		return nil, err
	}
	opts.Server = server
	opts.Transport.Proxy = c.Proxy
	if c.AnotherConnectionMatch != "" {
		opts.Transport.AnotherConnectionMatch = c.AnotherConnectionMatch
	}
	if c.AnotherConnectionLimit != nil {
		opts.Transport.AnotherConnectionLimit = *c.AnotherConnectionLimit
	}
	contacts, err := c.contacts()
	if err != nil {
		return nil, err
	}
	opts.Contacts = contacts
	return opts, nil
}
