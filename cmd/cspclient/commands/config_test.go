package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/messages"
)

var testKey = strings.Repeat("ab", 32)

func writeConfig(t *testing.T, body string) (path, home string) {
	t.Helper()
	home = t.TempDir()
	path = filepath.Join(home, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, home
}

func TestLoadConfigDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := loadConfig(filepath.Join(home, "missing.yaml"), home)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "identity.yaml"), cfg.KeyFile)
	assert.Equal(t, "info", cfg.LogLevel)

	_, err = cfg.clientOptions()
	assert.Error(t, err, "server is required")
}

func TestLoadConfigFull(t *testing.T) {
	path, home := writeConfig(t, `
log_level: debug
server:
  host: chat.example.org
  ports: [5222, 443]
  public_key: `+testKey+`
proxy:
  type: socks5
  host: 127.0.0.1
  port: 9050
another_connection_match: "Another connection"
another_connection_limit: 0
contacts:
  - identity: ECHOECHO
    public_key: `+testKey+`
    forward_security: true
  - identity: PLAIN001
    public_key: `+testKey+`
`)
	cfg, err := loadConfig(path, home)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)

	opts, err := cfg.clientOptions()
	require.NoError(t, err)
	assert.Equal(t, "chat.example.org", opts.Server.Host)
	assert.Equal(t, []uint16{5222, 443}, opts.Server.Ports)
	assert.Equal(t, byte(0xab), opts.Server.PublicKey[0])
	require.NotNil(t, opts.Transport.Proxy)
	assert.Equal(t, "socks5", opts.Transport.Proxy.Type)
	assert.Equal(t, 0, opts.Transport.AnotherConnectionLimit)
	assert.Equal(t, home, opts.DataDir)

	echo := opts.Contacts.Contact("ECHOECHO")
	require.NotNil(t, echo)
	assert.True(t, echo.Supports(identity.FeatureForwardSecurity))
	plain := opts.Contacts.Contact("PLAIN001")
	require.NotNil(t, plain)
	assert.False(t, plain.Supports(identity.FeatureForwardSecurity))
}

func TestConfigRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"short server key", "server: {host: h, ports: [1], public_key: abcd}"},
		{"bad contact key", "server: {host: h, ports: [1], public_key: " + testKey + "}\ncontacts: [{identity: ECHOECHO, public_key: zz}]"},
		{"bad contact identity", "server: {host: h, ports: [1], public_key: " + testKey + "}\ncontacts: [{identity: short, public_key: " + testKey + "}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, home := writeConfig(t, tt.body)
			cfg, err := loadConfig(path, home)
			require.NoError(t, err)
			_, err = cfg.clientOptions()
			assert.Error(t, err)
		})
	}
}

func TestDescribe(t *testing.T) {
	h, err := messages.NewHeader("ALICE001", "BOB00001")
	require.NoError(t, err)
	h.Date = time.Date(2024, 5, 1, 12, 30, 0, 0, time.Local)
	h.Nickname = "Alice"
	h.FSMode = messages.FSMode4DH

	line := describe(&messages.Text{Header: h, Text: "hi"})
	assert.True(t, strings.HasPrefix(line, "[2024-05-01 12:30:00] ALICE001 (Alice) "))
	assert.True(t, strings.HasSuffix(line, ": hi"))
}
