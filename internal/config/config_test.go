package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xrpc"
	_ "github.com/trickstertwo/xrpc/adapter/memory"
)

const sample = `
app:
  name: billing
  debug: true
  default_publisher: main
cipher:
  key: %s
processors:
  billing: BillingHandler
publishers:
  main:
    transport: memory
    options:
      buffer_size: 64
  audit:
    transport: memory
consumer:
  topic: rpc.billing
logging:
  level: debug
  console: true
`

func writeConfig(t *testing.T, key string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(sample, key)), 0o600))
	return path
}

func testKey(t *testing.T) string {
	t.Helper()
	key, err := xrpc.GenerateKey()
	require.NoError(t, err)
	return xrpc.EncodeKey(key)
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, testKey(t)))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "billing", cfg.App.Name)
	assert.True(t, cfg.App.Debug)
	assert.Equal(t, map[string]string{"billing": "BillingHandler"}, cfg.Processors)
	assert.Equal(t, "memory", cfg.Publishers["main"].Transport)
	assert.EqualValues(t, 64, cfg.Publishers["main"].Options["buffer_size"])
	assert.Equal(t, "rpc.billing", cfg.Consumer.Topic)
	assert.Equal(t, "billing", cfg.Consumer.Group, "group defaults to the app name")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Console)
	assert.Equal(t, []string{"audit", "main"}, cfg.PublisherNames())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("XRPC_APP__NAME", "shop")
	t.Setenv("XRPC_LOGGING__LEVEL", "warn")
	t.Setenv("XRPC_CONSUMER__GROUP", "shop-workers")

	cfg, err := Load(writeConfig(t, testKey(t)))
	require.NoError(t, err)
	assert.Equal(t, "shop", cfg.App.Name)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "shop-workers", cfg.Consumer.Group)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.App.Debug)

	err = cfg.Validate()
	assert.ErrorContains(t, err, "app.name is required")
	assert.ErrorContains(t, err, "cipher.key is required")
	assert.ErrorIs(t, err, xrpc.ErrNoPublishersConfigured)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		App:        AppConfig{Name: "shop", DefaultPublisher: "ghost"},
		Cipher:     CipherConfig{Key: "not a key"},
		Publishers: map[string]PublisherConfig{"main": {}},
	}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "cipher.key")
	assert.ErrorContains(t, err, "publishers.main.transport is required")
	assert.ErrorContains(t, err, `app.default_publisher "ghost" is not configured`)
}

func TestApply_BuildsNode(t *testing.T) {
	cfg, err := Load(writeConfig(t, testKey(t)))
	require.NoError(t, err)

	nb := xrpc.NewNodeBuilder()
	require.NoError(t, cfg.Apply(nb))
	node, err := nb.Build()
	require.NoError(t, err)
	defer node.Close(t.Context())

	assert.Equal(t, "billing", node.App())
	def, err := node.Publisher("")
	require.NoError(t, err)
	assert.Equal(t, "main", def.Name())
	_, err = node.Publisher("audit")
	assert.NoError(t, err)
}
