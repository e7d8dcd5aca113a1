// Package config loads xrpc node configuration from a YAML file and XRPC_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/trickstertwo/xrpc"
	"github.com/trickstertwo/xrpc/internal/logging"
)

// EnvPrefix marks environment overrides. XRPC_APP__NAME=billing sets app.name.
const EnvPrefix = "XRPC_"

// Config is the top-level configuration of an xrpc node.
type Config struct {
	App        AppConfig                  `koanf:"app"`
	Cipher     CipherConfig               `koanf:"cipher"`
	Processors map[string]string          `koanf:"processors"`
	Publishers map[string]PublisherConfig `koanf:"publishers"`
	Consumer   ConsumerConfig             `koanf:"consumer"`
	Logging    logging.Config             `koanf:"logging"`
}

// AppConfig identifies the node.
type AppConfig struct {
	Name  string `koanf:"name"`
	Debug bool   `koanf:"debug"`
	// DefaultPublisher names the publisher used when none is given. When
	// empty the alphabetically last publisher is the default.
	DefaultPublisher string `koanf:"default_publisher"`
	// ReplyPublisher names the publisher error replies go out on.
	ReplyPublisher string `koanf:"reply_publisher"`
}

type CipherConfig struct {
	// Key is base64:<...>, plain base64 or hex.
	Key string `koanf:"key"`
}

// PublisherConfig binds a publisher name to a registered transport.
type PublisherConfig struct {
	Transport string         `koanf:"transport"`
	Options   map[string]any `koanf:"options"`
}

// ConsumerConfig selects where the node serves from. An empty transport
// shares the default publisher's transport; an empty topic serves the app
// name, where replies addressed to this node arrive.
type ConsumerConfig struct {
	Transport string         `koanf:"transport"`
	Options   map[string]any `koanf:"options"`
	Topic     string         `koanf:"topic"`
	Group     string         `koanf:"group"`
}

// Load reads defaults, then the file at path (skipped when empty), then
// environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"app.debug":       false,
		"logging.level":   "info",
		"logging.console": false,
	}
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("config: default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Consumer.Group == "" {
		cfg.Consumer.Group = cfg.App.Name
	}
	return &cfg, nil
}

// Validate reports every problem that would stop a node from being built.
func (c *Config) Validate() error {
	var errs []error
	if c.App.Name == "" {
		errs = append(errs, errors.New("app.name is required"))
	}
	if c.Cipher.Key == "" {
		errs = append(errs, errors.New("cipher.key is required"))
	} else if _, err := xrpc.ParseKey(c.Cipher.Key); err != nil {
		errs = append(errs, fmt.Errorf("cipher.key: %w", err))
	}
	if len(c.Publishers) == 0 {
		errs = append(errs, xrpc.ErrNoPublishersConfigured)
	}
	for name, p := range c.Publishers {
		if p.Transport == "" {
			errs = append(errs, fmt.Errorf("publishers.%s.transport is required", name))
		}
	}
	if d := c.App.DefaultPublisher; d != "" {
		if _, ok := c.Publishers[d]; !ok {
			errs = append(errs, fmt.Errorf("app.default_publisher %q is not configured", d))
		}
	}
	return errors.Join(errs...)
}

// PublisherNames returns publisher names in the order they are added to a
// builder; the default publisher comes last.
func (c *Config) PublisherNames() []string {
	names := make([]string, 0, len(c.Publishers))
	for name := range c.Publishers {
		if name != c.App.DefaultPublisher {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := c.Publishers[c.App.DefaultPublisher]; ok {
		names = append(names, c.App.DefaultPublisher)
	}
	return names
}

// Apply configures nb from c. The logger is left to the caller.
func (c *Config) Apply(nb *xrpc.NodeBuilder) error {
	key, err := xrpc.ParseKey(c.Cipher.Key)
	if err != nil {
		return fmt.Errorf("config: cipher.key: %w", err)
	}

	nb.WithApp(c.App.Name).
		WithDebug(c.App.Debug).
		WithKey(key).
		WithProcessors(c.Processors).
		WithReplyPublisher(c.App.ReplyPublisher)

	for _, name := range c.PublisherNames() {
		p := c.Publishers[name]
		nb.WithPublisher(name, p.Transport, p.Options)
	}
	if c.Consumer.Transport != "" {
		nb.WithConsumer(c.Consumer.Transport, c.Consumer.Options)
	}
	return nil
}
