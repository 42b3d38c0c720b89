// Package config loads meshcall settings from defaults, an optional YAML
// file and MESHCALL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/1ureka/meshcall/internal/media"
	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/relay"
	"github.com/1ureka/meshcall/internal/transport"
	"github.com/1ureka/meshcall/internal/util"
)

// EnvPrefix prefixes every environment override; MESHCALL_SERVER_URL sets
// server.url.
const EnvPrefix = "MESHCALL"

// Server is the signaling endpoint a client connects to.
type Server struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// Transport tunes the reconnecting websocket.
type Transport struct {
	BackoffFloor   time.Duration `mapstructure:"backoff_floor"`
	BackoffCeiling time.Duration `mapstructure:"backoff_ceiling"`
	OnceTimeout    time.Duration `mapstructure:"once_timeout"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// ICE lists STUN and TURN servers.
type ICE struct {
	STUNURLs     []string `mapstructure:"stun_urls"`
	TURNURLs     []string `mapstructure:"turn_urls"`
	TURNUsername string   `mapstructure:"turn_username"`
	TURNPassword string   `mapstructure:"turn_password"`
}

// VAD tunes voice-activity detection.
type VAD struct {
	Threshold float64       `mapstructure:"threshold"`
	Interval  time.Duration `mapstructure:"interval"`
	FFTSize   int           `mapstructure:"fft_size"`
}

// Relay configures the development relay.
type Relay struct {
	Listen       string          `mapstructure:"listen"`
	PingInterval time.Duration   `mapstructure:"ping_interval"`
	Accounts     []relay.Account `mapstructure:"accounts"`
	Chats        []relay.Room    `mapstructure:"chats"`
}

// Log controls diagnostics.
type Log struct {
	Debug bool `mapstructure:"debug"`
}

// Config is the full settings tree.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Transport Transport `mapstructure:"transport"`
	ICE       ICE       `mapstructure:"ice"`
	VAD       VAD       `mapstructure:"vad"`
	Relay     Relay     `mapstructure:"relay"`
	Log       Log       `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "ws://127.0.0.1:8080/ws")
	v.SetDefault("server.token", "")

	v.SetDefault("transport.backoff_floor", "2s")
	v.SetDefault("transport.backoff_ceiling", "30s")
	v.SetDefault("transport.once_timeout", "10s")
	v.SetDefault("transport.auth_timeout", "12s")
	v.SetDefault("transport.write_timeout", "10s")

	v.SetDefault("ice.stun_urls", peer.DefaultSTUN)
	v.SetDefault("ice.turn_urls", []string{})
	v.SetDefault("ice.turn_username", "")
	v.SetDefault("ice.turn_password", "")

	v.SetDefault("vad.threshold", media.DefaultVADThreshold)
	v.SetDefault("vad.interval", media.DefaultVADInterval.String())
	v.SetDefault("vad.fft_size", media.DefaultFFTSize)

	v.SetDefault("relay.listen", ":8080")
	v.SetDefault("relay.ping_interval", "30s")
	v.SetDefault("relay.accounts", []map[string]any{})
	v.SetDefault("relay.chats", []map[string]any{})

	v.SetDefault("log.debug", false)
}

// Load reads the configuration. path names a YAML file; when empty the
// MESHCALL_CONFIG variable is consulted, and with neither only defaults and
// environment overrides apply. A named file that cannot be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		util.LogDebug("loaded config: %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// TransportOptions maps the transport section onto transport.Options.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		BackoffFloor:   c.Transport.BackoffFloor,
		BackoffCeiling: c.Transport.BackoffCeiling,
		OnceTimeout:    c.Transport.OnceTimeout,
		WriteTimeout:   c.Transport.WriteTimeout,
	}
}

// ICEConfig maps the ice section onto peer.ICEConfig.
func (c *Config) ICEConfig() peer.ICEConfig {
	return peer.ICEConfig{
		STUNURLs:     c.ICE.STUNURLs,
		TURNURLs:     c.ICE.TURNURLs,
		TURNUsername: c.ICE.TURNUsername,
		TURNPassword: c.ICE.TURNPassword,
	}
}

// VADOptions maps the vad section onto media.VADOptions.
func (c *Config) VADOptions() media.VADOptions {
	return media.VADOptions{
		Threshold: c.VAD.Threshold,
		Interval:  c.VAD.Interval,
		FFTSize:   c.VAD.FFTSize,
	}
}

// RelayOptions maps the relay section onto relay.Options.
func (c *Config) RelayOptions() relay.Options {
	return relay.Options{
		Accounts:     c.Relay.Accounts,
		Rooms:        c.Relay.Chats,
		PingInterval: c.Relay.PingInterval,
		WriteTimeout: c.Transport.WriteTimeout,
	}
}
