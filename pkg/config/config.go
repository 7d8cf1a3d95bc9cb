package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wiremux/wiremux/pkg/util/typeutil"
)

const (
	_defaultAddr        = "127.0.0.1:2378"
	_defaultNameFormat  = "wiremux-%s"
	_defaultIdleTimeout = 5 * time.Minute

	_defaultLogLevel = "info"
)

// Config is the configuration for the wiremux server binary
type Config struct {
	v *viper.Viper

	// Addr is the address the server listens on for client traffic.
	Addr string
	// AdvertiseAddr is the address advertised to clients. Defaults to Addr.
	AdvertiseAddr string

	Name string

	// IdleTimeout is how long a connection may sit without client activity
	// before it is closed with a GOAWAY frame. Zero disables the timeout.
	IdleTimeout typeutil.Duration

	Log Log

	lg *zap.Logger
}

// NewConfig creates a new config from command line arguments and an
// optional configuration file.
func NewConfig(arguments []string) (*Config, error) {
	cfg := &Config{Log: *NewLog()}

	v, fs := configure()

	// parse from command line
	fs.String("config", "", "configuration file")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, err
	}

	// read configuration from file
	c, _ := fs.GetString("config")
	if c != "" {
		v.SetConfigFile(c)
		err = v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// set config
	err = v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	err = cfg.Log.Adjust()
	if err != nil {
		return nil, errors.Wrap(err, "adjust log configuration")
	}
	cfg.lg, err = cfg.Log.Logger()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}

	if configFile := v.ConfigFileUsed(); configFile != "" {
		cfg.lg.Info("load configuration from file.", zap.String("file-name", configFile))
	}

	cfg.v = v
	return cfg, nil
}

// Adjust generates default values for some fields (if they are empty)
func (c *Config) Adjust() error {
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.Addr
	}
	if c.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.Wrap(err, "get hostname")
		}
		c.Name = fmt.Sprintf(_defaultNameFormat, hostname)
	}
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *Config) Validate() error {
	_, _, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return errors.Wrap(err, "invalid listen address")
	}
	if c.IdleTimeout.Duration < 0 {
		return errors.Errorf("negative idle timeout `%s`", c.IdleTimeout.Duration)
	}
	return nil
}

// Logger returns logger generated based on the config
func (c *Config) Logger() *zap.Logger {
	return c.lg
}

func configure() (*viper.Viper, *pflag.FlagSet) {
	v := viper.New()
	fs := pflag.NewFlagSet("wiremux", pflag.ContinueOnError)

	fs.String("addr", _defaultAddr, "address to listen on for client traffic")
	fs.String("advertise-addr", "", "address advertised to clients (default '${addr}')")
	fs.String("name", "", "human-readable name for this server (default 'wiremux-${hostname}')")
	fs.Duration("idle-timeout", _defaultIdleTimeout, "how long until idle connections are closed")
	_ = v.BindPFlag("addr", fs.Lookup("addr"))
	_ = v.BindPFlag("advertise-addr", fs.Lookup("advertise-addr"))
	_ = v.BindPFlag("name", fs.Lookup("name"))
	_ = v.BindPFlag("idle-timeout", fs.Lookup("idle-timeout"))
	v.RegisterAlias("AdvertiseAddr", "advertise-addr")
	v.RegisterAlias("IdleTimeout", "idle-timeout")

	logConfigure(v, fs)

	return v, fs
}
