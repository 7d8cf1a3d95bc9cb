package config

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/wiremux/wiremux/pkg/util/typeutil"
)

func TestNewConfig(t *testing.T) {
	type args struct {
		arguments []string
	}
	tests := []struct {
		name    string
		args    args
		want    Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "default config",
			args: args{arguments: []string{}},
			want: Config{
				Addr:          "127.0.0.1:2378",
				AdvertiseAddr: "",
				Name:          "",
				IdleTimeout:   typeutil.NewDuration(5 * time.Minute),
			},
		},
		{
			name: "config from command line",
			args: args{arguments: []string{
				"--addr=test-addr:2378",
				"--advertise-addr=test-advertise-addr:2378",
				"--name=test-name",
				"--idle-timeout=1h1m1s",
			}},
			want: Config{
				Addr:          "test-addr:2378",
				AdvertiseAddr: "test-advertise-addr:2378",
				Name:          "test-name",
				IdleTimeout:   typeutil.NewDuration(time.Hour + time.Minute + time.Second),
			},
		},
		{
			name: "config from toml file",
			args: args{arguments: []string{
				"--config=./test/test-config.toml",
			}},
			want: Config{
				Addr:          "test-addr:2378",
				AdvertiseAddr: "test-advertise-addr:2378",
				Name:          "test-name",
				IdleTimeout:   typeutil.NewDuration(time.Hour + time.Minute + time.Second),
			},
		},
		{
			name: "config from yaml file",
			args: args{arguments: []string{
				"--config=./test/test-config.yaml",
			}},
			want: Config{
				Addr:          "test-addr:2378",
				AdvertiseAddr: "test-advertise-addr:2378",
				Name:          "test-name",
				IdleTimeout:   typeutil.NewDuration(time.Hour + time.Minute + time.Second),
			},
		},
		{
			name: "help message",
			args: args{arguments: []string{
				"--help",
			}},
			wantErr: true,
			errMsg:  pflag.ErrHelp.Error(),
		},
		{
			name: "parse arguments error",
			args: args{arguments: []string{
				"--name=test",
				"--addr",
			}},
			wantErr: true,
			errMsg:  "flag needs an argument",
		},
		{
			name: "read configuration file error",
			args: args{arguments: []string{
				"--config=not-exist.yaml",
			}},
			wantErr: true,
			errMsg:  "read configuration file",
		},
		{
			name: "unmarshal configuration error",
			args: args{arguments: []string{
				"--config=./test/test-invalid.toml",
			}},
			wantErr: true,
			errMsg:  "unmarshal configuration",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			config, err := NewConfig(tt.args.arguments)

			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
			// do not check auxiliary fields
			config.v = nil
			config.lg = nil
			config.Log = Log{}
			re.Equal(tt.want, *config)
		})
	}
}

func TestAdjust(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	hostname, err := os.Hostname()
	re.NoError(err)

	config, err := NewConfig([]string{})
	re.NoError(err)
	re.NoError(config.Adjust())

	re.Equal("127.0.0.1:2378", config.AdvertiseAddr)
	re.Equal(fmt.Sprintf("wiremux-%s", hostname), config.Name)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "default config",
			modify: func(*Config) {},
		},
		{
			name:    "invalid listen address",
			modify:  func(c *Config) { c.Addr = "no-port" },
			wantErr: true,
			errMsg:  "invalid listen address",
		},
		{
			name:    "negative idle timeout",
			modify:  func(c *Config) { c.IdleTimeout = typeutil.NewDuration(-time.Second) },
			wantErr: true,
			errMsg:  "negative idle timeout",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			config, err := NewConfig([]string{})
			re.NoError(err)
			re.NoError(config.Adjust())
			tt.modify(config)

			err = config.Validate()
			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
			} else {
				re.NoError(err)
			}
		})
	}
}
