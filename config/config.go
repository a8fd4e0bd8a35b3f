package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "ASYNCWS"

	KeyAddr                 = "addr"
	KeyReceiveTimeout       = "receive_timeout"
	KeyHandshakeTimeout     = "handshake_timeout"
	KeyWriteTimeout         = "write_timeout"
	KeyCloseTimeout         = "close_timeout"
	KeyReadLimit            = "read_limit"
	KeyRejectPendingOnClose = "reject_pending_on_close"
	KeyDialRetries          = "dial_retries"
	KeyLogLevel             = "log_level"
	KeyMetricsAddr          = "metrics_addr"
)

var BaseDir string

func init() {
	home, _ := homedir.Dir()
	BaseDir = fmt.Sprintf("%s/.asyncws", home)
}

type Config struct {
	Addr                 string
	ReceiveTimeout       time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	CloseTimeout         time.Duration
	ReadLimit            int64
	RejectPendingOnClose bool
	DialRetries          int
	LogLevel             string
	MetricsAddr          string // empty disables the /metrics listener
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, "ws://127.0.0.1:8014/")
	v.SetDefault(KeyReceiveTimeout, 5*time.Second)
	v.SetDefault(KeyHandshakeTimeout, 10*time.Second)
	v.SetDefault(KeyWriteTimeout, 10*time.Second)
	v.SetDefault(KeyCloseTimeout, 5*time.Second)
	v.SetDefault(KeyReadLimit, int64(0))
	v.SetDefault(KeyRejectPendingOnClose, false)
	v.SetDefault(KeyDialRetries, 3)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetricsAddr, "")
}

// New returns a viper instance with defaults and ASYNCWS_* environment bindings.
// When path is empty, config.yaml is looked up in BaseDir and a missing file is not an error.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.AddConfigPath(BaseDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return v, nil
			}
			return nil, errors.Wrap(err, "read config")
		}
		return v, nil
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrapf(err, "expand config path %s", path)
	}
	v.SetConfigFile(filepath.Clean(expanded))
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", expanded)
	}
	return v, nil
}

func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Addr:                 v.GetString(KeyAddr),
		ReceiveTimeout:       v.GetDuration(KeyReceiveTimeout),
		HandshakeTimeout:     v.GetDuration(KeyHandshakeTimeout),
		WriteTimeout:         v.GetDuration(KeyWriteTimeout),
		CloseTimeout:         v.GetDuration(KeyCloseTimeout),
		ReadLimit:            v.GetInt64(KeyReadLimit),
		RejectPendingOnClose: v.GetBool(KeyRejectPendingOnClose),
		DialRetries:          v.GetInt(KeyDialRetries),
		LogLevel:             v.GetString(KeyLogLevel),
		MetricsAddr:          v.GetString(KeyMetricsAddr),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func (cfg *Config) Validate() error {
	if !strings.HasPrefix(cfg.Addr, "ws://") && !strings.HasPrefix(cfg.Addr, "wss://") {
		return errors.Errorf("'%s' is an invalid addr: must start with ws:// or wss://", cfg.Addr)
	}
	if cfg.ReceiveTimeout < 0 || cfg.HandshakeTimeout < 0 || cfg.WriteTimeout < 0 || cfg.CloseTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if cfg.ReadLimit < 0 {
		return errors.Errorf("'%d' is an invalid read limit", cfg.ReadLimit)
	}
	if cfg.DialRetries < 0 {
		return errors.Errorf("'%d' is an invalid number of dial retries", cfg.DialRetries)
	}
	return nil
}
