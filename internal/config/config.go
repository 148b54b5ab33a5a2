package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Huddle/internal/engine"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	StaticPath     string        `mapstructure:"static_path"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Secret         string        `mapstructure:"secret"`
	LogLevel       string        `mapstructure:"log_level"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`

	Media Media `mapstructure:"media"`
}

// Media is the engine configuration. It is read once at startup.
type Media struct {
	RtcMinPort                      uint16                      `mapstructure:"rtc_min_port"`
	RtcMaxPort                      uint16                      `mapstructure:"rtc_max_port"`
	ListenIP                        string                      `mapstructure:"listen_ip"`
	AnnouncedIP                     string                      `mapstructure:"announced_ip"`
	MaxIncomingBitrate              uint64                      `mapstructure:"max_incoming_bitrate"`
	InitialAvailableOutgoingBitrate uint64                      `mapstructure:"initial_available_outgoing_bitrate"`
	EnableSctp                      bool                        `mapstructure:"enable_sctp"`
	Codecs                          []engine.RtpCodecCapability `mapstructure:"codecs"`
	IceServers                      []engine.IceServer          `mapstructure:"ice_servers"`
	StatsInterval                   time.Duration               `mapstructure:"stats_interval"`
	FatalExitDelay                  time.Duration               `mapstructure:"fatal_exit_delay"`
}

const envPrefix = "HUDDLE"

// BindFlags registers the command-line overrides Load understands.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config-env", "", "config file suffix, config/config.<env>.yaml (default $CONFIG_ENV or dev)")
	fs.Int("port", 0, "HTTP listen port")
	fs.String("log-level", "", "trace|debug|info|warn|error")
	fs.String("announced-ip", "", "public address put in ICE candidates")
}

// Load reads config/config.<env>.yaml, HUDDLE_* variables and flags, in
// increasing priority.
func Load(fs *pflag.FlagSet) (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if fs != nil {
		if f := fs.Lookup("config-env"); f != nil && f.Changed {
			env = f.Value.String()
		}
	}
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env), fs)
}

func LoadFile(fileName string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for key, flag := range map[string]string{
			"port":               "port",
			"log_level":          "log-level",
			"media.announced_ip": "announced-ip",
		} {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Uint16("rtc_min_port", cfg.Media.RtcMinPort).
		Uint16("rtc_max_port", cfg.Media.RtcMaxPort).
		Int("codecs", len(cfg.Media.Codecs)).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "huddle-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "10s")

	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 49999)
	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.max_incoming_bitrate", 1_500_000)
	v.SetDefault("media.initial_available_outgoing_bitrate", 1_000_000)
	v.SetDefault("media.enable_sctp", false)
	v.SetDefault("media.stats_interval", "30s")
	v.SetDefault("media.fatal_exit_delay", "2s")
}

func (c *Config) Validate() error {
	var errs []error
	if c.Mode != "debug" && c.Mode != "release" {
		errs = append(errs, fmt.Errorf("mode %q: want debug or release", c.Mode))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Media.RtcMinPort == 0 || c.Media.RtcMinPort > c.Media.RtcMaxPort {
		errs = append(errs, fmt.Errorf("rtc port range %d-%d", c.Media.RtcMinPort, c.Media.RtcMaxPort))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	for i, s := range c.Media.IceServers {
		if len(s.URLs) == 0 {
			errs = append(errs, fmt.Errorf("media.ice_servers[%d] has no urls", i))
		}
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level; Validate has already checked it.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
