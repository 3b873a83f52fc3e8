package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RelayConfig struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	LogLevel      string        `mapstructure:"log_level"`
	Secret        string        `mapstructure:"secret"`
	ModeratorRole string        `mapstructure:"moderator_role"`
	DBPath        string        `mapstructure:"db_path"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	SendQueue     int           `mapstructure:"send_queue"`
	ChatLimit     int           `mapstructure:"chat_limit"`
	ChatWindow    time.Duration `mapstructure:"chat_window"`
}

type Identity struct {
	UserID       string `mapstructure:"user_id"`
	Name         string `mapstructure:"name"`
	Token        string `mapstructure:"token"`
	RefreshToken string `mapstructure:"refresh_token"`
}

type Reconnect struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type Devices struct {
	Camera     string `mapstructure:"camera"`
	Microphone string `mapstructure:"microphone"`
	Screen     string `mapstructure:"screen"`
}

type ClientConfig struct {
	Mode          string        `mapstructure:"mode"`
	LogLevel      string        `mapstructure:"log_level"`
	RelayURL      string        `mapstructure:"relay_url"`
	APIURL        string        `mapstructure:"api_url"`
	AuthURL       string        `mapstructure:"auth_url"`
	Identity      Identity      `mapstructure:"identity"`
	RoomID        string        `mapstructure:"room_id"`
	GroupID       string        `mapstructure:"group_id"`
	CreateCall    bool          `mapstructure:"create_call"`
	ICEServers    []string      `mapstructure:"ice_servers"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
	Loopback      bool          `mapstructure:"loopback"`
	Reconnect     Reconnect     `mapstructure:"reconnect"`
	JoinTimeout   time.Duration `mapstructure:"join_timeout"`
	Devices       Devices       `mapstructure:"devices"`
	RecordDir     string        `mapstructure:"record_dir"`
	ControlAddr   string        `mapstructure:"control_addr"`
}

// newViper reads config/<name>.<env>.yaml, env selected by CONFIG_ENV.
// MESHCALL_<KEY> environment variables override file values.
func newViper(name string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", name, env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("MESHCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	return v
}

func LoadRelay() (*RelayConfig, error) {
	v := newViper("relay")
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("moderator_role", "teacher")
	v.SetDefault("db_path", "")
	v.SetDefault("read_limit", 16<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_queue", 64)
	v.SetDefault("chat_limit", 20)
	v.SetDefault("chat_window", "10s")

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("secret is required")
	}
	watchLogLevel(v)
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Bool("persistent", cfg.DBPath != "").Msg("relay config")
	return &cfg, nil
}

func LoadClient() (*ClientConfig, error) {
	v := newViper("client")
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("relay_url", "ws://localhost:8080/ws")
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("auth_url", "")
	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.name", "")
	v.SetDefault("identity.token", "")
	v.SetDefault("identity.refresh_token", "")
	v.SetDefault("room_id", "")
	v.SetDefault("group_id", "")
	v.SetDefault("create_call", false)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("gather_timeout", "10s")
	v.SetDefault("loopback", false)
	v.SetDefault("reconnect.initial_delay", "1s")
	v.SetDefault("reconnect.max_delay", "5s")
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("join_timeout", "10s")
	v.SetDefault("devices.camera", "")
	v.SetDefault("devices.microphone", "")
	v.SetDefault("devices.screen", "")
	v.SetDefault("record_dir", "")
	v.SetDefault("control_addr", "")

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.RoomID == "" && cfg.GroupID == "" {
		return nil, fmt.Errorf("room_id or group_id is required")
	}
	if cfg.Identity.UserID == "" {
		return nil, fmt.Errorf("identity.user_id is required")
	}
	watchLogLevel(v)
	log.Info().Str("module", "config").Str("relay", cfg.RelayURL).Str("user", cfg.Identity.UserID).Msg("client config")
	return &cfg, nil
}

// SetLogLevel applies level to the global logger; unknown levels keep info.
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func watchLogLevel(v *viper.Viper) {
	SetLogLevel(v.GetString("log_level"))
	if v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		level := v.GetString("log_level")
		SetLogLevel(level)
		log.Info().Str("module", "config").Str("file", e.Name).Str("log_level", level).Msg("config reloaded")
	})
	v.WatchConfig()
}
