package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

func (d DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		d.Username, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	Pass string `mapstructure:"pass"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type STTConfig struct {
	URL        string `mapstructure:"url"`
	APIKey     string `mapstructure:"api_key"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	Language   string `mapstructure:"language"`
}

type TTSConfig struct {
	URL    string `mapstructure:"url"`
	Voice  string `mapstructure:"voice"`
	Format string `mapstructure:"format"`
}

type LLMConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// SessionConfig holds the turn-taking and context-window knobs.
type SessionConfig struct {
	EOUDebounceMs      int64 `mapstructure:"eou_debounce_ms"`
	StaleGraceMs       int64 `mapstructure:"stale_grace_ms"`
	EmptyEOUThreshold  int   `mapstructure:"empty_eou_threshold"`
	WindowThreshold    int   `mapstructure:"window_threshold"`
	CompactBatch       int   `mapstructure:"compact_batch"`
	SummaryMaxChars    int   `mapstructure:"summary_max_chars"`
	ImageTTLSecs       int64 `mapstructure:"image_ttl_secs"`
	MaxTextMessageLen  int   `mapstructure:"max_text_message_len"`
	ControlMsgsPerSec  int   `mapstructure:"control_msgs_per_sec"`
	AudioRingBytes     int   `mapstructure:"audio_ring_bytes"`
	UsageTickSecs      int64 `mapstructure:"usage_tick_secs"`
	FreeDailySecs      int64 `mapstructure:"free_daily_secs"`
	ProPeriodSecs      int64 `mapstructure:"pro_period_secs"`
	ProAllowanceSecs   int64 `mapstructure:"pro_allowance_secs"`
	SystemInstructions string `mapstructure:"system_instructions"`
}

func (s SessionConfig) EOUDebounce() time.Duration {
	return time.Duration(s.EOUDebounceMs) * time.Millisecond
}

func (s SessionConfig) StaleGrace() time.Duration {
	return time.Duration(s.StaleGraceMs) * time.Millisecond
}

func (s SessionConfig) UsageTick() time.Duration {
	return time.Duration(s.UsageTickSecs) * time.Second
}

func (s SessionConfig) ImageTTL() time.Duration {
	return time.Duration(s.ImageTTLSecs) * time.Second
}

type Settings struct {
	Addr    string        `mapstructure:"addr"`
	DB      DBConfig      `mapstructure:"database"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Auth    AuthConfig    `mapstructure:"auth"`
	STT     STTConfig     `mapstructure:"stt"`
	TTS     TTSConfig     `mapstructure:"tts"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Session SessionConfig `mapstructure:"session"`
	Env     string        `mapstructure:"env"`
	Debug   bool          `mapstructure:"debug"`
}

func Load() (*Settings, error) {
	viper.SetConfigName("config_" + genEnv())
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var settings Settings
	if err := viper.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &settings, nil
}

func setDefaults() {
	viper.SetDefault("addr", ":8080")
	viper.SetDefault("session.eou_debounce_ms", 600)
	viper.SetDefault("session.stale_grace_ms", 300)
	viper.SetDefault("session.empty_eou_threshold", 3)
	viper.SetDefault("session.window_threshold", 24)
	viper.SetDefault("session.compact_batch", 8)
	viper.SetDefault("session.summary_max_chars", 600)
	viper.SetDefault("session.image_ttl_secs", 60)
	viper.SetDefault("session.max_text_message_len", 4000)
	viper.SetDefault("session.control_msgs_per_sec", 10)
	viper.SetDefault("session.audio_ring_bytes", 1<<20)
	viper.SetDefault("session.usage_tick_secs", 30)
	viper.SetDefault("session.free_daily_secs", 600)
	viper.SetDefault("session.pro_period_secs", 2592000)
	viper.SetDefault("session.pro_allowance_secs", 36000)
	viper.SetDefault("stt.sample_rate", 16000)
	viper.SetDefault("stt.channels", 1)
	viper.SetDefault("tts.format", "wav")
}

func genEnv() string {
	env := viper.GetString("ENV")
	if env == "" {
		return "dev"
	}
	return env
}
