package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	Mode      string        `mapstructure:"mode"`
	Port      int           `mapstructure:"port"`
	ReadLimit int64         `mapstructure:"read_limit"`
	SendQueue int           `mapstructure:"send_queue"`
	WriteWait time.Duration `mapstructure:"write_wait"`

	Secret string `mapstructure:"secret"`

	GraceWindow       time.Duration `mapstructure:"grace_window"`
	NoShowTimeout     time.Duration `mapstructure:"no_show_timeout"`
	TerminalRetention time.Duration `mapstructure:"terminal_retention"`
	DefaultCapacity   int           `mapstructure:"default_capacity"`

	ChatPath   string      `mapstructure:"chat_path"`
	ICEServers []ICEServer `mapstructure:"ice_servers"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("send_queue", 32)
	v.SetDefault("write_wait", "5s")
	v.SetDefault("grace_window", "90s")
	v.SetDefault("no_show_timeout", "120s")
	v.SetDefault("terminal_retention", "30s")
	v.SetDefault("default_capacity", 2)
	v.SetDefault("chat_path", "./data/chat")
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
