package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	ChannelName   string `mapstructure:"channel_name"`
	SlotCount     int    `mapstructure:"slot_count"`
	SlotDataBytes int    `mapstructure:"slot_data_bytes"`
	CaptureFPS    int    `mapstructure:"capture_fps"`
	DisplayIndex  int    `mapstructure:"display_index"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
}

func Default() *Config {
	return &Config{
		ChannelName:   "FramerelayFrames",
		SlotCount:     4,
		SlotDataBytes: 1920 * 1080 * 4,
		CaptureFPS:    30,
		DisplayIndex:  0,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("framerelay")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FRAMERELAY")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Framerelay")
	case "darwin":
		return "/Library/Application Support/Framerelay"
	default:
		return "/etc/framerelay"
	}
}
