package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	InferenceURL string `mapstructure:"inference_url"`
	UploadURL    string `mapstructure:"upload_url"`
	UploadSecret string `mapstructure:"upload_secret"`
	GatewayURL   string `mapstructure:"gateway_url"`
	StunURL      string `mapstructure:"stun_url"`

	OfferTimeout   time.Duration `mapstructure:"offer_timeout"`
	DetectTimeout  time.Duration `mapstructure:"detect_timeout"`
	IncidentWindow time.Duration `mapstructure:"incident_window"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout"`
	FrameInterval  time.Duration `mapstructure:"frame_interval"`
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
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("inference_url", "ws://localhost:8765/infer")
	v.SetDefault("upload_url", "http://localhost:9000/incidents")
	v.SetDefault("upload_secret", "")
	v.SetDefault("gateway_url", "http://localhost:9100")
	v.SetDefault("stun_url", "stun:stun.l.google.com:19302")
	v.SetDefault("offer_timeout", "30s")
	v.SetDefault("detect_timeout", "5s")
	v.SetDefault("incident_window", "10s")
	v.SetDefault("upload_timeout", "30s")
	v.SetDefault("frame_interval", "33ms")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Inference: %s\n", cfg.Mode, cfg.Port, cfg.InferenceURL)
	return &cfg, nil
}
