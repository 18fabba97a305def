package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr string

	// RTMP ingest server and output client
	RTMPAddr      string
	RTMPChunkSize int
	RTMPFlashVer  string
	RTMPTimeout   time.Duration
	RTMPPublicURL string // Base URL handed to publishers with their token

	// SRT outputs
	SRTLatency time.Duration

	// Storage
	StorageType  string // "local" or "gcs"
	StorageDir   string
	GCSProjectID string
	GCSBucket    string
	GCSBaseDir   string

	// HLS segment recording
	SegmentDuration    time.Duration
	SegmentMaxSegments int

	// Publish tokens
	AuthEnabled            bool
	DefaultTokenExpiration time.Duration
	MaxTokenExpiration     time.Duration

	LogLevel logrus.Level
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("rtmp.addr", ":1935")
	v.SetDefault("rtmp.chunk_size", 4096)
	v.SetDefault("rtmp.flash_ver", "FMLE/3.0 (compatible; FMSc/1.0)")
	v.SetDefault("rtmp.timeout", 15*time.Second)
	v.SetDefault("rtmp.public_url", "rtmp://localhost:1935/live")
	v.SetDefault("srt.latency", 120*time.Millisecond)
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.dir", "./data/streams")
	v.SetDefault("gcs.project_id", "")
	v.SetDefault("gcs.bucket", "")
	v.SetDefault("gcs.base_dir", "streams")
	v.SetDefault("segment.duration", 2*time.Second)
	v.SetDefault("segment.max_segments", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.default_expiration", time.Hour)
	v.SetDefault("auth.max_expiration", 24*time.Hour)
	v.SetDefault("log.level", "info")

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("http.addr", "HTTP_ADDR")
	v.BindEnv("rtmp.addr", "RTMP_ADDR")
	v.BindEnv("rtmp.chunk_size", "RTMP_CHUNK_SIZE")
	v.BindEnv("rtmp.flash_ver", "RTMP_FLASH_VER")
	v.BindEnv("rtmp.timeout", "RTMP_TIMEOUT")
	v.BindEnv("rtmp.public_url", "RTMP_INGEST_ADDR")
	v.BindEnv("srt.latency", "SRT_LATENCY")
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.dir", "STORAGE_DIR")
	v.BindEnv("gcs.project_id", "GCS_PROJECT_ID")
	v.BindEnv("gcs.bucket", "GCS_BUCKET_NAME", "GCS_BUCKET")
	v.BindEnv("gcs.base_dir", "GCS_BASE_DIR")
	v.BindEnv("segment.duration", "HLS_SEGMENT_DURATION")
	v.BindEnv("segment.max_segments", "HLS_MAX_SEGMENTS")
	v.BindEnv("auth.enabled", "AUTH_ENABLED")
	v.BindEnv("auth.default_expiration", "DEFAULT_TOKEN_EXPIRATION")
	v.BindEnv("auth.max_expiration", "MAX_TOKEN_EXPIRATION")
	v.BindEnv("log.level", "LOG_LEVEL")

	return v
}

// Load reads configuration from defaults, the environment and an optional
// YAML file. An empty configFile searches for config.yaml in the usual places.
func Load(configFile string) (*Config, error) {
	v := newViper()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range []string{".", "$HOME/.rapidmux", "/etc/rapidmux"} {
			v.AddConfigPath(os.ExpandEnv(path))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	level, err := logrus.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log.level: %w", err)
	}

	cfg := &Config{
		HTTPAddr:               v.GetString("http.addr"),
		RTMPAddr:               v.GetString("rtmp.addr"),
		RTMPChunkSize:          v.GetInt("rtmp.chunk_size"),
		RTMPFlashVer:           v.GetString("rtmp.flash_ver"),
		RTMPTimeout:            v.GetDuration("rtmp.timeout"),
		RTMPPublicURL:          v.GetString("rtmp.public_url"),
		SRTLatency:             v.GetDuration("srt.latency"),
		StorageType:            v.GetString("storage.type"),
		StorageDir:             v.GetString("storage.dir"),
		GCSProjectID:           v.GetString("gcs.project_id"),
		GCSBucket:              v.GetString("gcs.bucket"),
		GCSBaseDir:             v.GetString("gcs.base_dir"),
		SegmentDuration:        v.GetDuration("segment.duration"),
		SegmentMaxSegments:     v.GetInt("segment.max_segments"),
		AuthEnabled:            v.GetBool("auth.enabled"),
		DefaultTokenExpiration: v.GetDuration("auth.default_expiration"),
		MaxTokenExpiration:     v.GetDuration("auth.max_expiration"),
		LogLevel:               level,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageType {
	case "local":
	case "gcs":
		if c.GCSProjectID == "" || c.GCSBucket == "" {
			return errors.New("GCS_PROJECT_ID and GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.StorageType)
	}
	if c.SegmentDuration <= 0 {
		return fmt.Errorf("segment.duration must be positive, got %s", c.SegmentDuration)
	}
	return nil
}
