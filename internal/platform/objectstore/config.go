package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/medscan/internal/platform/env"
)

type Config struct {
	Enabled      bool
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Region       string
	UseSSL       bool
	BucketImages string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("MEDSCAN_MINIO_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool("MEDSCAN_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:      enabled,
		Endpoint:     env.String("MEDSCAN_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:    env.String("MEDSCAN_MINIO_ACCESS_KEY", "medscan"),
		SecretKey:    env.String("MEDSCAN_MINIO_SECRET_KEY", "medscanminio"),
		Region:       env.String("MEDSCAN_MINIO_REGION", "us-east-1"),
		UseSSL:       useSSL,
		BucketImages: env.String("MEDSCAN_MINIO_BUCKET_IMAGES", "images"),
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketImages) == "" {
		return errors.New("images bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
