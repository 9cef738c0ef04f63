package prediction

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/medscan/internal/platform/env"
)

const (
	defaultUploadPrefix = "/uploads/"
	defaultImagesBucket = "images"
)

// Config controls where uploads are spooled and archived.
type Config struct {
	// SpoolDir holds uploaded images while pipelines read them.
	SpoolDir string
	// KeepSpool retains spooled images after the request.
	KeepSpool bool
	// ImagesBucket is the archive bucket used when an object store is set.
	ImagesBucket string
	// UploadPrefix forms ImageRef when no object store is set.
	UploadPrefix string
}

func ConfigFromEnv() (Config, error) {
	keep, err := env.Bool("MEDSCAN_KEEP_SPOOL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		SpoolDir:     env.String("MEDSCAN_SPOOL_DIR", filepath.Join(os.TempDir(), "medscan-spool")),
		KeepSpool:    keep,
		ImagesBucket: env.String("MEDSCAN_MINIO_BUCKET_IMAGES", defaultImagesBucket),
		UploadPrefix: env.String("MEDSCAN_UPLOAD_PREFIX", defaultUploadPrefix),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.SpoolDir) == "" {
		return errors.New("MEDSCAN_SPOOL_DIR is required")
	}
	if strings.TrimSpace(c.ImagesBucket) == "" {
		return errors.New("MEDSCAN_MINIO_BUCKET_IMAGES is required")
	}
	return nil
}
