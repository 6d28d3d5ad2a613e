package objectstore

import (
	"errors"
	"strings"

	"github.com/buelon-hub/pipehub/internal/platform/env"
)

// Config configures the single bucket the hub's blob store lives in.
// Step definitions and step payloads share the bucket, distinguished by
// key prefix ("step/" and "step-data/"), matching the blob store's key
// namespace from spec.md §3.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("ANIMUS_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("ANIMUS_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("ANIMUS_MINIO_ACCESS_KEY", "pipehub"),
		SecretKey: env.String("ANIMUS_MINIO_SECRET_KEY", "pipehubminio"),
		Region:    env.String("ANIMUS_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("ANIMUS_MINIO_BUCKET", "pipehub-steps"),
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
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.New("endpoint must not include scheme")
	}
	return nil
}
