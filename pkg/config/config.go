package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config collects the environment-driven settings shared by the binaries.
type Config struct {
	DatabaseURL string
	RabbitURL   string

	// Object storage. Endpoint is optional and enables S3-compatible stores
	// (MinIO and friends) with path-style addressing.
	S3Region   string
	S3Endpoint string
	S3Bucket   string
	S3KeyID    string
	S3Secret   string

	// External job service.
	AWSRegion  string
	JobRoleARN string

	// Dataset service, optional. Stages may reference a 'dataset_id' only
	// when this is set.
	DatasetAPIURL string

	// Orchestration policy.
	MaxConcurrency   int
	MaxRecordsPerJob int
	JobTimeoutHours  int

	MetricsAddr string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RabbitURL:        os.Getenv("RABBITMQ_URL"),
		S3Region:         getenv("S3_REGION", "us-east-1"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		S3Bucket:         os.Getenv("S3_BUCKET"),
		S3KeyID:          os.Getenv("S3_ACCESS_KEY_ID"),
		S3Secret:         os.Getenv("S3_SECRET_ACCESS_KEY"),
		AWSRegion:        getenv("AWS_REGION", "us-east-1"),
		JobRoleARN:       os.Getenv("JOB_ROLE_ARN"),
		DatasetAPIURL:    os.Getenv("DATASET_API_URL"),
		MaxConcurrency:   getenvInt("MAX_CONCURRENCY", 10),
		MaxRecordsPerJob: getenvInt("MAX_RECORDS_PER_JOB", 1000),
		JobTimeoutHours:  getenvInt("JOB_TIMEOUT_HOURS", 0),
		MetricsAddr:      getenv("METRICS_ADDR", ":9091"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RabbitURL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required")
	}
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENCY must be positive, got %d", cfg.MaxConcurrency)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
