package config

import (
	"encoding/json"
	"os"
)

type Sandbox struct {
	Image         string `json:"image"`
	MemoryLimitMB int64  `json:"memory_limit_mb"`
	CPUShares     int64  `json:"cpu_shares"`
}

type Redis struct {
	Addr      string `json:"addr"`
	QueueName string `json:"queue_name"`
}

type Kafka struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type Minio struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"use_ssl"`
}

type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	WorkDir    string `json:"work_dir"`

	Workers            int `json:"workers"`
	MaxRetries         int `json:"max_retries"`
	BackoffBaseSeconds int `json:"backoff_base_seconds"`
	// Minimum seconds between job starts on a single worker.
	WorkerMinJobIntervalSeconds int `json:"worker_min_job_interval_seconds"`

	// Observability lists kept in the queue.
	KeepCompleted int `json:"keep_completed"`
	KeepFailed    int `json:"keep_failed"`

	RetentionWindowMinutes   int     `json:"retention_window_minutes"`
	SweepIntervalSeconds     int     `json:"sweep_interval_seconds"`
	CleanupMaxAttempts       int     `json:"cleanup_max_attempts"`
	CleanupRetryDelaySeconds int     `json:"cleanup_retry_delay_seconds"`
	CleanupFailureTolerance  float64 `json:"cleanup_failure_tolerance"`
	CleanupDeleteConcurrency int     `json:"cleanup_delete_concurrency"`

	Sandbox Sandbox `json:"sandbox"`
	Redis   Redis   `json:"redis"`
	Kafka   Kafka   `json:"kafka"`
	Minio   Minio   `json:"minio"`
}

func Default() *Config {
	return &Config{
		ListenAddr:                  ":8080",
		DBPath:                      "transcoded.db",
		WorkDir:                     os.TempDir(),
		Workers:                     3,
		MaxRetries:                  3,
		BackoffBaseSeconds:          2,
		WorkerMinJobIntervalSeconds: 1,
		KeepCompleted:               100,
		KeepFailed:                  500,
		RetentionWindowMinutes:      60,
		SweepIntervalSeconds:        60,
		CleanupMaxAttempts:          3,
		CleanupRetryDelaySeconds:    5,
		CleanupFailureTolerance:     0.10,
		CleanupDeleteConcurrency:    4,
		Sandbox: Sandbox{
			Image:         "linuxserver/ffmpeg:latest",
			MemoryLimitMB: 2048,
			CPUShares:     1024,
		},
		Redis: Redis{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			QueueName: "transcode-jobs",
		},
		Kafka: Kafka{
			Brokers: []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
			Topic:   "transcode-events",
		},
		Minio: Minio{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    "media",
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Default(), nil
	}
	defer f.Close()
	c := Default()
	if err := json.NewDecoder(f).Decode(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
