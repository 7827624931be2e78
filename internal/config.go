package internal

import "time"

type Config struct {
	BadgerFilepath    string        `env:"BADGER_FILEPATH,required=true"`
	LogLevel          string        `env:"LOG_LEVEL,required=true"`
	ExpiryWorkers     int           `env:"EXPIRY_WORKERS,required=true"`
	ExpiryBufferSize  int           `env:"EXPIRY_BUFFER_SIZE,required=true"`
	RestartInterval   time.Duration `env:"RESTART_INTERVAL,required=true"`
	DeleteMaxAttempts int           `env:"DELETE_MAX_ATTEMPTS,default=5"`
	LimitRecords      *int          `env:"LIMIT_RECORDS"`
	Host              string        `env:"HOST,default=localhost"`
	Port              int           `env:"PORT,default=8080"`
	MetricsPort       int           `env:"METRICS_PORT,default=9090"`
	DebugPort         int           `env:"DEBUG_PORT,default=8081"`
}
