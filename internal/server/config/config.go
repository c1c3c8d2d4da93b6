// Package config loads fleetd's environment-variable configuration, in the
// same os.Getenv-with-default style as lake/api/config.LoadPostgres.
package config

import (
	"fmt"
	"os"
)

// Postgres holds connection settings for the server's database pool.
type Postgres struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
}

// Config is fleetd's full runtime configuration.
type Config struct {
	Postgres      Postgres
	HTTPAddr      string
	MetricsAddr   string
	S3Bucket      string
	S3Region      string
	ObjectKeyRoot string
}

func Load() Config {
	return Config{
		Postgres: Postgres{
			Host:     getenv("POSTGRES_HOST", "localhost"),
			Port:     getenv("POSTGRES_PORT", "5432"),
			Database: getenv("POSTGRES_DB", "fleetdev"),
			Username: getenv("POSTGRES_USER", "fleetdev"),
			Password: getenv("POSTGRES_PASSWORD", "fleetdev"),
		},
		HTTPAddr:      getenv("FLEET_HTTP_ADDR", ":8000"),
		MetricsAddr:   getenv("FLEET_METRICS_ADDR", ":8080"),
		S3Bucket:      getenv("FLEET_S3_BUCKET", "fleet-packages"),
		S3Region:      getenv("AWS_REGION", "us-east-1"),
		ObjectKeyRoot: getenv("FLEET_S3_PREFIX", "packages/"),
	}
}

// ConnString builds the pgx connection string for this config's Postgres
// settings.
func (c Config) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.Postgres.Username, c.Postgres.Password, c.Postgres.Host, c.Postgres.Port, c.Postgres.Database,
	)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
