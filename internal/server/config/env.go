package config

import (
	"os"

	"github.com/joho/godotenv"
)

// parseEnv overlays configuration from the environment, loading a .env file
// from the working directory first if one exists. Secrets (the master key,
// database and S3 credentials) are usually delivered this way.
func parseEnv(config *Config) {
	// absent .env file is fine, the environment still applies
	_ = godotenv.Load()

	setIfPresent := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setIfPresent("EXAMKEEPER_ADDR", &config.EndpointAddr)
	setIfPresent("EXAMKEEPER_DATABASE_DSN", &config.DatabaseDSN)
	setIfPresent("EXAMKEEPER_MASTER_KEY", &config.MasterKey)
	setIfPresent("EXAMKEEPER_ISSUER", &config.Issuer)
	setIfPresent("EXAMKEEPER_S3_ROOT_USER", &config.S3RootUser)
	setIfPresent("EXAMKEEPER_S3_ROOT_PASSWORD", &config.S3RootPassword)
	setIfPresent("EXAMKEEPER_S3_BUCKET", &config.S3Bucket)
	setIfPresent("EXAMKEEPER_S3_REGION", &config.S3Region)
	setIfPresent("EXAMKEEPER_S3_BASE_ENDPOINT", &config.S3BaseEndpoint)
}
