package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"ENV"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	DynamoTable    string `mapstructure:"DYNAMODB_TABLE_NAME"`
	AWSRegion      string `mapstructure:"AWS_REGION"`
	DynamoEndpoint string `mapstructure:"DYNAMODB_ENDPOINT"`
	PDSBaseURL     string `mapstructure:"PDS_BASE_URL"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AWS_REGION", "eu-west-2")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DYNAMODB_TABLE_NAME")
	v.BindEnv("AWS_REGION")
	v.BindEnv("DYNAMODB_ENDPOINT")
	v.BindEnv("PDS_BASE_URL")
	v.BindEnv("JWT_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// the store table, the demographics service, and a real JWT secret are all
// required; in development a missing table selects the in-memory store.
func (c *Config) Validate() error {
	if c.IsDev() {
		return nil
	}
	if c.DynamoTable == "" {
		return fmt.Errorf("DYNAMODB_TABLE_NAME is required when ENV=%q", c.Env)
	}
	if c.PDSBaseURL == "" {
		return fmt.Errorf("PDS_BASE_URL is required when ENV=%q", c.Env)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	return nil
}
