package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if !cfg.IsDev() {
		t.Errorf("Env = %q, want development by default", cfg.Env)
	}
	if cfg.AWSRegion != "eu-west-2" {
		t.Errorf("AWSRegion = %q", cfg.AWSRegion)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9001")
	t.Setenv("DYNAMODB_TABLE_NAME", "imms-events")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9001" || cfg.DynamoTable != "imms-events" || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	dev := &Config{Env: "development"}
	if err := dev.Validate(); err != nil {
		t.Errorf("development config should validate without a store: %v", err)
	}

	prod := &Config{Env: "production"}
	if err := prod.Validate(); err == nil {
		t.Error("production config without a table must not validate")
	}

	full := &Config{
		Env:         "production",
		DynamoTable: "imms-events",
		PDSBaseURL:  "https://pds.example",
		JWTSecret:   "secret",
	}
	if err := full.Validate(); err != nil {
		t.Errorf("complete production config should validate: %v", err)
	}
}
