package config

import "testing"

type testEnvConfig struct {
	Addr string `env:"MERIDIAN_SITE_TEST_ADDR" envDefault:":9090"`
	Name string `env:"MERIDIAN_SITE_TEST_NAME"`
}

func TestParseEnvAppliesDefaults(t *testing.T) {
	var cfg testEnvConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":9090")
	}
}

func TestParseEnvReadsVariables(t *testing.T) {
	t.Setenv("MERIDIAN_SITE_TEST_ADDR", ":7070")
	t.Setenv("MERIDIAN_SITE_TEST_NAME", "live")

	var cfg testEnvConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":7070")
	}
	if cfg.Name != "live" {
		t.Fatalf("name = %q, want %q", cfg.Name, "live")
	}
}
