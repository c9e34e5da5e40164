package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

type entrypointConfig struct {
	Addr string `env:"MERIDIAN_SITE_ENTRYPOINT_TEST_ADDR" envDefault:":8088"`
}

func TestParseConfigLoadsEnvDefaults(t *testing.T) {
	var cfg entrypointConfig
	if err := ParseConfig(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr != ":8088" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":8088")
	}
}

func TestParseConfigRejectsNil(t *testing.T) {
	if err := ParseConfig[entrypointConfig](nil); err == nil {
		t.Fatal("expected nil config error")
	}
}

func TestParseArgsRejectsNilFlagSet(t *testing.T) {
	if err := ParseArgs(nil, nil); err == nil {
		t.Fatal("expected nil flag set error")
	}
}

func TestParseArgsParsesFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	addr := fs.String("addr", ":1", "")
	if err := ParseArgs(fs, []string{"-addr", ":2"}); err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if *addr != ":2" {
		t.Fatalf("addr = %q, want %q", *addr, ":2")
	}
}

func TestRunWithTelemetryRequiresService(t *testing.T) {
	err := RunWithTelemetry(context.Background(), "  ", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected missing service error")
	}
}

func TestRunWithTelemetryRequiresRun(t *testing.T) {
	if err := RunWithTelemetry(context.Background(), ServiceLive, nil); err == nil {
		t.Fatal("expected missing run function error")
	}
}

func TestRunWithTelemetryPropagatesRunError(t *testing.T) {
	t.Setenv("MERIDIAN_SITE_OTEL_ENDPOINT", "")
	want := errors.New("boom")
	err := RunWithTelemetry(context.Background(), ServiceLive, func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}
