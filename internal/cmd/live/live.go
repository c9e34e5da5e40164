// Package live parses live command flags and composes transport entrypoints.
package live

import (
	"context"
	"flag"
	"fmt"
	"log"

	entrypoint "github.com/meridianweb/meridian.site/internal/platform/cmd"
	server "github.com/meridianweb/meridian.site/internal/services/live/app"
	"github.com/meridianweb/meridian.site/internal/services/live/session"
)

// Config holds live command configuration.
type Config struct {
	HTTPAddr string `env:"MERIDIAN_SITE_LIVE_HTTP_ADDR" envDefault:":8088"`
	DBPath   string `env:"MERIDIAN_SITE_LIVE_DB_PATH"   envDefault:"live.db"`
	WSPath   string `env:"MERIDIAN_SITE_LIVE_WS_PATH"   envDefault:"/ws"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "live HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "websocket route")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the live app and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLive, func(context.Context) error {
		serverCfg := server.Config{
			HTTPAddr: cfg.HTTPAddr,
			DBPath:   cfg.DBPath,
			WSPath:   cfg.WSPath,
		}
		if sessionCfg, err := session.LoadConfigFromEnv(nil); err != nil {
			log.Printf("live: session auth disabled: %v", err)
		} else {
			serverCfg.Session = &sessionCfg
		}

		if err := server.Run(ctx, serverCfg); err != nil {
			return fmt.Errorf("serve live: %w", err)
		}
		return nil
	})
}
