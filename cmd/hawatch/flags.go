package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lightforgemedia/go-hassws/pkg/bridge"
	"github.com/lightforgemedia/go-hassws/pkg/credentials"
)

// cliConfig holds command-line configuration
type cliConfig struct {
	URL         string
	Token       string
	ConfigPath  string
	Entities    []string
	NATSURL     string
	NATSPrefix  string
	ServeCalls  bool
	MetricsAddr string
	LogLevel    slog.Level
	Discover    bool
}

func parseFlags(args []string, output io.Writer) (*cliConfig, error) {
	cfg := &cliConfig{}
	fs := flag.NewFlagSet("hawatch", flag.ContinueOnError)
	fs.SetOutput(output)

	var entities, level string
	fs.StringVar(&cfg.URL, "url", "", "Server base URL (env: "+credentials.EnvURL+")")
	fs.StringVar(&cfg.Token, "token", "", "Long-lived access token (env: "+credentials.EnvToken+")")
	fs.StringVar(&cfg.ConfigPath, "config", credentials.DefaultConfigPath, "Path to the JSON or YAML config file")
	fs.StringVar(&entities, "entities", "", "Comma separated entity ids to watch")
	fs.StringVar(&cfg.NATSURL, "nats", "", "NATS URL to mirror state changes to, empty to disable")
	fs.StringVar(&cfg.NATSPrefix, "nats-prefix", bridge.DefaultPrefix, "NATS subject prefix")
	fs.BoolVar(&cfg.ServeCalls, "nats-calls", false, "Accept service calls from NATS")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Address of the Prometheus endpoint, empty to disable")
	fs.StringVar(&level, "log-level", "info", "Log level: debug, info, warn, error")
	fs.BoolVar(&cfg.Discover, "discover", false, "Record every entity in the config file and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	cfg.Entities = splitEntities(entities)
	if !cfg.Discover && len(cfg.Entities) == 0 {
		return nil, fmt.Errorf("no entities given, use -entities or -discover")
	}
	if cfg.ServeCalls && cfg.NATSURL == "" {
		return nil, fmt.Errorf("-nats-calls requires -nats")
	}
	return cfg, nil
}

func splitEntities(s string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, id := range strings.Split(s, ",") {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
