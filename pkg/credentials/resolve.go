package credentials

import (
	"context"
	"errors"
	"log/slog"
	"os"
)

// Request lists the candidate sources for Resolve, highest priority first.
type Request struct {
	// URL and Token are explicit values. They win when both are set.
	URL   string
	Token string

	// Source is consulted after the environment.
	Source Source

	// ConfigPath is the file read last. Empty means DefaultConfigPath.
	ConfigPath string
}

// Resolve returns the first complete set of credentials from: the explicit
// values, the HA_URL/HA_TOKEN environment variables, the injected Source,
// and finally the configuration file.
func Resolve(ctx context.Context, req Request, logger *slog.Logger) (Credentials, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if c := (Credentials{URL: req.URL, Token: req.Token}); c.Complete() {
		logger.Debug("Using explicit credentials")
		return c, nil
	}

	if c := (Credentials{URL: os.Getenv(EnvURL), Token: os.Getenv(EnvToken)}); c.Complete() {
		logger.Debug("Using credentials from environment")
		return c, nil
	}

	if req.Source != nil {
		c, err := fromSource(ctx, req.Source)
		switch {
		case err != nil:
			logger.Warn("Config source failed", "error", err)
		case c.Complete():
			logger.Debug("Using credentials from config source")
			return c, nil
		}
	}

	path := req.ConfigPath
	if path == "" {
		path = DefaultConfigPath
	}
	c, err := fromSource(ctx, NewFileStore(path, WithStoreLogger(logger)))
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		logger.Warn("Reading config file failed", "path", path, "error", err)
	}
	if err == nil && c.Complete() {
		logger.Debug("Using credentials from config file", "path", path)
		return c, nil
	}

	return Credentials{}, ErrMissingCredentials
}

func fromSource(ctx context.Context, src Source) (Credentials, error) {
	cfg, err := src.GetAllConfig(ctx)
	if err != nil {
		return Credentials{}, err
	}
	if cfg == nil || cfg.Credentials == nil {
		return Credentials{}, nil
	}
	return *cfg.Credentials, nil
}
