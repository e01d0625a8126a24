// hawatch connects to a home automation server and prints live state
// changes of the given entities. It can mirror them to NATS and expose
// client metrics for Prometheus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightforgemedia/go-hassws/pkg/bridge"
	"github.com/lightforgemedia/go-hassws/pkg/client"
	"github.com/lightforgemedia/go-hassws/pkg/credentials"
	"github.com/lightforgemedia/go-hassws/pkg/device"
	"github.com/lightforgemedia/go-hassws/pkg/protocol"
)

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("hawatch: %v", err))
		os.Exit(2)
	}

	logHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: true,
		Level:     cfg.LogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				src := a.Value.Any().(*slog.Source)
				a.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
			}
			return a
		},
	})
	logger := slog.New(logHandler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, client.ErrAuthInvalid) {
			logger.Error("Access token rejected by the server", "error", err)
		} else {
			logger.Error("hawatch stopped", "error", err)
		}
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *cliConfig, logger *slog.Logger) error {
	store := credentials.NewFileStore(cfg.ConfigPath, credentials.WithStoreLogger(logger))

	reg := prometheus.NewRegistry()
	metrics, err := client.NewMetrics(reg)
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
	}

	cli := client.New(client.WithLogger(logger), client.WithMetrics(metrics))
	defer cli.Close()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = cli.Connect(connectCtx, client.ConnectConfig{
		URL:        cfg.URL,
		Token:      cfg.Token,
		Source:     store,
		ConfigPath: cfg.ConfigPath,
	})
	cancel()
	if err != nil {
		return err
	}
	logger.Info("Connected", "version", cli.HAVersion(), "clientID", cli.ID())

	if cfg.Discover {
		return discover(ctx, cli, store, logger)
	}

	registry := device.NewRegistry(cli, device.WithRegistryLogger(logger))
	defer registry.Close()
	for _, id := range cfg.Entities {
		registry.Add(newEntity(cli, id, logger))
	}
	if n, err := registry.Refresh(ctx); err != nil {
		logger.Warn("Initial state refresh failed", "error", err)
	} else {
		logger.Info("Initial states applied", "count", n)
	}

	if cfg.NATSURL != "" {
		nc, err := bridge.Dial(bridge.Options{URL: cfg.NATSURL})
		if err != nil {
			return err
		}
		defer nc.Drain()

		mirror := bridge.NewMirror(nc, bridge.WithPrefix(cfg.NATSPrefix), bridge.WithLogger(logger))
		if cfg.ServeCalls {
			if err := mirror.ServeCommands(ctx, cli); err != nil {
				return err
			}
		}
		go func() {
			if err := mirror.Run(ctx, registry, cfg.Entities...); err != nil {
				logger.Error("NATS mirror stopped", "error", err)
			}
		}()
	}

	return watch(ctx, cli, registry, cfg.Entities)
}

func newEntity(cli *client.Client, id string, logger *slog.Logger) device.Entity {
	domain, _, _ := strings.Cut(id, ".")
	switch domain {
	case device.DomainLight:
		return device.NewLight(cli, id, id, device.WithDeviceOptions(device.WithLogger(logger)))
	case device.DomainSwitch:
		return device.NewSwitch(cli, id, id, device.WithLogger(logger))
	default:
		return device.New(cli, domain, id, id, device.WithLogger(logger))
	}
}

func watch(ctx context.Context, cli *client.Client, registry *device.Registry, ids []string) error {
	updates := make(chan device.StateChange)
	for _, id := range ids {
		changes, err := registry.Watch(ctx, id)
		if err != nil {
			return err
		}
		go func() {
			for c := range changes {
				select {
				case updates <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	entity := color.New(color.FgCyan, color.Bold).SprintFunc()
	old := color.New(color.FgHiBlack).SprintFunc()
	stateColor := map[string]*color.Color{
		device.StatusOn:          color.New(color.FgGreen),
		device.StatusOff:         color.New(color.FgYellow),
		device.StatusUnavailable: color.New(color.FgRed),
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cli.Done():
			return cli.Err()
		case change := <-updates:
			c, ok := stateColor[change.New.Status]
			if !ok {
				c = color.New(color.FgWhite)
			}
			fmt.Printf("%s %s %s -> %s\n",
				change.New.LastChanged.Local().Format(time.TimeOnly),
				entity(change.EntityID),
				old(change.Old.Status),
				c.Sprint(change.New.Status))
		}
	}
}

// discover records every entity the server reports in the config file.
func discover(ctx context.Context, cli *client.Client, store *credentials.FileStore, logger *slog.Logger) error {
	var states []protocol.State
	ok, err := cli.GetStates(func(s []protocol.State) { states = s }).Wait(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("get_states was rejected")
	}

	var known map[string]credentials.Device
	if existing, err := store.GetAllConfig(ctx); err == nil {
		known = existing.Devices
	}
	devices := discoveredDevices(states, known)
	if err := store.SetDevices(ctx, devices); err != nil {
		return err
	}
	logger.Info("Devices recorded", "count", len(devices), "path", store.Path())
	return nil
}

// discoveredDevices keeps the isUsed choice of devices already known.
func discoveredDevices(states []protocol.State, known map[string]credentials.Device) map[string]credentials.Device {
	devices := make(map[string]credentials.Device, len(states))
	for _, s := range states {
		domain, _, _ := strings.Cut(s.EntityID, ".")
		var attrs struct {
			FriendlyName string `json:"friendly_name"`
		}
		_ = s.DecodeAttributes(&attrs)
		name := attrs.FriendlyName
		if name == "" {
			name = s.EntityID
		}
		devices[s.EntityID] = credentials.Device{
			WasDetected: true,
			Type:        domain,
			Name:        name,
			IsUsed:      known[s.EntityID].IsUsed,
		}
	}
	return devices
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server failed", "error", err)
	}
}
