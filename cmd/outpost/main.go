// Command outpost runs filesystem monitors backed by helper
// subprocesses and, optionally, a websocket relay for their events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"outpost/internal/config"
	"outpost/internal/directory"
	"outpost/internal/logging"
	"outpost/internal/metrics"
	"outpost/internal/monitor"
	"outpost/internal/server"
	"outpost/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "outpost.yaml", "path to the deployment config")
	helperPath := flag.String("helper", "", "helper binary, overrides the config")
	listenAddr := flag.String("listen", "", "relay listen address, overrides the config")
	showVersion := flag.Bool("version", false, "print the build version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "outpost:", err)
		return 1
	}
	if *helperPath != "" {
		cfg.Helper.Path = *helperPath
	}
	if *listenAddr != "" {
		cfg.Relay.ListenAddr = *listenAddr
	}

	logger := logging.NewLoggerWithOutput(cfg.Level(), os.Stderr)

	dir := directory.New(directory.Options{MailboxSize: cfg.MailboxSize})
	manager := monitor.NewManager(monitor.ManagerOptions{
		Starter:        monitor.Command(cfg.Helper.Path, cfg.Helper.Args...),
		CommandTimeout: cfg.CommandTimeout(),
		Directory:      dir,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, mon := range cfg.Monitors {
		if err := manager.Start(ctx, mon.Name, mon.Watches); err != nil {
			logger.Error("monitor start failed", map[string]string{
				"monitor": mon.Name,
				"error":   err.Error(),
			})
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			manager.StopAll(stopCtx)
			cancel()
			return 1
		}
		logger.Info("monitor started", map[string]string{
			"monitor": mon.Name,
			"watches": strconv.Itoa(len(mon.Watches)),
		})
	}

	var relay *http.Server
	if cfg.Relay.ListenAddr != "" {
		mux := http.NewServeMux()
		server.RegisterRoutes(mux, server.Options{
			Directory:      dir,
			Lister:         manager,
			Registry:       metrics.Default,
			AllowedOrigins: cfg.Relay.AllowedOrigins,
			Logger:         logger,
		})
		relay = &http.Server{
			Addr:              cfg.Relay.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Info("relay listening", map[string]string{
			"addr": relay.Addr,
		})
		go func() {
			if err := relay.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("relay stopped", map[string]string{
					"error": err.Error(),
				})
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if relay != nil {
		if err := relay.Shutdown(shutdownCtx); err != nil {
			logger.Warn("relay shutdown failed", map[string]string{
				"error": err.Error(),
			})
		}
	}
	manager.StopAll(shutdownCtx)
	return 0
}
