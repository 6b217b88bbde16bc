package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Will-Luck/command-orchestrator/internal/agent"
	"github.com/Will-Luck/command-orchestrator/internal/clock"
	"github.com/Will-Luck/command-orchestrator/internal/config"
	"github.com/Will-Luck/command-orchestrator/internal/logging"
	"github.com/Will-Luck/command-orchestrator/internal/metrics"
	"github.com/Will-Luck/command-orchestrator/internal/orchestrator"
	"github.com/Will-Luck/command-orchestrator/internal/server"
	"github.com/Will-Luck/command-orchestrator/internal/store"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	// Subcommand dispatch: "orchestrator server" or "orchestrator agent".
	// Bare invocation defaults to server mode.
	mode := "server"
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "server", "agent":
			mode = os.Args[1]
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("command-orchestrator " + versionString())
	fmt.Printf("Mode: %s\n", mode)
	fmt.Println("=============================================")
	for k, v := range cfg.Values() {
		fmt.Printf("%s=%s\n", k, v)
	}

	var runErr error
	if mode == "agent" {
		runErr = runAgent(ctx, cfg, log)
	} else {
		runErr = runServer(ctx, cfg, log)
	}
	if runErr != nil {
		log.Error("exiting with error", "error", runErr)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	clk := clock.Real{}
	svc := orchestrator.New(st, clk, log)

	// §4.5: reclaim any command left Running by a prior crash before
	// accepting requests.
	if _, err := svc.RecoverOnStartup(); err != nil {
		return fmt.Errorf("recover on startup: %w", err)
	}

	reclaimer := orchestrator.NewReclaimer(st, cfg, log, clk)
	if cfg.MetricsTextfile != "" {
		textfilePath := cfg.MetricsTextfile
		reclaimer.SetTickCallback(func() {
			if err := metrics.WriteTextfile(textfilePath); err != nil {
				log.Warn("failed to write metrics textfile", "path", textfilePath, "error", err)
			}
		})
	}
	reclaimCtx, stopReclaimer := context.WithCancel(ctx)
	defer stopReclaimer()
	go func() {
		if err := reclaimer.Run(reclaimCtx); err != nil && reclaimCtx.Err() == nil {
			log.Error("stale reclaimer exited with error", "error", err)
		}
	}()

	srv := server.NewServer(server.Dependencies{
		Service:        svc,
		Clock:          clk,
		Log:            log,
		MetricsEnabled: cfg.Metrics,
	})

	addr := net.JoinHostPort("", cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()

	done := make(chan struct{})
	go func() {
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn("graceful shutdown error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
	case <-shutCtx.Done():
		log.Error("shutdown timed out, forcing exit")
		os.Exit(1)
	}
	return nil
}

func runAgent(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	clk := clock.Real{}
	a, err := agent.New(agent.Config{
		ServerURL:      cfg.ServerURL,
		PollInterval:   cfg.PollInterval,
		DataPath:       cfg.AgentDataPath,
		KillAfter:      cfg.KillAfter,
		RandomFailures: cfg.RandomFailures,
	}, log, clk)
	if err != nil {
		return fmt.Errorf("construct agent: %w", err)
	}
	return a.Run(ctx)
}
