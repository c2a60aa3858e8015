// Command convai-twilio answers Twilio phone calls with ElevenLabs agents and
// runs warm transfers to a human operator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	twilio "github.com/agentplexus/convai-twilio"
	"github.com/agentplexus/convai-twilio/callsystem"
	"github.com/agentplexus/convai-twilio/config"
	"github.com/agentplexus/convai-twilio/server"
)

const banner = `
  ___ ___  _ ___ ____ _ (_)  _            _ _ _
 / __/ _ \| '_ \ V / _' || | | |_ __ __(_) (_) ___
| (_| (_) | | | \ / (_| || | |  _|\ V  V / | | |/ _ \
 \___\___/|_| |_|\_\__,_||_|  \__| \_/\_/|_|_|_|\___/
`

func main() {
	configPath := flag.String("config", "convai-twilio.yaml", "path to the YAML config file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", twilio.Version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	printStartup(cfg, configPath)

	srv, err := server.New(cfg,
		server.WithLogger(logger),
		server.WithTransferHook(func(tr callsystem.Transition) {
			if tr.To == callsystem.TransferAbandoned {
				color.New(color.FgRed).Printf("    ✖ transfer abandoned for %s after %d retries\n",
					tr.Record.ConferenceName, tr.Record.RetryCount)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "public_url", cfg.Server.PublicURL)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.Server.ShutdownGrace, "active_streams", srv.ActiveStreams())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	// Hijacked media stream sockets are not tracked by Shutdown.
	_ = srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func printStartup(cfg *config.Config, configPath string) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Public:    %s\n", cfg.Server.PublicURL)

	keys := make([]string, 0, len(cfg.Agents))
	for key := range cfg.Agents {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		green.Print("    ▶ ")
		fmt.Printf("Agent:     ")
		cyan.Print(key)
		if n := cfg.Agents[key].PhoneNumber; n != "" {
			fmt.Printf(" (%s)", n)
		}
		fmt.Println()
	}

	if cfg.Transfer.Enabled() {
		green.Print("    ▶ ")
		fmt.Printf("Transfer:  %s, %d retries\n", cfg.Transfer.TargetNumber, cfg.Transfer.Retries())
	}
	if !cfg.Twilio.SignaturesEnabled() {
		yellow.Println("    ! Twilio signature validation disabled")
	}
	fmt.Println()
}
