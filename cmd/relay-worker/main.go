// ABOUTME: Entry point for the relay worker that answers questions from the queue
// ABOUTME: Runs the bounded dispatch pool and exposes gRPC health for orchestrators

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/logging"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/worker"
)

// Version is set by goreleaser at build time.
var version = "dev"

// drainTimeout bounds how long in-flight turns may run after shutdown starts.
const drainTimeout = 30 * time.Second

// getConfigPath returns the path to the relay config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/coven-relay/relay.yaml > ~/.config/coven-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven-relay", "relay.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-worker <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Consume the question queue and run agents")
		fmt.Println("  health   Probe the worker's gRPC health service")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadWorkerConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return nil, configPath, fmt.Errorf("validating config: %w", err)
	}
	if cfg.Broker.IsMemory() {
		return nil, configPath, errors.New("relay-worker needs a network broker; memory:// only works with gateway.embedded_worker")
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cfg, configPath, err := loadWorkerConfig()
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging)

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	color.New(color.FgCyan).Println("\n    relay-worker")
	gray.Printf("    version: %s\n\n", version)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Queues:    %s -> %s\n", cfg.Broker.QuestionQueue, cfg.Broker.AnswerQueue)
	green.Print("    ▶ ")
	fmt.Printf("Slots:     %d\n", cfg.Worker.MaxConcurrency)
	green.Print("    ▶ ")
	fmt.Printf("Health:    %s\n", cfg.Worker.HealthAddr)
	for _, fn := range cfg.Worker.Functions {
		green.Print("    ▶ ")
		fmt.Printf("Function:  %d ", fn.ID)
		gray.Printf("%s -> %s\n", fn.Name, fn.AgentURL)
	}
	fmt.Println()

	client := broker.NewClient(
		broker.DialerFromConfig(cfg.Broker, "coven-relay-worker"),
		broker.OptionsFromConfig(cfg.Broker, logger),
	)
	defer client.Close()

	pool, err := worker.NewFromConfig(cfg, client, relay.NewAnswerPublisher(client, cfg.Broker.AnswerQueue), logger)
	if err != nil {
		return fmt.Errorf("creating dispatch pool: %w", err)
	}

	healthLn, err := net.Listen("tcp", cfg.Worker.HealthAddr)
	if err != nil {
		return fmt.Errorf("listening on health address: %w", err)
	}
	health := worker.NewHealthServer(logger)
	client.OnStateChange(health.SetServing)

	healthErr := make(chan error, 1)
	go func() {
		healthErr <- health.Serve(healthLn)
	}()

	logger.Info("starting relay-worker", "config", configPath, "version", version)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	runErr := make(chan error, 1)
	go func() {
		runErr <- pool.Run(runCtx)
	}()

	select {
	case err = <-runErr:
	case err = <-healthErr:
		err = fmt.Errorf("health server: %w", err)
		stop()
		<-runErr
	}

	// The consume loop has stopped; only in-flight turns remain.
	health.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	logger.Info("draining in-flight turns", "in_flight", pool.Stats().InFlight)
	if waitErr := pool.Wait(drainCtx); waitErr != nil {
		logger.Error("abandoning in-flight turns", "error", waitErr)
	}

	return err
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status, err := worker.Probe(ctx, cfg.Worker.HealthAddr, worker.ServiceName)
	if err != nil {
		return err
	}
	if status != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", status)
	}

	fmt.Println("healthy")
	return nil
}
