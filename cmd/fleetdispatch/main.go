package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/packfleet/fleetdispatch/pkg/dispatch"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "fleetdispatch",
	Short:   "Fleet build dispatcher - SSH-driven remote build control plane",
	Long:    `fleetdispatch dispatches packaging jobs to a fleet of registered remote build workers over SSH/SFTP, balancing load across them and exposing status through a thin HTTP API.`,
	Version: "0.1.0",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher and its HTTP front door",
	RunE:  runServe,
}

var workerAddCmd = &cobra.Command{
	Use:   "worker-add [name] [kind] [host]",
	Short: "Register a new build worker",
	Args:  cobra.ExactArgs(3),
	RunE:  runWorkerAdd,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ./config.yaml)")

	serveCmd.Flags().String("http-addr", ":8080", "HTTP listen address")

	workerAddCmd.Flags().Int("port", 22, "SSH port")
	workerAddCmd.Flags().String("user", "", "SSH user")
	workerAddCmd.Flags().String("password", "", "SSH password (prefer --key-path)")
	workerAddCmd.Flags().String("key-path", "", "SSH private key path")
	workerAddCmd.Flags().String("api-addr", "http://localhost:8080", "address of a running fleetdispatch serve instance")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerAddCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// components bundles the wired-together control plane, built the same
// way regardless of whether it is driven by serve or an admin command.
type components struct {
	cfg        *dispatch.Config
	logger     *dispatch.Logger
	retry      *dispatch.RetryPolicy
	pool       *dispatch.Pool
	registry   *dispatch.Registry
	queue      *dispatch.Queue
	runner     *dispatch.Runner
	balancer   *dispatch.Balancer
	dispatcher *dispatch.Dispatcher
	metrics    *dispatch.Metrics
}

func wire() (*components, error) {
	cfg, err := dispatch.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := dispatch.NewLogger(cfg.Logging)
	retry := dispatch.NewRetryPolicy(nil)
	pool := dispatch.NewPool(cfg.Pool, retry, logger)
	registry := dispatch.NewRegistry(pool, retry, logger)
	queue := dispatch.NewQueue(cfg.Queue, logger)
	balancer := dispatch.NewBalancer(registry, pool, queue.RunningByWorker)
	runner := dispatch.NewRunner(pool, balancer, retry, logger)
	dispatcher := dispatch.NewDispatcher(registry, pool, balancer, queue, runner, logger)

	var metrics *dispatch.Metrics
	if cfg.Metrics.Enabled {
		metrics = dispatch.NewMetrics()
	}

	return &components{
		cfg:        cfg,
		logger:     logger,
		retry:      retry,
		pool:       pool,
		registry:   registry,
		queue:      queue,
		runner:     runner,
		balancer:   balancer,
		dispatcher: dispatcher,
		metrics:    metrics,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	httpAddr, _ := cmd.Flags().GetString("http-addr")

	c, err := wire()
	if err != nil {
		return err
	}

	c.dispatcher.Start()
	defer c.dispatcher.Stop()

	mux := http.NewServeMux()
	mux.Handle("/", dispatch.NewServer(c.dispatcher))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if c.cfg.Metrics.Enabled && c.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(c.cfg.Metrics.Path, c.metrics.Handler())
		metricsSrv := &http.Server{Addr: c.cfg.Metrics.Endpoint, Handler: metricsMux}
		go func() {
			c.logger.Info("metrics server starting", "addr", c.cfg.Metrics.Endpoint, "path", c.cfg.Metrics.Path)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.logger.Error("metrics server failed", "error", err)
			}
		}()
		go refreshMetricsLoop(ctx, c)
		defer metricsSrv.Close()
	}

	srv := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		c.logger.Info("http server starting", "addr", httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	c.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func refreshMetricsLoop(ctx context.Context, c *components) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.metrics.Refresh(c.dispatcher)
		}
	}
}

// runWorkerAdd is a thin client over a running `fleetdispatch serve`
// instance's POST /servers route — the dispatcher's state lives in that
// process, not in this one-shot command (§9: no durable persistence).
func runWorkerAdd(cmd *cobra.Command, args []string) error {
	name, kindStr, host := args[0], args[1], args[2]

	port, _ := cmd.Flags().GetInt("port")
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")
	keyPath, _ := cmd.Flags().GetString("key-path")
	apiAddr, _ := cmd.Flags().GetString("api-addr")

	body, err := json.Marshal(map[string]any{
		"name":     name,
		"kind":     kindStr,
		"host":     host,
		"port":     port,
		"user":     user,
		"password": password,
		"key_path": keyPath,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := http.Post(apiAddr+"/servers", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("call %s: %w", apiAddr, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if ok, _ := out["success"].(bool); !ok {
		return fmt.Errorf("register worker: %v", out["error"])
	}

	fmt.Printf("registered worker %q (%s) at %s:%d\n", name, kindStr, host, port)
	return nil
}
