// Command edge-agent runs on store devices: it samples local health,
// buffers batches durably and syncs them to the engine.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"edgefleet/internal/agent"
	deviceapp "edgefleet/internal/devices/application"
	"edgefleet/internal/logging"
	syncerapp "edgefleet/internal/syncer/application"
	"edgefleet/internal/syncer/infrastructure/badger"
	"edgefleet/internal/syncer/infrastructure/uplink"
)

var (
	engineURL string
	secret    string
	dataDir   string
	logLevel  string
	timeout   time.Duration

	storeID    string
	deviceType string
	probeURL   string
	batchSize  int

	rootCmd = &cobra.Command{
		Use:           "edge-agent",
		Short:         "Edge device health agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerCmd = &cobra.Command{
		Use:   "register",
		Short: "Register this device with the engine and store its identity",
		RunE:  runRegister,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Sample health and sync batches until interrupted",
		RunE:  runAgent,
	}
	flushCmd = &cobra.Command{
		Use:   "flush",
		Short: "Attempt every due buffered batch once",
		RunE:  runFlush,
	}
	pendingCmd = &cobra.Command{
		Use:   "pending",
		Short: "List buffered batches",
		RunE:  runPending,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&engineURL, "engine", getenvDefault("EDGEFLEET_ENGINE_URL", "http://localhost:8080"), "engine base URL")
	flags.StringVar(&secret, "secret", os.Getenv("INGEST_HMAC_SECRET"), "ingest HMAC secret")
	flags.StringVar(&dataDir, "data-dir", getenvDefault("EDGE_AGENT_DATA_DIR", "/var/lib/edge-agent"), "state and buffer directory")
	flags.StringVar(&logLevel, "log-level", getenvDefault("LOG_LEVEL", "info"), "log level")
	flags.DurationVar(&timeout, "timeout", 15*time.Second, "engine request timeout")

	registerCmd.Flags().StringVar(&storeID, "store", "", "store id")
	registerCmd.Flags().StringVar(&deviceType, "type", "", "device type")
	registerCmd.Flags().StringVar(&probeURL, "probe-url", "", "URL the engine may probe for network checks")
	_ = registerCmd.MarkFlagRequired("store")
	_ = registerCmd.MarkFlagRequired("type")

	runCmd.Flags().IntVar(&batchSize, "batch-size", 1, "samples per batch")

	rootCmd.AddCommand(registerCmd, runCmd, flushCmd, pendingCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "edge-agent:", err)
		os.Exit(1)
	}
}

func runRegister(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	req := deviceapp.RegisterRequest{
		Fingerprint: agent.Fingerprint(ctx),
		StoreID:     storeID,
		DeviceType:  deviceType,
		Hardware:    agent.Hardware(ctx, "/"),
		ProbeURL:    probeURL,
	}
	var res deviceapp.RegisterResult
	if err := client.Register(ctx, req, &res); err != nil {
		return err
	}
	identity := agent.Identity{DeviceID: res.DeviceID, StoreID: storeID, Config: res.Config}
	if err := agent.SaveIdentity(identityPath(), identity); err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	logger, err := logging.New(logLevel, "json", "edge-agent")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	identity, err := agent.LoadIdentity(identityPath())
	if err != nil {
		return fmt.Errorf("load identity (run register first): %w", err)
	}
	coordinator, closeBuffer, err := openCoordinator(logger)
	if err != nil {
		return err
	}
	defer closeBuffer()

	collector := agent.NewCollector(engineURL+"/healthz", logger.Named("collector"))
	interval := identity.Config.ReportingInterval()
	a, err := agent.New(identity.DeviceID, collector, coordinator, interval, batchSize, logger.Named("agent"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("agent started", zap.String("device_id", identity.DeviceID), zap.Duration("interval", interval))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		coordinator.Run(ctx, interval)
	}()
	wg.Wait()
	return nil
}

func runFlush(cmd *cobra.Command, _ []string) error {
	coordinator, closeBuffer, err := openCoordinator(zap.NewNop())
	if err != nil {
		return err
	}
	defer closeBuffer()
	logs, err := coordinator.Flush(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, logs)
}

func runPending(cmd *cobra.Command, _ []string) error {
	buffer, err := badger.Open(badger.Config{Path: bufferPath()})
	if err != nil {
		return err
	}
	defer buffer.Close()
	batches, err := buffer.List(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, batches)
}

func openCoordinator(logger *zap.Logger) (*syncerapp.Coordinator, func(), error) {
	client, err := newClient()
	if err != nil {
		return nil, nil, err
	}
	buffer, err := badger.Open(badger.Config{Path: bufferPath(), Logger: logger.Named("badger")})
	if err != nil {
		return nil, nil, err
	}
	coordinator, err := syncerapp.NewCoordinator(buffer, client, syncerapp.WithLogger(logger.Named("sync")))
	if err != nil {
		_ = buffer.Close()
		return nil, nil, err
	}
	return coordinator, func() { _ = buffer.Close() }, nil
}

func newClient() (*uplink.Client, error) {
	if secret == "" {
		return nil, errors.New("ingest secret required (--secret or INGEST_HMAC_SECRET)")
	}
	return uplink.NewClient(engineURL, []byte(secret), timeout)
}

func identityPath() string { return filepath.Join(dataDir, "device.json") }

func bufferPath() string { return filepath.Join(dataDir, "buffer") }

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

