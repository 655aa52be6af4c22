package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/cpu"
	"github.com/spf13/cobra"

	"github.com/jihwankim/spare-worker/internal/accountant"
	"github.com/jihwankim/spare-worker/internal/broker"
	"github.com/jihwankim/spare-worker/internal/config"
	"github.com/jihwankim/spare-worker/internal/httpapi"
	"github.com/jihwankim/spare-worker/internal/model"
	"github.com/jihwankim/spare-worker/internal/netplumb"
	"github.com/jihwankim/spare-worker/internal/orchestrator"
	"github.com/jihwankim/spare-worker/internal/registry"
	"github.com/jihwankim/spare-worker/internal/shutdown"
	"github.com/jihwankim/spare-worker/internal/store"
	"github.com/jihwankim/spare-worker/internal/vmm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Args:  cobra.NoArgs,
	Short: "Run this node as a SPARE worker",
	Long:  `Starts the HTTP admission surface, the broker consumer task, and drives locally admitted invocations through the microVM pipeline.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("broker-address", "", "message broker address (overrides config)")
	serveCmd.Flags().Int("broker-port", 0, "message broker port (overrides config)")
	serveCmd.Flags().String("cidr", "", "guest network CIDR for this worker (required)")
	serveCmd.Flags().Int("bind-port", 8085, "HTTP bind port")
	serveCmd.Flags().String("bridge", "br0", "Linux bridge device for guest TAPs")
	serveCmd.Flags().Float64("lat", 0, "this worker's latitude")
	serveCmd.Flags().Float64("lon", 0, "this worker's longitude")
	_ = serveCmd.MarkFlagRequired("cidr")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cidr, _ := cmd.Flags().GetString("cidr")
	bindPort, _ := cmd.Flags().GetInt("bind-port")
	bridge, _ := cmd.Flags().GetString("bridge")
	lat, _ := cmd.Flags().GetFloat64("lat")
	lon, _ := cmd.Flags().GetFloat64("lon")
	if brokerAddr, _ := cmd.Flags().GetString("broker-address"); brokerAddr != "" {
		cfg.Broker.Address = brokerAddr
	}
	if brokerPort, _ := cmd.Flags().GetInt("broker-port"); brokerPort != 0 {
		cfg.Broker.Port = brokerPort
	}
	cfg.Network.CIDR = cidr
	cfg.Network.BindPort = bindPort
	cfg.Network.BridgeName = bridge

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logLevel := zerolog.InfoLevel
	if verbose {
		logLevel = zerolog.DebugLevel
	}
	var output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log := zerolog.New(output).Level(logLevel).With().Timestamp().Logger()
	if cfg.Framework.LogFormat == "json" {
		log = zerolog.New(os.Stdout).Level(logLevel).With().Timestamp().Logger()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "spare-worker"
	}
	localAddr := fmt.Sprintf("%s:%d", hostname, cfg.Network.BindPort)
	local := model.Node{Address: localAddr, Lat: lat, Lon: lon}

	counts, err := cpu.Counts(true)
	if err != nil || counts <= 0 {
		counts = 1
	}
	acct := accountant.New(uint(counts))

	reg, err := registry.New(cfg.Network.Strategy, local, nil)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}

	pool, err := netplumb.NewIPPool(cfg.Network.CIDR)
	if err != nil {
		return fmt.Errorf("create ip pool: %w", err)
	}
	plumber := netplumb.New()
	if err := plumber.BridgeEnsure(cfg.Network.BridgeName); err != nil {
		return fmt.Errorf("ensure bridge: %w", err)
	}

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open invocation store: %w", err)
	}
	defer st.Close()

	monitor := vmm.NewFirecrackerClient(cfg.Firecracker.Executable, cfg.Firecracker.BootTimeout, log)

	orch := orchestrator.New(*cfg, localAddr, acct, reg, st, pool, plumber, monitor, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sd := shutdown.New(log)
	sd.Start(ctx)

	b := broker.New()
	defer b.Close()
	orch.StartConsumer(ctx)
	go orch.ConsumeBroker(ctx, b)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Network.BindPort),
		Handler: httpapi.New(orch, sd, log).Handler(),
	}
	sd.OnStop(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	})

	log.Info().Str("addr", srv.Addr).Str("strategy", string(cfg.Network.Strategy)).Msg("spare-worker starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}

	sd.Wait()
	return nil
}
