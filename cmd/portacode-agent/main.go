// Command portacode-agent is the device-side process: it loads or
// generates this device's identity keypair, opens the supervised
// gateway WebSocket, and dispatches every inbound command frame to the
// automation/ingress/infra/tunnel subsystems. Persistent cobra flags are
// initialized via cobra.OnInitialize, with global Version/Commit/BuildTime
// set by ldflags, trimmed to the one long-running "connect" command plus
// a couple of small utility subcommands.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/automation"
	"github.com/cuemby/portacode-agent/pkg/connection"
	"github.com/cuemby/portacode-agent/pkg/exposure"
	"github.com/cuemby/portacode-agent/pkg/handlers"
	"github.com/cuemby/portacode-agent/pkg/infra"
	"github.com/cuemby/portacode-agent/pkg/ingress"
	"github.com/cuemby/portacode-agent/pkg/initsystem"
	"github.com/cuemby/portacode-agent/pkg/keypair"
	"github.com/cuemby/portacode-agent/pkg/log"
	"github.com/cuemby/portacode-agent/pkg/metrics"
	"github.com/cuemby/portacode-agent/pkg/router"
	"github.com/cuemby/portacode-agent/pkg/state"
	"github.com/cuemby/portacode-agent/pkg/tunnel"
	"github.com/cuemby/portacode-agent/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "portacode-agent",
	Short:   "Portacode device agent",
	Long:    "portacode-agent maintains a persistent connection to a Portacode gateway and executes the commands it dispatches: shell/HTTP automations, Cloudflare tunnel and DNS forwarding, and Proxmox container provisioning.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"portacode-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(keypairCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Dial the gateway and serve dispatched commands until terminated",
	RunE:  runConnect,
}

var (
	flagGatewayURL    string
	flagHypervisor    string
	flagMetricsAddr   string
	flagReconnectWait time.Duration
)

func init() {
	connectCmd.Flags().StringVar(&flagGatewayURL, "gateway", "wss://gateway.portacode.com/ws/device/", "gateway WebSocket URL (overridden by PORTACODE_GATEWAY)")
	connectCmd.Flags().StringVar(&flagHypervisor, "hypervisor-host", infra.DefaultHost, "default Proxmox API host used until setup_proxmox_infra reconfigures it")
	connectCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics and health endpoints on this address (e.g. :9090)")
	connectCmd.Flags().DurationVar(&flagReconnectWait, "reconnect-delay", connection.DefaultReconnectDelay, "delay between reconnect attempts")
}

// pendingExitCode holds an exit code requested mid-run by a handler
// (update_portacode_cli's restart request) until runConnect's caller can
// act on it once Run returns.
var pendingExitCode atomic.Int32

func runConnect(cmd *cobra.Command, args []string) error {
	gatewayURL := flagGatewayURL
	if override := os.Getenv("PORTACODE_GATEWAY"); override != "" {
		gatewayURL = override
	}

	releasePID, err := state.AcquirePIDFile(state.PIDFilePath())
	if err != nil {
		return err
	}
	defer releasePID()

	kp, err := keypair.GetOrCreate()
	if err != nil {
		return fmt.Errorf("load device keypair: %w", err)
	}
	fingerprint, err := keypair.Fingerprint(kp.PublicKeyPEM)
	if err != nil {
		return fmt.Errorf("fingerprint device keypair: %w", err)
	}
	mainLog := log.WithComponent("main")
	mainLog.Info().Str("fingerprint", fingerprint).Str("gateway", gatewayURL).Msg("starting portacode-agent")

	metrics.RegisterComponent("connection", false, "dialing")
	metrics.RegisterComponent("automation", true, "idle")

	reg := router.NewRegistry()

	automationRuntime, err := automation.New(state.AutomationStatePath())
	if err != nil {
		return fmt.Errorf("load automation state: %w", err)
	}
	automationRuntime.SetExposedResolver(automation.ExposedResolver(exposure.Resolve))

	initKind := initsystem.Detect()
	initMgr, err := initsystem.New(initKind)
	if err != nil {
		mainLog.Warn().Err(err).Msg("no init system manager detected; service lifecycle calls will fail")
	}
	ingressController := ingress.New(state.ForwardingStatePath(), state.DHCPLeasesPath(), tunnel.DefaultConfigPath(), initMgr)

	tunnelProvisioner := tunnel.NewProvisioner(state.TunnelStatePath())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps := handlers.NewDeps(reg, automationRuntime, ingressController, tunnelProvisioner, state.ContainerDBPath(), state.ProxmoxInfraPath())
	deps.RequestExit = func(code int) {
		pendingExitCode.Store(int32(code))
		cancel() // unwinds Supervisor.Run so the requested code can take effect
	}

	handlers.Register(reg, deps, handlers.Accessors{
		TunnelState:    func() (types.TunnelState, error) { return tunnel.LoadTunnelState(state.TunnelStatePath()) },
		ResolveVMID:    deps.ResolveVMID,
		HypervisorHost: flagHypervisor,
	})

	supervisor := connection.New(connection.Config{
		GatewayURL:     gatewayURL,
		Keypair:        kp,
		Dispatcher:     reg,
		ReconnectDelay: flagReconnectWait,
	})
	automationRuntime.SetEventSender(automation.EventSender(func(frame types.ResponseFrame) {
		_ = supervisor.Send(frame)
	}))
	tunnelProvisioner.SetEventSender(tunnel.EventSender(func(frame types.ResponseFrame) {
		_ = supervisor.Send(frame)
	}))

	if flagMetricsAddr != "" {
		serveMetrics(flagMetricsAddr)
	}

	metrics.UpdateComponent("connection", true, "running")
	metrics.ConnectionUp.Set(1)

	runErr := supervisor.Run(ctx)
	metrics.ConnectionUp.Set(0)

	var rejected *agenterrors.AuthRejected
	if runErr != nil {
		if errors.As(runErr, &rejected) {
			metrics.UpdateComponent("connection", false, "authentication rejected")
			releasePID()
			os.Exit(agenterrors.ExitAuthRejected)
		}
		return runErr
	}

	if code := pendingExitCode.Load(); code != 0 {
		releasePID()
		os.Exit(int(code))
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metricsLog := log.WithComponent("main")
			metricsLog.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
}

var keypairCmd = &cobra.Command{
	Use:   "keypair",
	Short: "Print this device's keypair fingerprint, generating one on first run",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := keypair.GetOrCreate()
		if err != nil {
			return err
		}
		fingerprint, err := keypair.Fingerprint(kp.PublicKeyPEM)
		if err != nil {
			return err
		}
		fmt.Printf("fingerprint: %s\ndirectory:   %s\n", fingerprint, keypair.Dir())
		return nil
	},
}
