package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakost/betcode/pkg/audit"
	"github.com/sakost/betcode/pkg/config"
	"github.com/sakost/betcode/pkg/daemon"
	healthsvc "github.com/sakost/betcode/pkg/health"
	"github.com/sakost/betcode/pkg/identity"
	"github.com/sakost/betcode/pkg/logger"
	"github.com/sakost/betcode/pkg/observability"
	"github.com/sakost/betcode/pkg/permission"
	"github.com/sakost/betcode/pkg/pool"
	"github.com/sakost/betcode/pkg/resilience"
	"github.com/sakost/betcode/pkg/session"
	"github.com/sakost/betcode/pkg/tunnel"
)

var flagDebug bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "betcode-daemon",
		Short: "BetCode daemon — session multiplexer, permission engine, and tunnel client",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				logger.SetLevel(slog.LevelDebug)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")
	root.AddCommand(newServeCmd(), newIdentityCmd())
	return root
}

// ------------------------------------------------------------------
// `betcode-daemon serve`
// ------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	var (
		flagRelayURL  string
		flagMachineID string
		flagDBPath    string
		flagCACert    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the relay and serve session/permission requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDaemon()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if flagRelayURL != "" {
				cfg.RelayURL = flagRelayURL
			}
			if flagMachineID != "" {
				cfg.MachineID = flagMachineID
			}
			if flagDBPath != "" {
				cfg.DBPath = flagDBPath
			}
			if flagCACert != "" {
				cfg.RelayCACert = flagCACert
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&flagRelayURL, "relay-url", "", "Relay tunnel URL, e.g. wss://relay.example.com/tunnel/daemon")
	cmd.Flags().StringVar(&flagMachineID, "machine-id", "", "This machine's registered id")
	cmd.Flags().StringVar(&flagDBPath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&flagCACert, "ca-cert", "", "Custom CA certificate PEM path for the relay connection")

	return cmd
}

func runServe(cfg *config.DaemonConfig) error {
	slogger := logger.NewDefault(logger.FormatJSON)
	slog.SetDefault(slogger)

	if cfg.RelayURL == "" {
		return fmt.Errorf("BETCODE_RELAY_URL (or --relay-url) is required")
	}
	if cfg.MachineID == "" {
		return fmt.Errorf("BETCODE_MACHINE_ID (or --machine-id) is required")
	}

	identityDir, err := config.IdentityDir()
	if err != nil {
		return err
	}
	keyPath := identityDir + "/identity.key"
	keyPair, err := identity.LoadOrGenerate(keyPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	fp := identity.Fingerprint(keyPair.Public)
	slogger.Info("daemon identity loaded", "fingerprint", fp)

	store, err := daemon.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open daemon store: %w", err)
	}

	auditStore := audit.NewFileStore(identityDir + "/audit")
	auditLogger := audit.NewLogger(auditStore, cfg.MachineID)

	metrics := observability.NewBetCodeMetrics()

	mux := session.New(session.Config{MaxClientsPerSession: cfg.MaxSessions})
	mux.SetMetrics(metrics)
	permEngine := permission.New(permission.Config{}, &permissionAuditAdapter{logger: auditLogger, slog: slogger})
	permEngine.SetMetrics(metrics)
	procPool := pool.New(pool.SizeFromEnv(os.Getenv(pool.EnvMaxProcesses)))

	methods := newMethodServer(mux, permEngine, procPool, store, slogger, keyPair)

	var tlsCfg *tls.Config
	if cfg.RelayCACert != "" {
		pem, err := os.ReadFile(cfg.RelayCACert)
		if err != nil {
			return fmt.Errorf("read custom CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("parse custom CA cert %s", cfg.RelayCACert)
		}
		tlsCfg = &tls.Config{RootCAs: certPool}
	}

	client := tunnel.New(tunnel.Config{
		RelayURL:    cfg.RelayURL,
		MachineID:   cfg.MachineID,
		BearerToken: cfg.RelayPassword,
		TLS:         tlsCfg,
		IdentityKey: keyPair,
		Breaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.CircuitState) {
				if to == resilience.CircuitOpen {
					metrics.CircuitBreakerTrips.Inc()
				}
				slogger.Info("tunnel circuit breaker state change", "breaker", name, "from", from, "to", to)
			},
		},
	}, slogger)
	client.SetMetrics(metrics)

	client.RegisterHandler("session.create", methods.createSession)
	client.RegisterHandler("session.handshake", methods.sessionHandshake)
	client.RegisterHandler("session.input_lock.request", methods.requestInputLock)
	client.RegisterHandler("session.input_lock.release", methods.releaseInputLock)
	client.RegisterHandler("session.send_input", methods.sendInput)
	client.RegisterHandler("session.resume", methods.resumeSession)
	client.RegisterHandler("permission.decide", methods.decidePermission)
	client.RegisterHandler("permission.respond", methods.respondPermission)
	client.RegisterHandler("system.fingerprint", methods.systemFingerprint)
	client.RegisterStreamHandler("session.subscribe", methods.subscribe)

	healthHTTP := healthsvc.NewServer(cfg.HealthAddr, cfg.HealthPort)
	healthHTTP.RegisterCheck("tunnel_connected", func() (bool, string) {
		if client.Connected() {
			return true, ""
		}
		return false, "not connected to relay"
	})
	healthHTTP.RegisterCheck("subprocess_pool", func() (bool, string) {
		return true, fmt.Sprintf("%d/%d in use", procPool.InUse(), procPool.Capacity())
	})
	healthHTTP.Mount("/metrics", observability.MetricsHandler(metrics.Registry))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go methods.expireSweep(ctx)
	go func() {
		if err := healthHTTP.Start(ctx); err != nil {
			slogger.Warn("health server stopped", "error", err)
		}
	}()
	healthHTTP.SetReady(true)

	slogger.Info("daemon starting", "machine_id", cfg.MachineID, "relay_url", cfg.RelayURL)
	err = client.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("tunnel client: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	healthHTTP.Stop(shutdownCtx)
	store.Close()
	return nil
}

// ------------------------------------------------------------------
// `betcode-daemon identity` — local identity key management
// ------------------------------------------------------------------

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect this daemon's identity key",
	}
	cmd.AddCommand(newIdentityShowCmd())
	return cmd
}

func newIdentityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print this daemon's fingerprint and randomart",
		RunE: func(cmd *cobra.Command, args []string) error {
			identityDir, err := config.IdentityDir()
			if err != nil {
				return err
			}
			keyPair, err := identity.LoadOrGenerate(identityDir + "/identity.key")
			if err != nil {
				return err
			}
			fp := identity.Fingerprint(keyPair.Public)
			digest := sha256.Sum256(keyPair.Public.Bytes())
			fmt.Println("Fingerprint:", fp)
			fmt.Println(identity.RandomArt(digest[:]))
			return nil
		},
	}
}
