package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sakost/betcode/pkg/audit"
	"github.com/sakost/betcode/pkg/authsvc"
	"github.com/sakost/betcode/pkg/buffer"
	"github.com/sakost/betcode/pkg/config"
	healthsvc "github.com/sakost/betcode/pkg/health"
	"github.com/sakost/betcode/pkg/logger"
	"github.com/sakost/betcode/pkg/machine"
	"github.com/sakost/betcode/pkg/observability"
	"github.com/sakost/betcode/pkg/relay"
)

var flagDebug bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "betcode-relay",
		Short: "BetCode relay — tunnel fabric and request router",
		Long: `betcode-relay brokers connections between BetCode daemons (behind NAT,
connecting outbound) and clients (CLIs, mobile apps), authenticating
clients via bearer JWT and daemons via mTLS or a bearer JWT access token.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				logger.SetLevel(slog.LevelDebug)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newCertCmd(),
		newUserCmd(),
		newMachineCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("betcode-relay (dev)")
		},
	}
}

// ------------------------------------------------------------------
// `betcode-relay serve`
// ------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	var (
		flagAddr        string
		flagGRPCAddr    string
		flagHealthAddr  string
		flagHealthPort  int
		flagDBPath      string
		flagJWTSecret   string
		flagMaxMachines int
		flagMTLSCA      string
		flagMTLSCert    string
		flagMTLSKey     string
		flagRequireCert bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay's tunnel fabric, request router, and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if flagAddr != "" {
				cfg.Addr = flagAddr
			}
			if flagGRPCAddr != "" {
				cfg.GRPCAddr = flagGRPCAddr
			}
			if flagHealthAddr != "" {
				cfg.HealthAddr = flagHealthAddr
			}
			if flagHealthPort != 0 {
				cfg.HealthPort = flagHealthPort
			}
			if flagDBPath != "" {
				cfg.DBPath = flagDBPath
			}
			if flagJWTSecret != "" {
				cfg.JWTSecret = flagJWTSecret
			}
			if flagMaxMachines > 0 {
				cfg.MaxMachines = flagMaxMachines
			}
			if flagMTLSCA != "" {
				cfg.MTLSCACert = flagMTLSCA
			}
			if flagMTLSCert != "" {
				cfg.MTLSCert = flagMTLSCert
			}
			if flagMTLSKey != "" {
				cfg.MTLSKey = flagMTLSKey
			}
			if flagRequireCert {
				cfg.RequireClientCert = true
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "Tunnel fabric listen address (overrides BETCODE_ADDR)")
	cmd.Flags().StringVar(&flagGRPCAddr, "grpc-addr", "", "Client-facing grpc Router listen address")
	cmd.Flags().StringVar(&flagHealthAddr, "health-addr", "", "Health probe bind host")
	cmd.Flags().IntVar(&flagHealthPort, "health-port", 0, "Health probe bind port")
	cmd.Flags().StringVar(&flagDBPath, "db", "", "SQLite database path (overrides BETCODE_DB_PATH)")
	cmd.Flags().StringVar(&flagJWTSecret, "jwt-secret", "", "JWT signing secret, >= 32 bytes (overrides BETCODE_JWT_SECRET)")
	cmd.Flags().IntVar(&flagMaxMachines, "max-machines", 0, "Maximum concurrently registered machines")
	cmd.Flags().StringVar(&flagMTLSCA, "mtls-ca", "", "CA certificate PEM path for daemon mTLS")
	cmd.Flags().StringVar(&flagMTLSCert, "mtls-cert", "", "Relay server certificate PEM path")
	cmd.Flags().StringVar(&flagMTLSKey, "mtls-key", "", "Relay server key PEM path")
	cmd.Flags().BoolVar(&flagRequireCert, "mtls-require-client-cert", false, "Reject daemon connections without a client certificate")

	return cmd
}

func runServe(cfg *config.RelayConfig) error {
	slogger := logger.NewDefault(logger.FormatJSON)
	slog.SetDefault(slogger)

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = os.Getenv("BETCODE_JWT_SECRET")
	}

	machines, err := machine.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open machine store: %w", err)
	}
	buffers, err := buffer.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open buffer store: %w", err)
	}
	authStore, err := authsvc.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open auth store: %w", err)
	}

	var authService *authsvc.Service
	if cfg.JWTSecret != "" {
		authService, err = authsvc.New(authsvc.Config{Secret: []byte(cfg.JWTSecret)}, authStore)
		if err != nil {
			return fmt.Errorf("init auth service: %w", err)
		}
	} else {
		slogger.Warn("BETCODE_JWT_SECRET not set; client bearer auth is disabled, relying on mTLS only")
	}

	auditStore := audit.NewFileStore(cfg.AuditDir)
	auditLogger := audit.NewLogger(auditStore, "relay")

	var mtlsCfg *relay.MTLSConfig
	if cfg.MTLSCACert != "" {
		mtlsCfg = &relay.MTLSConfig{
			CACertFile:         cfg.MTLSCACert,
			ServerCertFile:     cfg.MTLSCert,
			ServerKeyFile:      cfg.MTLSKey,
			RequireClientCert:  cfg.RequireClientCert,
			AllowTokenFallback: authService != nil,
		}
	}

	metrics := observability.NewBetCodeMetrics()

	tunnelSrv := relay.NewTunnelServer(relay.TunnelServerConfig{
		ListenAddr:  cfg.Addr,
		MaxMachines: cfg.MaxMachines,
		MTLS:        mtlsCfg,
	}, machines, buffers, authService, slogger)
	tunnelSrv.SetMetrics(metrics)

	routerSvc := relay.NewRouterService(tunnelSrv, machines, authService, auditLogger, slogger)

	grpcServer := grpc.NewServer()
	relay.RegisterRouterServer(grpcServer, routerSvc)
	if authService != nil {
		betcodeAuth := relay.NewAuthService(authStore, authService, auditLogger)
		betcodeAuth.SetMetrics(metrics)
		relay.RegisterAuthServer(grpcServer, betcodeAuth)
	} else {
		slogger.Warn("betcode.v1.Auth not registered; no JWT secret configured")
	}
	healthSrv := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("betcode.v1.Router", grpc_health_v1.HealthCheckResponse_SERVING)

	healthHTTP := healthsvc.NewServer(cfg.HealthAddr, cfg.HealthPort)
	healthHTTP.RegisterCheck("machine_store", func() (bool, string) { return true, "" })
	healthHTTP.RegisterCheck("tunnel_fabric", func() (bool, string) {
		return true, fmt.Sprintf("%d machines connected", len(tunnelSrv.ConnectedMachineIDs()))
	})
	healthHTTP.Mount("/metrics", observability.MetricsHandler(metrics.Registry))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 4)

	go func() {
		slogger.Info("tunnel fabric listening", "addr", cfg.Addr)
		errCh <- tunnelSrv.Start(ctx)
	}()

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			errCh <- fmt.Errorf("grpc listen: %w", err)
			return
		}
		slogger.Info("grpc router listening", "addr", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	go func() {
		slogger.Info("health endpoints listening", "addr", cfg.HealthAddr, "port", cfg.HealthPort)
		errCh <- healthHTTP.Start(ctx)
	}()

	go sweepExpiredBuffers(ctx, buffers, metrics, slogger)

	healthHTTP.SetReady(true)

	select {
	case <-ctx.Done():
		slogger.Info("shutting down relay")
	case err := <-errCh:
		if err != nil {
			slogger.Error("relay component failed", "error", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	tunnelSrv.Stop(shutdownCtx)
	grpcServer.GracefulStop()
	healthHTTP.Stop(shutdownCtx)

	return nil
}

func sweepExpiredBuffers(ctx context.Context, buffers buffer.Store, metrics *observability.BetCodeMetrics, slogger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := buffers.DeleteExpired(ctx, time.Now())
			if err != nil {
				slogger.Error("buffer expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slogger.Info("swept expired buffered requests", "count", n)
				metrics.BufferExpired.Add(int64(n))
				metrics.BufferDepth.Add(int64(-n))
			}
		}
	}
}

// ------------------------------------------------------------------
// `betcode-relay cert-gen` — mTLS certificate authority and leaf issuance
// ------------------------------------------------------------------

func newCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert-gen",
		Short: "Generate mTLS certificates for the tunnel fabric",
	}
	cmd.AddCommand(newCertCACmd(), newCertServerCmd(), newCertMachineCmd())
	return cmd
}

func newCertCACmd() *cobra.Command {
	var outDir string
	var validDays int
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate a new certificate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			certPEM, keyPEM, err := relay.GenerateCA("BetCode", time.Duration(validDays)*24*time.Hour)
			if err != nil {
				return err
			}
			if err := relay.WriteCertFiles(filepath.Join(outDir, "ca.pem"), filepath.Join(outDir, "ca-key.pem"), certPEM, keyPEM); err != nil {
				return err
			}
			fmt.Printf("CA written to %s\n", outDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "Output directory")
	cmd.Flags().IntVar(&validDays, "valid-days", 3650, "Validity period in days")
	return cmd
}

func newCertServerCmd() *cobra.Command {
	var caCertPath, caKeyPath, outDir string
	var hosts []string
	var validDays int
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Generate the relay's server certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			caCertPEM, err := os.ReadFile(caCertPath)
			if err != nil {
				return fmt.Errorf("read ca cert: %w", err)
			}
			caKeyPEM, err := os.ReadFile(caKeyPath)
			if err != nil {
				return fmt.Errorf("read ca key: %w", err)
			}
			certPEM, keyPEM, err := relay.GenerateServerCert(caCertPEM, caKeyPEM, hosts, time.Duration(validDays)*24*time.Hour)
			if err != nil {
				return err
			}
			if err := relay.WriteCertFiles(filepath.Join(outDir, "server.pem"), filepath.Join(outDir, "server-key.pem"), certPEM, keyPEM); err != nil {
				return err
			}
			fmt.Printf("server certificate written to %s\n", outDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&caCertPath, "ca-cert", "ca.pem", "Path to CA certificate")
	cmd.Flags().StringVar(&caKeyPath, "ca-key", "ca-key.pem", "Path to CA key")
	cmd.Flags().StringVar(&outDir, "out", ".", "Output directory")
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost"}, "SAN hostnames/IPs")
	cmd.Flags().IntVar(&validDays, "valid-days", 825, "Validity period in days")
	return cmd
}

func newCertMachineCmd() *cobra.Command {
	var caCertPath, caKeyPath, outDir, machineID string
	var validDays int
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Generate a daemon's client certificate (CN=machine_id)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if machineID == "" {
				return fmt.Errorf("--machine-id is required")
			}
			caCertPEM, err := os.ReadFile(caCertPath)
			if err != nil {
				return fmt.Errorf("read ca cert: %w", err)
			}
			caKeyPEM, err := os.ReadFile(caKeyPath)
			if err != nil {
				return fmt.Errorf("read ca key: %w", err)
			}
			certPEM, keyPEM, err := relay.GenerateMachineCert(caCertPEM, caKeyPEM, machineID, time.Duration(validDays)*24*time.Hour)
			if err != nil {
				return err
			}
			if err := relay.WriteCertFiles(filepath.Join(outDir, "client.pem"), filepath.Join(outDir, "client-key.pem"), certPEM, keyPEM); err != nil {
				return err
			}
			fmt.Printf("machine certificate for %s written to %s\n", machineID, outDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&caCertPath, "ca-cert", "ca.pem", "Path to CA certificate")
	cmd.Flags().StringVar(&caKeyPath, "ca-key", "ca-key.pem", "Path to CA key")
	cmd.Flags().StringVar(&outDir, "out", ".", "Output directory")
	cmd.Flags().StringVar(&machineID, "machine-id", "", "Machine ID to embed as the certificate CN (required)")
	cmd.Flags().IntVar(&validDays, "valid-days", 825, "Validity period in days")
	return cmd
}

// ------------------------------------------------------------------
// `betcode-relay user` — account administration
// ------------------------------------------------------------------

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage relay user accounts",
	}
	cmd.AddCommand(newUserCreateCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var dbPath, username, email, password string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new user account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(username) < 3 {
				return fmt.Errorf("username must be at least 3 characters")
			}
			cfg, err := config.LoadRelay()
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			store, err := authsvc.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open auth store: %w", err)
			}
			hash, err := authsvc.HashPassword(password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			u := &authsvc.User{
				ID:           uuid.NewString(),
				Username:     username,
				Email:        email,
				PasswordHash: hash,
				CreatedAt:    time.Now().UTC(),
			}
			if err := store.CreateUser(u); err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			fmt.Printf("user %s created (id=%s)\n", username, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&username, "username", "", "Username, >= 3 characters (required)")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password (required)")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("password")
	return cmd
}

// ------------------------------------------------------------------
// `betcode-relay machine` — machine registration administration
// ------------------------------------------------------------------

func newMachineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Manage registered machines",
	}
	cmd.AddCommand(newMachineRegisterCmd(), newMachineListCmd())
	return cmd
}

func newMachineRegisterCmd() *cobra.Command {
	var dbPath, ownerID, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new machine for an owner (spec.md §3: machines are created before the daemon first connects)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay()
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			store, err := machine.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open machine store: %w", err)
			}
			m := &machine.Machine{
				ID:           uuid.NewString(),
				Name:         name,
				OwnerID:      ownerID,
				Status:       machine.StatusOffline,
				RegisteredAt: time.Now().UTC(),
				LastSeen:     time.Now().UTC(),
			}
			if err := store.Create(cmd.Context(), m); err != nil {
				return fmt.Errorf("register machine: %w", err)
			}
			fmt.Printf("machine %s registered for owner %s (id=%s)\n", name, ownerID, m.ID)
			fmt.Println("Set BETCODE_MACHINE_ID on the daemon to this id before first connect.")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owning user's id (required)")
	cmd.Flags().StringVar(&name, "name", "", "Machine display name (required)")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newMachineListCmd() *cobra.Command {
	var dbPath, ownerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List machines owned by a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay()
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			store, err := machine.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open machine store: %w", err)
			}
			machines, err := store.ListByOwner(cmd.Context(), ownerID)
			if err != nil {
				return err
			}
			if len(machines) == 0 {
				fmt.Println("no machines registered for this owner")
				return nil
			}
			fmt.Printf("%-36s %-20s %-10s %s\n", "ID", "NAME", "STATUS", "LAST SEEN")
			for _, m := range machines {
				fmt.Printf("%-36s %-20s %-10s %s\n", m.ID, m.Name, m.Status, m.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owning user's id (required)")
	cmd.MarkFlagRequired("owner")
	return cmd
}
