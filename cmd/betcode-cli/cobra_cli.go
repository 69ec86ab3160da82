package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sakost/betcode/pkg/config"
	"github.com/sakost/betcode/pkg/identity"
	"github.com/sakost/betcode/pkg/logger"
	"github.com/sakost/betcode/pkg/permission"
	"github.com/sakost/betcode/pkg/session"
	"github.com/sakost/betcode/pkg/wire"
)

var (
	flagDebug    bool
	flagInsecure bool
	flagAddr     string
	flagCACert   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "betcode-cli",
		Short: "BetCode CLI — log in, verify machines, and attach to a coding session",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flagDebug {
				level = slog.LevelDebug
			}
			slog.SetDefault(logger.NewDefault(logger.FormatText))
			logger.SetLevel(level)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&flagInsecure, "insecure", false, "Dial the relay without TLS (local/dev only)")
	root.PersistentFlags().StringVar(&flagAddr, "relay-addr", "", "Relay grpc address (overrides BETCODE_RELAY_GRPC_ADDR)")
	root.PersistentFlags().StringVar(&flagCACert, "ca-cert", "", "Custom CA certificate PEM path for the relay's TLS cert")

	root.AddCommand(
		newLoginCmd(),
		newMachineCmd(),
		newSessionCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("betcode-cli (dev)")
		},
	}
}

func loadClientConfig() (*config.ClientConfig, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if flagAddr != "" {
		cfg.RelayGRPCAddr = flagAddr
	}
	if flagInsecure {
		cfg.Insecure = true
	}
	return cfg, nil
}

func sessionCachePath() (string, error) {
	dir, err := config.IdentityDir()
	if err != nil {
		return "", err
	}
	return dir + "/session.json", nil
}

func dialWithSavedToken(cfg *config.ClientConfig) (*routerClient, error) {
	client, err := dialRelay(cfg.RelayGRPCAddr, cfg.Insecure, flagCACert)
	if err != nil {
		return nil, err
	}
	path, err := sessionCachePath()
	if err != nil {
		return client, nil
	}
	if tc, err := loadTokenCache(path); err == nil {
		client.accessToken = tc.AccessToken
	}
	return client, nil
}

// ------------------------------------------------------------------
// `betcode-cli login`
// ------------------------------------------------------------------

func newLoginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate to the relay and cache the token pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}
			client, err := dialRelay(cfg.RelayGRPCAddr, cfg.Insecure, flagCACert)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			resp, err := client.Login(ctx, username, password)
			if err != nil {
				return err
			}

			path, err := sessionCachePath()
			if err != nil {
				return err
			}
			if err := saveTokenCache(path, &tokenCache{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}); err != nil {
				return fmt.Errorf("save session cache: %w", err)
			}
			fmt.Println("logged in")
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Relay username (required)")
	cmd.Flags().StringVar(&password, "password", "", "Relay password (required)")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("password")
	return cmd
}

// ------------------------------------------------------------------
// `betcode-cli machine` — fingerprint verification against a daemon
// ------------------------------------------------------------------

func newMachineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Inspect and trust daemons",
	}
	cmd.AddCommand(newMachineVerifyCmd())
	return cmd
}

type systemFingerprintResponse struct {
	Fingerprint string `json:"fingerprint"`
}

func newMachineVerifyCmd() *cobra.Command {
	var machineID string
	var trust bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Fetch a daemon's identity fingerprint and check it against the trust-on-first-use store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}
			client, err := dialWithSavedToken(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			var resp systemFingerprintResponse
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := client.Call(ctx, machineID, "system.fingerprint", struct{}{}, &resp); err != nil {
				return err
			}

			identityDir, err := config.IdentityDir()
			if err != nil {
				return err
			}
			store, err := identity.OpenFingerprintStore(identityDir + "/known_daemons.json")
			if err != nil {
				return fmt.Errorf("open fingerprint store: %w", err)
			}

			verdict := store.Check(machineID, resp.Fingerprint)
			switch verdict {
			case identity.VerdictMatch:
				fmt.Println("fingerprint matches the trusted record")
			case identity.VerdictMismatch:
				fmt.Println("WARNING: fingerprint differs from the trusted record — possible impersonation")
				fmt.Println(resp.Fingerprint)
				if !trust {
					return fmt.Errorf("refusing to continue; pass --trust to accept the new fingerprint")
				}
			case identity.VerdictNew:
				fmt.Println("new daemon, fingerprint:")
				fmt.Println(resp.Fingerprint)
				if !trust {
					return fmt.Errorf("pass --trust to record this fingerprint")
				}
			}
			if verdict != identity.VerdictMatch && trust {
				if err := store.Trust(machineID, resp.Fingerprint); err != nil {
					return fmt.Errorf("record trust: %w", err)
				}
				fmt.Println("trusted")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&machineID, "machine", "", "Target machine id (required)")
	cmd.Flags().BoolVar(&trust, "trust", false, "Accept a new or changed fingerprint")
	cmd.MarkFlagRequired("machine")
	return cmd
}

// ------------------------------------------------------------------
// per-session end-to-end encryption (spec.md §4.3)
// ------------------------------------------------------------------

type sessionHandshakeRequest struct {
	SessionID       string `json:"session_id"`
	ClientID        string `json:"client_id"`
	EphemeralPubkey []byte `json:"ephemeral_pubkey"`
}

type sessionHandshakeResponse struct {
	EphemeralPubkey []byte `json:"ephemeral_pubkey"`
	IdentityPubkey  []byte `json:"identity_pubkey"`
	Fingerprint     string `json:"fingerprint"`
}

// establishSessionKey performs the client's half of the §4.3 ECDH
// handshake for one (sessionID, clientID) pair: it generates an
// ephemeral X25519 keypair, exchanges it with the daemon via
// session.handshake, verifies the daemon's stated fingerprint both
// self-consistently (it must equal SHA-256 of the identity pubkey it
// just sent) and against the trust-on-first-use store the same
// `machine verify` command maintains, then derives the shared AEAD key
// with identity.DeriveSessionKey using the same salt/info the daemon
// used. A daemon this client has never `machine verify --trust`-ed, or
// one presenting a changed fingerprint, fails closed rather than
// silently sending plaintext.
func establishSessionKey(ctx context.Context, client *routerClient, machineID, sessionID, clientID string) (*identity.SessionKey, error) {
	ephemeral, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	var resp sessionHandshakeResponse
	req := sessionHandshakeRequest{SessionID: sessionID, ClientID: clientID, EphemeralPubkey: ephemeral.Public.Bytes()}
	if err := client.Call(ctx, machineID, "session.handshake", req, &resp); err != nil {
		return nil, fmt.Errorf("session.handshake: %w", err)
	}

	wantFingerprint := identity.FingerprintBytes(resp.IdentityPubkey)
	if subtle.ConstantTimeCompare([]byte(wantFingerprint), []byte(resp.Fingerprint)) != 1 {
		return nil, fmt.Errorf("daemon %s presented a fingerprint that does not match its own identity key — possible tampering", machineID)
	}

	identityDir, err := config.IdentityDir()
	if err != nil {
		return nil, err
	}
	store, err := identity.OpenFingerprintStore(identityDir + "/known_daemons.json")
	if err != nil {
		return nil, fmt.Errorf("open fingerprint store: %w", err)
	}
	switch store.Check(machineID, resp.Fingerprint) {
	case identity.VerdictMismatch:
		return nil, fmt.Errorf("daemon %s fingerprint changed since it was last trusted — refusing to establish a session key; run `machine verify` to investigate", machineID)
	case identity.VerdictNew:
		return nil, fmt.Errorf("daemon %s has not been trusted yet; run `machine verify --trust` first", machineID)
	}

	peerEphemeral, err := identity.ParsePublicKey(resp.EphemeralPubkey)
	if err != nil {
		return nil, fmt.Errorf("parse daemon ephemeral key: %w", err)
	}
	salt := []byte(sessionID + "|" + clientID)
	return identity.DeriveSessionKey(ephemeral, peerEphemeral, salt, "betcode-session-v1")
}

// ------------------------------------------------------------------
// `betcode-cli session` — create, attach, send-input
// ------------------------------------------------------------------

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and interact with coding-agent sessions",
	}
	cmd.AddCommand(newSessionCreateCmd(), newSessionAttachCmd(), newSessionSendCmd(), newSessionPermitCmd())
	return cmd
}

type createSessionRequest struct {
	Model            string `json:"model"`
	WorkingDirectory string `json:"working_directory"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func newSessionCreateCmd() *cobra.Command {
	var machineID, model, workdir string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a new coding-agent session on a daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}
			client, err := dialWithSavedToken(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			var resp createSessionResponse
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			req := createSessionRequest{Model: model, WorkingDirectory: workdir}
			if err := client.Call(ctx, machineID, "session.create", req, &resp); err != nil {
				return err
			}
			fmt.Println(resp.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&machineID, "machine", "", "Target machine id (required)")
	cmd.Flags().StringVar(&model, "model", "", "Coding-agent model identifier")
	cmd.Flags().StringVar(&workdir, "workdir", ".", "Working directory for the session")
	cmd.MarkFlagRequired("machine")
	return cmd
}

type subscribeRequest struct {
	SessionID  string             `json:"session_id"`
	ClientID   string             `json:"client_id"`
	ClientType session.ClientType `json:"client_type"`
}

func newSessionAttachCmd() *cobra.Command {
	var machineID, sessionID string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Stream session events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}
			client, err := dialWithSavedToken(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			clientID := uuid.NewString()
			handshakeCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			sessKey, err := establishSessionKey(handshakeCtx, client, machineID, sessionID, clientID)
			cancel()
			if err != nil {
				return err
			}
			aad := []byte(sessionID + "|" + clientID)

			req := subscribeRequest{SessionID: sessionID, ClientID: clientID, ClientType: session.ClientCLI}
			return client.Stream(cmd.Context(), machineID, "session.subscribe", req, func(sp *wire.StreamPayload) error {
				var env identity.Envelope
				if err := json.Unmarshal(sp.Payload, &env); err != nil {
					return fmt.Errorf("decode session envelope: %w", err)
				}
				plaintext, err := identity.Open(sessKey, &env, aad)
				if err != nil {
					return fmt.Errorf("decrypt session event: %w", err)
				}
				var ev session.Event
				if err := json.Unmarshal(plaintext, &ev); err != nil {
					return err
				}
				fmt.Printf("[%d] %s %s\n", ev.Sequence, ev.Type, string(ev.Payload))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&machineID, "machine", "", "Target machine id (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to attach to (required)")
	cmd.MarkFlagRequired("machine")
	cmd.MarkFlagRequired("session")
	return cmd
}

type sendInputRequest struct {
	SessionID string            `json:"session_id"`
	ClientID  string            `json:"client_id"`
	Envelope  identity.Envelope `json:"envelope"`
}

func newSessionSendCmd() *cobra.Command {
	var machineID, sessionID, clientID, text string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send input to a session (requires holding the input lock)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}
			client, err := dialWithSavedToken(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			sessKey, err := establishSessionKey(ctx, client, machineID, sessionID, clientID)
			if err != nil {
				return err
			}
			input, err := json.Marshal(map[string]string{"text": text})
			if err != nil {
				return err
			}
			env, err := identity.Seal(sessKey, input, []byte(sessionID+"|"+clientID))
			if err != nil {
				return fmt.Errorf("seal input: %w", err)
			}
			req := sendInputRequest{SessionID: sessionID, ClientID: clientID, Envelope: *env}
			return client.Call(ctx, machineID, "session.send_input", req, nil)
		},
	}
	cmd.Flags().StringVar(&machineID, "machine", "", "Target machine id (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (required)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "This client's id, as used to attach/request the input lock (required)")
	cmd.Flags().StringVar(&text, "text", "", "Input text")
	cmd.MarkFlagRequired("machine")
	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("client-id")
	return cmd
}

func newSessionPermitCmd() *cobra.Command {
	var machineID, requestID string
	var grant, remember bool
	cmd := &cobra.Command{
		Use:   "permit",
		Short: "Answer a pending permission request",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}
			client, err := dialWithSavedToken(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			req := permission.Response{RequestID: requestID, Granted: grant, RememberPermanent: remember}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return client.Call(ctx, machineID, "permission.respond", req, nil)
		},
	}
	cmd.Flags().StringVar(&machineID, "machine", "", "Target machine id (required)")
	cmd.Flags().StringVar(&requestID, "request", "", "Pending permission request id (required)")
	cmd.Flags().BoolVar(&grant, "grant", false, "Grant the request (otherwise it is denied)")
	cmd.Flags().BoolVar(&remember, "remember", false, "Persist this decision as a standing grant")
	cmd.MarkFlagRequired("machine")
	cmd.MarkFlagRequired("request")
	return cmd
}
