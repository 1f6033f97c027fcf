package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openonion/connectonion/pkg/agent"
	"github.com/openonion/connectonion/pkg/config"
	"github.com/openonion/connectonion/pkg/host"
	"github.com/openonion/connectonion/pkg/identity"
	"github.com/openonion/connectonion/pkg/relay"
	"github.com/openonion/connectonion/pkg/session"
	"github.com/openonion/connectonion/pkg/trust"
)

var flagDebug bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "connectonion",
		Short: "ConnectOnion — host an AI agent behind a signed-request gate",
		Long: `ConnectOnion hosts an AI agent over HTTP and WebSocket.

Every request is an Ed25519-signed envelope. A configurable trust policy
decides who may talk to the agent; strangers can onboard with invite codes
or payment. An outbound relay uplink makes the agent reachable without
inbound ports.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newKeygenCmd(),
		newDialCmd(),
		newVersionCmd(),
	)
	return root
}

// newLogger writes to stderr and tees to the host log file so /admin/logs
// can serve it.
func newLogger(logPath string) *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err == nil {
			if f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600); err == nil {
				w = io.MultiWriter(os.Stderr, f)
			}
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// ------------------------------------------------------------------
// serve
// ------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	var (
		flagPort  int
		flagTrust string
		flagName  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent host",
		Long: `Start the agent host: HTTP + WebSocket server, trust gate, session log,
and (unless disabled) the relay uplink.

Examples:
  connectonion serve
  connectonion serve --port 9000 --trust strict
  CONNECTONION_RELAY_URL=off connectonion serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if flagPort != 0 {
				cfg.Port = flagPort
			}
			if flagTrust != "" {
				cfg.Trust = flagTrust
			}
			return runServe(cfg, flagName)
		},
	}

	cmd.Flags().IntVarP(&flagPort, "port", "p", 0, "Listen port (default 8000)")
	cmd.Flags().StringVar(&flagTrust, "trust", "", "Trust level (open/careful/strict) or policy file")
	cmd.Flags().StringVar(&flagName, "name", "", "Agent display name")
	return cmd
}

func runServe(cfg *config.Config, name string) error {
	logger := newLogger(cfg.LogPath())

	id, err := identity.LoadOrGenerate(cfg.KeyPath())
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Info("identity loaded", "address", identity.Short(id.Address))

	policy, err := trust.LoadPolicy(cfg.Trust)
	if err != nil {
		return fmt.Errorf("load trust policy: %w", err)
	}

	var evaluator trust.Evaluator
	if cfg.AnthropicKey != "" {
		evaluator = trust.NewAnthropicEvaluator(cfg.AnthropicKey, "", policy.Body)
	}
	payments := trust.NewHTTPPaymentVerifier(cfg.BaseURL, id.PublicKey, id.PrivateKey)

	store := trust.NewStore(cfg.TrustDir())
	engine := trust.NewEngine(store, policy, evaluator, payments, id.Address, logger)

	sessions, err := session.NewStore(session.StoreConfig{
		Backend:     cfg.SessionBackend,
		DataDir:     cfg.CoDir,
		JSONLPath:   cfg.SessionPath(),
		PostgresDSN: cfg.PostgresDSN,
	}, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessions.Close()

	factory := agent.NewEchoFactory()
	if cfg.OpenAIKey != "" {
		factory = agent.NewOpenAIFactory(cfg.OpenAIKey, "", "")
	}
	invoker := agent.NewInvoker(factory, sessions, time.Duration(cfg.ResultTTL)*time.Second, logger)

	gate := &host.Gate{
		SelfAddress: id.Address,
		Engine:      engine,
		Whitelist:   normalizeList(cfg.Whitelist),
		Blacklist:   normalizeList(cfg.Blacklist),
	}

	srv := host.NewServer(host.Options{
		Name:      name,
		Version:   formatVersion(),
		Addr:      fmt.Sprintf(":%d", cfg.Port),
		TrustName: cfg.Trust,
		LogPath:   cfg.LogPath(),
		APIKey:    cfg.APIKey,
	}, id, gate, engine, invoker, sessions, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.CompactSchedule != "" {
		if fs, ok := sessions.(*session.FileStore); ok {
			compactor, err := session.NewCompactor(fs, cfg.CompactSchedule, logger)
			if err != nil {
				return fmt.Errorf("compaction schedule: %w", err)
			}
			go compactor.Run(ctx)
		} else {
			logger.Warn("compaction only applies to the jsonl backend", "backend", cfg.SessionBackend)
		}
	}

	if cfg.Workers > 1 {
		logger.Debug("workers setting is advisory; requests are served concurrently", "workers", cfg.Workers)
	}

	if cfg.RelayEnabled() {
		uplink := relay.NewClient(cfg.RelayURL, id, gate, invoker, name, cfg.Port, logger)
		go uplink.Run(ctx)
		// Ready once the uplink has announced.
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					srv.SetReady(uplink.IsConnected())
				}
			}
		}()
	} else {
		logger.Info("relay uplink disabled")
		srv.SetReady(true)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// normalizeList canonicalizes configured addresses. Wildcard patterns are
// lowercased so they match the lowercase-normalized caller addresses.
func normalizeList(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(e, "*") {
			out = append(out, strings.ToLower(e))
			continue
		}
		out = append(out, host.NormalizeAddress(e))
	}
	return out
}

// ------------------------------------------------------------------
// keygen
// ------------------------------------------------------------------

func newKeygenCmd() *cobra.Command {
	var flagForce bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the host identity keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			path := cfg.KeyPath()

			if _, err := os.Stat(path); err == nil && !flagForce {
				return fmt.Errorf("key already exists at %s (use --force to overwrite)", path)
			}

			id, err := identity.Generate()
			if err != nil {
				return err
			}
			if err := id.Save(path); err != nil {
				return err
			}
			fmt.Printf("Address: %s\nKey:     %s\n", id.Address, path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite an existing key")
	return cmd
}

// ------------------------------------------------------------------
// dial
// ------------------------------------------------------------------

func newDialCmd() *cobra.Command {
	var flagTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "dial <address> <prompt>",
		Short: "Send a prompt to a remote agent through the relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			id, err := identity.LoadOrGenerate(cfg.KeyPath())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
			defer cancel()

			result, err := relay.Dial(ctx, cfg.RelayURL, id, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(result)
			return nil
		},
	}

	cmd.Flags().DurationVar(&flagTimeout, "timeout", 2*time.Minute, "Overall dial timeout")
	return cmd
}

// ------------------------------------------------------------------
// version
// ------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("connectonion %s\n", formatVersion())
			fmt.Printf("  Go: %s\n", runtime.Version())
		},
	}
}
