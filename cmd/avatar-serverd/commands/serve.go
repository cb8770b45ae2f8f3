package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/avatar-runtime/avatar-bridge/internal/bridge"
	"github.com/avatar-runtime/avatar-bridge/internal/bridge/sandbox"
	"github.com/avatar-runtime/avatar-bridge/internal/config"
	"github.com/avatar-runtime/avatar-bridge/internal/engine"
	"github.com/avatar-runtime/avatar-bridge/internal/gateway"
	"github.com/avatar-runtime/avatar-bridge/internal/logging"
	"github.com/avatar-runtime/avatar-bridge/internal/ratelimit"
	"github.com/avatar-runtime/avatar-bridge/internal/sessionstore"
	"github.com/spf13/cobra"
)

var (
	serveBind     string
	serveDir      string
	serveProvider string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the avatar-bridge gateway",
	Long: `Start avatar-serverd as a headless gateway: boot a single agent CLI
bridge for the configured provider and expose it over a WebSocket event
stream (GET /ws) plus a health endpoint (GET /healthz).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveBind, "bind", "", "Address to listen on (overrides config gateway.bind_address)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
	serveCmd.Flags().StringVar(&serveProvider, "provider", "", "Provider to run (claude|gemini|codex, overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = workDir
	}
	if serveProvider != "" {
		cfg.Provider = serveProvider
	}
	if serveBind != "" {
		cfg.Gateway.BindAddress = serveBind
	}

	mcpServers, err := config.LoadMCPServers(cfg.MCPServersFile)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to load MCP server definitions")
	}

	logging.Info().
		Str("version", Version).
		Str("provider", cfg.Provider).
		Str("directory", cfg.WorkingDir).
		Msg("Starting avatar-serverd")

	eng := engine.New(engine.Config{
		Provider:   bridge.Provider(cfg.Provider),
		WorkingDir: cfg.WorkingDir,
		RateLimit: ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		MaxRestarts:  cfg.MaxRestarts,
		HealthPeriod: cfg.HealthCheckInterval(),
		Logger:       logging.Logger,
		NewBridge:    newBridgeFactory(cfg, mcpServers),
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
	startErr := eng.Start(ctx)
	cancel()
	if startErr != nil {
		return fmt.Errorf("start engine: %w", startErr)
	}

	hub := gateway.NewHub(eng)
	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	defer close(hubStop)

	router := gateway.NewRouter(hub, eng, cfg.Gateway.AllowedOrigins)
	httpSrv := &http.Server{
		Addr:    cfg.Gateway.BindAddress,
		Handler: router,
	}

	go func() {
		logging.Info().
			Str("addr", cfg.Gateway.BindAddress).
			Msg("Gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("Gateway server error")
		}
	}()

	runCtx := eng.InstallSignalHandlers()
	<-runCtx.Done()

	logging.Info().Msg("Shutting down avatar-serverd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Gateway shutdown error")
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Engine shutdown error")
	}

	logging.Info().Msg("avatar-serverd stopped")
	return nil
}

// newBridgeFactory builds the engine.BridgeFactory that selects between
// the stream-JSON (Claude) and ACP (Gemini, Codex) bridge
// implementations based on provider, applying cfg's per-provider
// sub-documents.
func newBridgeFactory(cfg *config.AvatarConfig, mcpServers map[string]any) engine.BridgeFactory {
	return func(ctx context.Context, provider bridge.Provider, sb *sandbox.Sandbox) (bridge.Bridge, error) {
		base := bridge.Config{
			Provider:           provider,
			WorkingDir:         cfg.WorkingDir,
			SystemPrompt:       cfg.SystemPrompt,
			SafetyInstructions: cfg.SafetyInstructions,
			MCPServers:         mcpServers,
			Timeout:            cfg.Timeout(),
			Logger:             logging.Logger,
		}

		switch provider {
		case bridge.ProviderClaude:
			sjCfg := bridge.StreamJSONConfig{Config: base}
			if schema, ok := cfg.ClaudeConfig["json_schema"].(map[string]any); ok {
				sjCfg.JSONSchema = schema
			}
			br := bridge.NewStreamJSONBridge(sjCfg, sb)
			return br, nil

		case bridge.ProviderGemini:
			acpCfg := bridge.ACPConfig{
				Config:                     base,
				Executable:                 "gemini",
				SupportsOneshot:            true,
				OneshotExecutable:          "gemini",
				InlineAttachmentLimitBytes: 20 << 20,
			}
			br := bridge.NewACPBridge(bridge.ProviderGemini, acpCfg, sb, sessionstore.NewGeminiStore())
			return br, nil

		case bridge.ProviderCodex:
			acpCfg := bridge.ACPConfig{
				Config:                     base,
				Executable:                 "codex",
				ExecutableArgs:             []string{"acp"},
				AuthMethod:                 "chatgpt",
				SandboxMode:                "workspace-write",
				ApprovalMode:               "auto",
				InlineAttachmentLimitBytes: 20 << 20,
			}
			br := bridge.NewACPBridge(bridge.ProviderCodex, acpCfg, sb, sessionstore.NewCodexStore())
			return br, nil

		default:
			return nil, fmt.Errorf("unknown provider %q", provider)
		}
	}
}
