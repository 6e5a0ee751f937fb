// Command chatbroker is the CLI entrypoint wiring every core component
// (internal/batcher through internal/messenger/telegram) into one
// running process, grounded wholesale on cmd/divinesense/main.go's
// cobra+viper+godotenv shape: persistent flags bound to viper keys, an
// env-prefix binder, a systemd-guarded .env load, and a graceful
// SIGINT/SIGTERM shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/chatbroker/internal/access"
	"github.com/hrygo/chatbroker/internal/adminapi"
	"github.com/hrygo/chatbroker/internal/aiagent"
	"github.com/hrygo/chatbroker/internal/aiagent/ccagent"
	"github.com/hrygo/chatbroker/internal/aiagent/openaiagent"
	"github.com/hrygo/chatbroker/internal/batcher"
	"github.com/hrygo/chatbroker/internal/chat"
	"github.com/hrygo/chatbroker/internal/commands"
	"github.com/hrygo/chatbroker/internal/config"
	"github.com/hrygo/chatbroker/internal/executor"
	"github.com/hrygo/chatbroker/internal/expirestore"
	"github.com/hrygo/chatbroker/internal/messenger/telegram"
	"github.com/hrygo/chatbroker/internal/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "chatbroker",
	Short: "A multi-tenant chat broker that mediates between a messenger frontend and a streaming AI backend.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: runBroker,
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("chat-cache-alive-minutes", config.DefaultChatCacheAliveMinutes)
	viper.SetDefault("admin-addr", ":28082")
	viper.SetDefault("metrics-addr", ":28083")

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("telegram-bot-token", "", "Telegram bot API token")
	flags.String("llm-provider", "", "OpenAI-compatible provider id (zai, deepseek, openai, siliconflow, dashscope, openrouter, ollama)")
	flags.String("llm-api-key", "", "LLM API key")
	flags.String("llm-base-url", "", "LLM base URL override")
	flags.String("llm-model", "", "LLM model name")
	flags.String("cc-agent-binary", "", "local CLI agent binary path (alternative to an LLM provider)")
	flags.Int("chat-cache-alive-minutes", config.DefaultChatCacheAliveMinutes, "TTL in minutes for non-premium chat state")
	flags.String("admin-user-id", "", "admin user id, compared case-insensitively")
	flags.String("allowed-ids-path", "ids.txt", "path to the allow-list file")
	flags.String("premium-ids-path", "premium_ids.txt", "path to the premium-list file")
	flags.String("access-policy", "", "optional CEL access policy expression")
	flags.String("mode-template-dir", "modes", "directory containing {mode}.txt intro templates")
	flags.String("admin-addr", ":28082", "admin HTTP API listen address")
	flags.String("admin-jwt-secret", "", "admin HTTP API JWT signing secret; blank disables auth (dev only)")
	flags.String("metrics-addr", ":28083", "Prometheus metrics listen address")

	for _, name := range []string{
		"mode", "telegram-bot-token", "llm-provider", "llm-api-key", "llm-base-url",
		"llm-model", "cc-agent-binary", "chat-cache-alive-minutes", "admin-user-id",
		"allowed-ids-path", "premium-ids-path", "access-policy", "mode-template-dir",
		"admin-addr", "admin-jwt-secret", "metrics-addr",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("chatbroker")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func runBroker(_ *cobra.Command, _ []string) error {
	logger := slog.Default()

	profile := &config.Profile{
		Mode:                  viper.GetString("mode"),
		TelegramBotToken:      viper.GetString("telegram-bot-token"),
		LLMProvider:           viper.GetString("llm-provider"),
		LLMAPIKey:             viper.GetString("llm-api-key"),
		LLMBaseURL:            viper.GetString("llm-base-url"),
		LLMModel:              viper.GetString("llm-model"),
		CCAgentBinaryPath:     viper.GetString("cc-agent-binary"),
		ChatCacheAliveMinutes: viper.GetInt("chat-cache-alive-minutes"),
		AdminUserID:           viper.GetString("admin-user-id"),
		AllowedIDsPath:        viper.GetString("allowed-ids-path"),
		PremiumIDsPath:        viper.GetString("premium-ids-path"),
		AccessPolicy:          viper.GetString("access-policy"),
		ModeTemplateDir:       viper.GetString("mode-template-dir"),
		AdminAddr:             viper.GetString("admin-addr"),
		AdminJWTSecret:        viper.GetString("admin-jwt-secret"),
		MetricsAddr:           viper.GetString("metrics-addr"),
	}
	profile.FromEnv()
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Info("chatbroker starting", "profile", profile.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgr, err := telegram.New(telegram.Config{BotToken: profile.TelegramBotToken}, logger)
	if err != nil {
		return fmt.Errorf("failed to create telegram messenger: %w", err)
	}

	agentFactory, err := buildAgentFactory(profile, logger)
	if err != nil {
		return err
	}

	store := expirestore.New(1*time.Second, logger)
	defer store.Close()

	policy, err := access.CompilePolicy(profile.AccessPolicy)
	if err != nil {
		return fmt.Errorf("invalid access policy: %w", err)
	}
	checker := access.NewChecker(profile.AllowedIDsPath, profile.PremiumIDsPath, policy)

	reg := commands.NewDefaultRegistry()

	metricsExporter := metrics.New(metrics.DefaultConfig())
	metricsAdapter := &batcherMetricsAdapter{exporter: metricsExporter}

	adminSrv := adminapi.New(adminapi.Config{
		Store:       store,
		AllowedList: access.NewList(profile.AllowedIDsPath),
		PremiumList: access.NewList(profile.PremiumIDsPath),
		JWTSecret:   profile.AdminJWTSecret,
	}, logger)

	ttlFor := func(chatID, username string) time.Duration {
		if checker.IsPremium(chatID, username) {
			return expirestore.Infinite
		}
		return profile.ChatCacheTTL()
	}
	maxTextLen := profile.MessengerMaxTextLen
	if maxTextLen == 0 {
		maxTextLen = msgr.MaxTextMessageLen()
	}
	maxPhotoLen := profile.MessengerMaxPhotoLen
	if maxPhotoLen == 0 {
		maxPhotoLen = msgr.MaxPhotoMessageLen()
	}

	sessionFactory := func(_ context.Context, chatID string) (*chat.Session, error) {
		c := chat.New(chatID, store, msgr, agentFactory, ttlFor(chatID, ""), logger)
		introLoader := func(mode string) string { return config.LoadModeTemplate(profile.ModeTemplateDir, mode) }
		return chat.NewSession(c, maxTextLen, maxPhotoLen, introLoader, logger), nil
	}
	executorFactory := func(chatID string, s *chat.Session) *executor.Executor {
		return executor.New(chatID, s, nil, nil, reg, logger)
	}

	b := batcher.New(checker, msgr, sessionFactory, executorFactory,
		batcher.WithMetrics(metricsAdapter),
		batcher.WithLogger(logger),
	)

	go func() {
		logger.Info("admin API listening", "addr", profile.AdminAddr)
		if err := adminSrv.Start(profile.AdminAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("admin API stopped", "error", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsExporter.Handler())
	metricsHTTP := &http.Server{Addr: profile.MetricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("metrics listening", "addr", profile.MetricsAddr)
		if err := metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		b.Run(ctx, adminSrv.Events())
		close(done)
	}()

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()
	<-done
	b.Wait()
	_ = adminSrv.Shutdown()
	_ = metricsHTTP.Close()
	return nil
}

// buildAgentFactory returns the chat.AgentFactory the broker uses to
// build each chat's AI agent, preferring an OpenAI-compatible provider
// when configured and falling back to the local CLI agent otherwise
// ("currently active AI agent, replaced on SetMode").
func buildAgentFactory(profile *config.Profile, logger *slog.Logger) (chat.AgentFactory, error) {
	if profile.LLMProvider != "" {
		base := openaiagent.Config{
			Provider: profile.LLMProvider,
			APIKey:   profile.LLMAPIKey,
			BaseURL:  profile.LLMBaseURL,
			Model:    profile.LLMModel,
		}
		return func(_ context.Context, mode string) (aiagent.Agent, error) {
			cfg := base
			mp, err := config.LoadModeProfile(profile.ModeTemplateDir, mode)
			if err != nil {
				return nil, fmt.Errorf("mode profile for %q: %w", mode, err)
			}
			if mp.Provider != "" {
				cfg.Provider = mp.Provider
			}
			if mp.Model != "" {
				cfg.Model = mp.Model
			}
			return openaiagent.New(cfg, logger), nil
		}, nil
	}
	if profile.CCAgentBinaryPath != "" {
		cfg := ccagent.Config{BinaryPath: profile.CCAgentBinaryPath}
		return func(_ context.Context, _ string) (aiagent.Agent, error) {
			return ccagent.New(cfg, logger)
		}, nil
	}
	return nil, fmt.Errorf("no AI provider configured")
}

// batcherMetricsAdapter satisfies internal/batcher.Metrics over the
// broader internal/metrics.Exporter.
type batcherMetricsAdapter struct {
	exporter *metrics.Exporter
}

func (a *batcherMetricsAdapter) SetQueueDepth(chatID string, depth int) {
	a.exporter.SetQueueDepth(chatID, depth)
}

func (a *batcherMetricsAdapter) RecordAccessDenied(reason string) {
	a.exporter.RecordAccessDenied(reason)
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("chatbroker exited with error", "error", err)
		os.Exit(1)
	}
}
