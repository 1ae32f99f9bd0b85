package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulzo/relay/internal/analytics"
	"github.com/nulzo/relay/internal/config"
	"github.com/nulzo/relay/internal/metering"
	"github.com/nulzo/relay/internal/platform/logger"
	"github.com/nulzo/relay/internal/platform/otel"
	"github.com/nulzo/relay/internal/router"
	"github.com/nulzo/relay/internal/routing"
	"github.com/nulzo/relay/internal/server"
	"github.com/nulzo/relay/internal/store/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	// Imported for their init() factory registration.
	_ "github.com/nulzo/relay/internal/llm/anthropic"
	_ "github.com/nulzo/relay/internal/llm/openai"
)

func main() {
	logger.Initialize(logger.DefaultConfig())
	defer logger.Sync()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "invoke":
		err = runInvoke(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "spend":
		err = runSpend(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "version":
		fmt.Println(AppVersion)
		CheckForUpdates()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: relay <command> [flags]

commands:
  invoke    route one completion through the configured providers
  validate  load and validate the effective configuration
  config    print the effective configuration with secrets redacted
  spend     print today's spend against the daily budget
  serve     run the local introspection server
  version   print the version and check for updates`)
}

// buildRouter wires a router from loaded config: redis-backed breaker
// state when enabled, analytics mirroring when enabled.
func buildRouter(cfg *config.Config) (*router.Router, func(), error) {
	deps := router.Deps{}
	cleanup := func() {}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		deps.BreakerStore = routing.NewRedisStore(client)
	}

	if cfg.Analytics.Enabled {
		repo, err := sqlite.Open(cfg.Analytics.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("analytics store: %w", err)
		}
		ingestor := analytics.NewIngestor(logger.Get(), repo)
		ingestor.Start(context.Background())
		deps.Ingestor = ingestor
		cleanup = func() {
			ingestor.Stop()
			_ = repo.Close()
		}
	}

	rt, err := router.New(cfg, deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return rt, cleanup, nil
}

func runInvoke(args []string) error {
	fs := flag.NewFlagSet("invoke", flag.ExitOnError)
	agent := fs.String("agent", "", "agent name to route as (required)")
	input := fs.String("input", "", "user input; reads stdin when omitted")
	system := fs.String("system", "", "system prompt")
	maxTokens := fs.Int("max-tokens", 0, "output token reservation")
	model := fs.String("model", "", "override the model alias for this invocation")
	phase := fs.String("phase", "", "phase id recorded in the ledger")
	sprint := fs.String("sprint", "", "sprint id recorded in the ledger")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	_ = fs.Parse(args)

	if *agent == "" {
		return fmt.Errorf("invoke: -agent is required")
	}

	text := *input
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		text = string(data)
	}

	cfg, err := config.Load("", &config.Overrides{Model: *model})
	if err != nil {
		return err
	}

	shutdown, err := otel.InitTracer("relay", logger.Get(), io.Discard)
	if err == nil {
		defer func() {
			_ = shutdown(context.Background())
		}()
	}

	rt, cleanup, err := buildRouter(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := rt.Invoke(ctx, router.InvokeParams{
		Agent:     *agent,
		System:    *system,
		Input:     text,
		MaxTokens: *maxTokens,
		PhaseID:   *phase,
		SprintID:  *sprint,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	fmt.Println(result.Content)
	logger.Info("invocation complete",
		zap.String("provider", result.Provider),
		zap.String("model", result.Model),
		zap.Int("tokens_in", result.Usage.InputTokens),
		zap.Int("tokens_out", result.Usage.OutputTokens),
		zap.String("usage_source", result.Usage.Source))
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	root := fs.String("root", "", "project root (defaults to walking up from cwd)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*root, nil)
	if err != nil {
		return err
	}
	fmt.Printf("configuration valid: %d providers, %d aliases, %d agents\n",
		len(cfg.Providers), len(cfg.Aliases), len(cfg.Agents))
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	root := fs.String("root", "", "project root (defaults to walking up from cwd)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*root, nil)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg.Redacted())
}

func runSpend(args []string) error {
	fs := flag.NewFlagSet("spend", flag.ExitOnError)
	root := fs.String("root", "", "project root (defaults to walking up from cwd)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*root, nil)
	if err != nil {
		return err
	}
	spend, err := metering.NewSpendTracker(cfg.LedgerFile())
	if err != nil {
		return err
	}

	total := spend.TotalToday()
	limit := cfg.Metering.Budget.DailyMicroUSD
	fmt.Printf("today: %s of %s\n", formatMicroUSD(total), formatMicroUSD(limit))
	for name := range cfg.Providers {
		if v := spend.ProviderToday(name); v > 0 {
			fmt.Printf("  %-12s %s\n", name, formatMicroUSD(v))
		}
	}
	return nil
}

func formatMicroUSD(v int64) string {
	return fmt.Sprintf("$%d.%06d", v/1_000_000, v%1_000_000)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (overrides server.addr)")
	root := fs.String("root", "", "project root (defaults to walking up from cwd)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*root, nil)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	shutdown, err := otel.InitTracer("relay", logger.Get(), io.Discard)
	if err == nil {
		defer func() {
			_ = shutdown(context.Background())
		}()
	}

	rt, cleanup, err := buildRouter(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := rt.SweepBreakers(context.Background()); err != nil {
		logger.Warn("breaker sweep failed", zap.Error(err))
	}

	logger.Info("introspection server listening", zap.String("addr", cfg.Server.Addr))
	return server.New(cfg, logger.Get(), rt).Run()
}
