// Package main is the entry point for the Aegis agent core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/aegis/internal/agent"
	"github.com/nugget/aegis/internal/api"
	"github.com/nugget/aegis/internal/blob"
	"github.com/nugget/aegis/internal/buildinfo"
	"github.com/nugget/aegis/internal/config"
	"github.com/nugget/aegis/internal/contacts"
	"github.com/nugget/aegis/internal/email"
	"github.com/nugget/aegis/internal/embeddings"
	"github.com/nugget/aegis/internal/executor"
	"github.com/nugget/aegis/internal/forge"
	"github.com/nugget/aegis/internal/listeners"
	"github.com/nugget/aegis/internal/llm"
	"github.com/nugget/aegis/internal/opstate"
	"github.com/nugget/aegis/internal/router"
	"github.com/nugget/aegis/internal/safety"
	"github.com/nugget/aegis/internal/scheduler"
	"github.com/nugget/aegis/internal/selfupdate"
	signalcli "github.com/nugget/aegis/internal/signal"
	"github.com/nugget/aegis/internal/state"
	"github.com/nugget/aegis/internal/tools"
	"github.com/nugget/aegis/internal/usage"
	"github.com/nugget/aegis/internal/vectormemory"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
			return
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
			return
		case "pair":
			runPair()
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
	}

	fmt.Println("Aegis - Persistent Autonomous Agent Core")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Run the director loop and API server")
	fmt.Println("  pair     Generate a creator-auth pairing token and QR code")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// runPair generates a fresh pairing token, prints it alongside its QR
// encoding, and tells the operator where to put it. It performs no
// config mutation itself — auth.mode: single-creator-oidc requires a
// restart to pick up the new token anyway, so there is no benefit to
// writing the file automatically.
func runPair() {
	token, err := selfupdate.NewPairingToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate pairing token: %v\n", err)
		os.Exit(1)
	}
	if err := selfupdate.WritePairingQR(os.Stdout, token); err != nil {
		fmt.Fprintf(os.Stderr, "render pairing qr code: %v\n", err)
		os.Exit(1)
	}
	fmt.Println()
	fmt.Println("Scan the QR code above from your creator device, then set")
	fmt.Println("auth.mode: single-creator-oidc and the token below in config.yaml:")
	fmt.Println()
	fmt.Println("  auth:")
	fmt.Println("    mode: single-creator-oidc")
	fmt.Printf("    pairing_token: %s\n", token)
}

func runServe(logger *slog.Logger, configPath string) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting aegis", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "default_model", cfg.Models.Default)

	dataDir := cfg.DataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", dataDir, "error", err)
		os.Exit(1)
	}

	st, err := state.New(dataDir + "/state.db")
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	blobLog, err := blob.New(dataDir + "/blob")
	if err != nil {
		logger.Error("failed to open blob log", "error", err)
		os.Exit(1)
	}
	defer blobLog.Close()

	var embedder *embeddings.Client
	if cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{BaseURL: cfg.Embeddings.BaseURL, Model: cfg.Embeddings.Model})
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model, "base_url", cfg.Embeddings.BaseURL)
	}

	vecmem, err := vectormemory.NewStore(dataDir+"/vector.db", embedder, logger)
	if err != nil {
		logger.Error("failed to open vector memory store", "error", err)
		os.Exit(1)
	}
	defer vecmem.Close()

	budget, err := usage.NewStore(dataDir + "/usage.db")
	if err != nil {
		logger.Error("failed to open usage store", "error", err)
		os.Exit(1)
	}
	defer budget.Close()
	if err := budget.SeedProvidersFromConfig(cfg.Budget); err != nil {
		logger.Error("failed to seed providers from config", "error", err)
		os.Exit(1)
	}

	tier := router.NewTierRouter(cfg.Tiers, agent.CanAffordAdapter{Store: budget})
	if len(cfg.Models.Available) > 0 {
		tier.SetChooser(router.NewRouter(logger, router.Config{
			Models:       router.ModelsFromConfig(cfg.Models.Available),
			DefaultModel: cfg.Models.Default,
			LocalFirst:   cfg.Models.LocalFirst,
		}))
	}

	opStore, err := opstate.NewStore(dataDir + "/opstate.db")
	if err != nil {
		logger.Error("failed to open operational state store", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.NewStore(dataDir + "/scheduler.db")
	if err != nil {
		logger.Error("failed to open scheduler store", "error", err)
		os.Exit(1)
	}
	schedExec := func(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) error {
		logger.Info("scheduled task fired", "task_id", task.ID, "task_name", task.Name)
		return nil
	}
	sch := scheduler.New(logger, sched, schedExec)
	if err := sch.Start(context.Background()); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sch.Stop()

	contactStore, err := contacts.NewStore(dataDir+"/contacts.db", logger)
	if err != nil {
		logger.Error("failed to open contacts store", "error", err)
		os.Exit(1)
	}
	defer contactStore.Close()
	contactTools := contacts.NewTools(contactStore)
	if embedder != nil {
		contactTools.SetEmbeddingClient(embedder)
	}

	registry := tools.NewRegistry(sch)
	registry.SetContactTools(contactTools)
	if cfg.Workspace.Path != "" {
		registry.SetFileTools(tools.NewFileTools(cfg.Workspace.Path, cfg.Workspace.ReadOnlyDirs))
	}
	if cfg.ShellExec.Enabled {
		shellCfg := tools.DefaultShellExecConfig()
		shellCfg.Enabled = true
		shellCfg.WorkingDir = cfg.ShellExec.WorkingDir
		shellCfg.DeniedCmds = cfg.ShellExec.DeniedPatterns
		shellCfg.AllowedCmds = cfg.ShellExec.AllowedPrefixes
		if cfg.ShellExec.DefaultTimeoutSec > 0 {
			shellCfg.DefaultTimeout = time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second
		}
		registry.SetShellExec(tools.NewShellExec(shellCfg))
	}

	validator := safety.New(logger, agent.SafetyBlobAdapter{Log: blobLog})
	exec := executor.New(registry, validator)

	clients := map[string]llm.Client{}
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	clients["ollama"] = ollamaClient
	if cfg.Anthropic.Configured() {
		clients["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		logger.Info("anthropic provider configured")
	}
	caller := agent.NewLLMCaller(clients, budget, cfg.Budget.Pricing)

	chat := agent.NewChatQueue(0)

	var deliverers listeners.Fanout
	var runners []func(ctx context.Context)

	if cfg.Signal.Enabled {
		sigClient := signalcli.NewClient(cfg.Signal.Command, cfg.Signal.Args, logger)
		signalListener := listeners.NewSignalListener(sigClient, chat, cfg.Signal.RateLimit, logger)
		deliverers = append(deliverers, signalListener)
		runners = append(runners, signalListener.Start)
		logger.Info("signal listener configured", "command", cfg.Signal.Command)
	}

	if cfg.Email.Configured() {
		emailMgr := email.NewManager(cfg.Email, logger)
		poller := email.NewPoller(emailMgr, opStore, logger)
		emailListener := listeners.NewEmailListener(poller, chat, 5*time.Minute, logger)
		runners = append(runners, emailListener.Start)
		logger.Info("email listener configured", "accounts", len(cfg.Email.Accounts))

		registry.SetEmailTools(email.NewTools(emailMgr, contacts.NewTrustResolver(contactStore)))
	}

	if cfg.Forge.Configured() {
		forgeMgr, err := forge.NewManager(cfg.Forge, logger)
		if err != nil {
			logger.Error("failed to configure forge accounts", "error", err)
			os.Exit(1)
		}
		registry.SetForgeTools(forge.NewTools(forgeMgr, nil, tools.ConversationIDFromContext, logger))
		logger.Info("forge tools configured", "accounts", len(cfg.Forge.Accounts))
	}

	if cfg.MQTT.Enabled {
		mqttListener := listeners.NewMQTTListener(listeners.MQTTConfig{
			Broker:        cfg.MQTT.Broker,
			ClientID:      cfg.MQTT.ClientID,
			Username:      cfg.MQTT.Username,
			Password:      cfg.MQTT.Password,
			Subscriptions: cfg.MQTT.Subscriptions,
		}, chat, logger)
		runners = append(runners, func(ctx context.Context) {
			if err := mqttListener.Start(ctx); err != nil {
				logger.Error("mqtt listener failed", "error", err)
			}
		})
		logger.Info("mqtt listener configured", "broker", cfg.MQTT.Broker)
	}

	var director *agent.Director
	apiServer := api.NewServer(cfg.Listen, cfg.Auth, st, blobLog, vecmem, budget, tier, chat, func() {
		if director != nil {
			director.Wake()
		}
	}, logger)
	deliverers = append(deliverers, apiServer)

	director = agent.New(st, blobLog, vecmem, budget, tier, exec, caller, chat, deliverers, apiServer, logger)
	apiServer.SetWorkingContextSource(director.WorkingContextSnapshot)

	var updater *selfupdate.Manager
	if cfg.SelfUpdate.AllowedPaths != nil || cfg.SelfUpdate.RemoteURL != "" {
		var pusher selfupdate.RemotePusher
		if cfg.SelfUpdate.RemoteURL != "" {
			p, err := selfupdate.NewGitHubPusher(nil, cfg.SelfUpdate.RemoteToken, cfg.SelfUpdate.RemoteURL, logger)
			if err != nil {
				logger.Error("failed to configure self-update remote pusher", "error", err)
			} else {
				pusher = p
			}
		}
		signer, err := selfupdate.NewCommitSigner(cfg.SelfUpdate.SigningKeyPath, logger)
		if err != nil {
			logger.Error("failed to configure self-update commit signing", "error", err)
			os.Exit(1)
		}
		updater = selfupdate.New(".", dataDir+"/selfupdate-backup", logger, pusher, "main",
			cfg.SelfUpdate.AllowedPaths, time.Duration(cfg.SelfUpdate.HealthyAfterSec)*time.Second, signer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if updater != nil {
		if err := updater.SeedBackup(ctx); err != nil {
			logger.Error("self-update backup seed failed", "error", err)
			os.Exit(1)
		}
		reverted, err := updater.Boot(ctx)
		if err != nil {
			logger.Error("self-update boot check failed", "error", err)
		}
		if reverted {
			logger.Warn("self-update reverted to previous commit after a failed health check")
		}
		if err := updater.ArmRevertFlag(); err != nil {
			logger.Error("failed to arm self-update revert flag", "error", err)
		}
		go func() {
			time.Sleep(updater.HealthyAfter())
			if err := updater.ClearRevertFlag(); err != nil {
				logger.Error("failed to clear self-update revert flag", "error", err)
			}
		}()
	}

	for _, run := range runners {
		go run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = apiServer.Shutdown(context.Background())
	}()

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	if err := director.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("director stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("aegis stopped")
}
