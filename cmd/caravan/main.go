package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/enmapper/caravan/internal/config"
	"github.com/enmapper/caravan/internal/llm"
	"github.com/enmapper/caravan/internal/llm/providers/azure"
	"github.com/enmapper/caravan/internal/llm/providers/openaicompat"
	"github.com/enmapper/caravan/internal/pipeline"
	"github.com/enmapper/caravan/internal/runlog"
	"github.com/enmapper/caravan/internal/runstore"
	"github.com/enmapper/caravan/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "analyze":
		analyzeCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "artifacts":
		artifactsCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  caravan run --config <run.yaml> [--run-id <id>] [--credentials <file>] [--debug]")
	fmt.Fprintln(os.Stderr, "  caravan analyze --config <run.yaml> [--run-id <id>] [--credentials <file>] [--debug]")
	fmt.Fprintln(os.Stderr, "  caravan serve [--addr <host:port>] [--provider <name>] [--deployment <name>] [--api-version <v>] [--credentials <file>] [--debug]")
	fmt.Fprintln(os.Stderr, "  caravan validate --config <run.yaml>")
	fmt.Fprintln(os.Stderr, "  caravan artifacts --run <run-folder>")
}

func runCmd(args []string) {
	var configPath string
	var runID string
	var credsPath string
	var debug bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			runID = args[i]
		case "--credentials":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--credentials requires a value")
				os.Exit(1)
			}
			credsPath = args[i]
		case "--debug":
			debug = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := config.LoadRunConfigFile(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if credsPath == "" {
		credsPath = config.DefaultCredentialsFile
	}

	client := llm.NewClient()
	switch cfg.LLM.Provider {
	case "azure":
		creds, err := config.LoadCredentials(credsPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		client.Register(azure.New(creds.Endpoint, creds.APIKey, cfg.LLM.Deployment, cfg.LLM.APIVersion))
	default:
		a, err := openaicompat.NewFromEnv(cfg.LLM.Provider)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		client.Register(a)
	}

	logger, err := runlog.NewLogger(debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	id := config.SanitizeRunID(runID)
	folder := fmt.Sprintf("%s_%s", id, time.Now().Format("20060102_150405"))
	paths, err := config.NewRunPaths(cfg.OutputDir, folder)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	store, err := runstore.Open(paths.Root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	orch := &pipeline.Orchestrator{
		Client: client,
		Cfg:    cfg,
		Paths:  paths,
		Store:  store,
		Log:    logger,
		OnLog: func(message, kind string) {
			fmt.Printf("[%s] %s\n", kind, message)
		},
	}

	// Migrations can run for hours; cancellation comes from the operator,
	// not a deadline.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := orch.Run(ctx)
	st := orch.Snapshot()

	fmt.Printf("run_folder=%s\n", paths.Root)
	fmt.Printf("phase1=%s\n", st.Discovery.Status)
	fmt.Printf("phase2=%s\n", st.Planning.Status)
	fmt.Printf("phase3=%s\n", st.Execution.Status)

	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
	if st.Success {
		os.Exit(0)
	}
	os.Exit(1)
}

func analyzeCmd(args []string) {
	var configPath string
	var runID string
	var credsPath string
	var debug bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(1)
			}
			runID = args[i]
		case "--credentials":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--credentials requires a value")
				os.Exit(1)
			}
			credsPath = args[i]
		case "--debug":
			debug = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := config.LoadRunConfigFile(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if credsPath == "" {
		credsPath = config.DefaultCredentialsFile
	}

	client := llm.NewClient()
	switch cfg.LLM.Provider {
	case "azure":
		creds, err := config.LoadCredentials(credsPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		client.Register(azure.New(creds.Endpoint, creds.APIKey, cfg.LLM.Deployment, cfg.LLM.APIVersion))
	default:
		a, err := openaicompat.NewFromEnv(cfg.LLM.Provider)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		client.Register(a)
	}

	logger, err := runlog.NewLogger(debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	id := config.SanitizeRunID(runID)
	folder := fmt.Sprintf("%s_%s", id, time.Now().Format("20060102_150405"))
	paths, err := config.NewRunPaths(cfg.OutputDir, folder)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	store, err := runstore.Open(paths.Root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	disc := &pipeline.Discovery{
		Client:       client,
		LLM:          cfg.LLM,
		Loop:         cfg.Discovery,
		Kernel:       cfg.Kernel,
		Source:       cfg.Source,
		Instructions: cfg.Instructions,
		OutputDir:    paths.Discovery,
		Store:        store,
		Log:          logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, res, err := disc.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("run_folder=%s\n", paths.Root)
	fmt.Printf("iterations=%d\n", res.Iterations)
	fmt.Printf("satisfied=%v\n", res.Satisfied)
	if cat != nil {
		fmt.Printf("tables=%d\n", len(cat.Tables))
		fmt.Printf("relationships=%d\n", len(cat.Relationships))
	}
	if res.CatalogFile != "" {
		fmt.Printf("catalog=%s\n", res.CatalogFile)
	}
	if cat == nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func serveCmd(args []string) {
	var addr string
	var provider string
	var deployment string
	var apiVersion string
	var credsPath string
	var debug bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		case "--provider":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--provider requires a value")
				os.Exit(1)
			}
			provider = args[i]
		case "--deployment":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--deployment requires a value")
				os.Exit(1)
			}
			deployment = args[i]
		case "--api-version":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--api-version requires a value")
				os.Exit(1)
			}
			apiVersion = args[i]
		case "--credentials":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--credentials requires a value")
				os.Exit(1)
			}
			credsPath = args[i]
		case "--debug":
			debug = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if addr == "" {
		addr = ":8099"
	}
	if credsPath == "" {
		credsPath = config.DefaultCredentialsFile
	}
	if provider == "" {
		provider = "azure"
	}

	client := llm.NewClient()
	switch provider {
	case "azure":
		creds, err := config.LoadCredentials(credsPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if deployment == "" {
			deployment = os.Getenv("AZURE_OPENAI_DEPLOYMENT")
		}
		if deployment == "" {
			fmt.Fprintln(os.Stderr, "--deployment or AZURE_OPENAI_DEPLOYMENT is required")
			os.Exit(1)
		}
		client.Register(azure.New(creds.Endpoint, creds.APIKey, deployment, apiVersion))
	default:
		a, err := openaicompat.NewFromEnv(provider)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		client.Register(a)
	}

	logger, err := runlog.NewLogger(debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv := server.New(server.Config{Addr: addr}, client, logger)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func validateCmd(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}
	cfg, err := config.LoadRunConfigFile(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("ok: %s -> %s (deployment %s)\n", cfg.Source.Type, cfg.Target.Type, cfg.LLM.Deployment)
	os.Exit(0)
}

func artifactsCmd(args []string) {
	var runDir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run requires a value")
				os.Exit(1)
			}
			runDir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if runDir == "" {
		usage()
		os.Exit(1)
	}

	checks, err := runstore.VerifyArtifacts(runDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	corrupt := 0
	for _, c := range checks {
		if c.Err != nil {
			corrupt++
			fmt.Printf("CORRUPT  %-40s %s  (%v)\n", c.Name, c.ContentHash, c.Err)
			continue
		}
		fmt.Printf("ok       %-40s %s  %d bytes\n", c.Name, c.ContentHash, c.BytesLen)
	}
	fmt.Printf("%d artifacts, %d corrupt\n", len(checks), corrupt)
	if corrupt > 0 {
		os.Exit(1)
	}
	os.Exit(0)
}
